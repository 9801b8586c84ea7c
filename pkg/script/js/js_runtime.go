package js

import (
	"context"
	"errors"
	"fmt"

	"github.com/dop251/goja"
	"github.com/pbinitiative/zenworkflow/pkg/script"
)

type JsRunnerFactory struct {
}

func (JsRunnerFactory) NewRunner() script.Runner {
	return newJsRunner()
}

type JsRuntime struct {
	pool *script.RunnerPool
}

var _ script.Runtime = &JsRuntime{}

func NewJsRuntime(ctx context.Context, maxVmPoolSize int, minVmPoolSize int) *JsRuntime {
	return &JsRuntime{
		pool: script.NewRunnerPool(ctx, JsRunnerFactory{}, maxVmPoolSize, minVmPoolSize),
	}
}

// RunScript evaluates script with variables bound as globals and returns the
// value of the last statement. Cancelling ctx interrupts the script.
func (r *JsRuntime) RunScript(ctx context.Context, src string, variables map[string]any) (any, error) {
	runner, err := r.pool.GetRunnerFromPool(ctx)
	if err != nil {
		return nil, err
	}
	jsRunner := runner.(*JsRunner)
	res, err := jsRunner.runScript(ctx, src, variables)
	if jsRunner.broken {
		r.pool.Discard(runner)
	} else {
		r.pool.ReturnRunnerToPool(runner)
	}
	return res, err
}

type JsRunner struct {
	vm     *goja.Runtime
	broken bool
}

func (r *JsRunner) Runner() {}

func newJsRunner() *JsRunner {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	return &JsRunner{vm: vm}
}

func (r *JsRunner) runScript(ctx context.Context, src string, variables map[string]any) (any, error) {
	for k, v := range variables {
		if err := r.vm.Set(k, v); err != nil {
			r.broken = true
			return nil, fmt.Errorf("failed to bind variable %s: %w", k, err)
		}
	}
	defer func() {
		for k := range variables {
			r.vm.GlobalObject().Delete(k)
		}
	}()

	stop := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-ctx.Done():
			r.vm.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	val, err := r.vm.RunString(src)
	close(stop)
	<-watcherDone
	r.vm.ClearInterrupt()
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			r.broken = true
		}
		return nil, fmt.Errorf("error running script: %w", err)
	}
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	return val.Export(), nil
}
