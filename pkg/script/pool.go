package script

import (
	"context"
	"sync"
	"time"
)

type Runner interface {
	Runner()
}

type RunnerFactory interface {
	NewRunner() Runner
}

// RunnerPool hands out interpreter instances. A runner is used by one
// goroutine at a time.
type RunnerPool struct {
	pool               chan Runner
	runnerFactory      RunnerFactory
	activeRunnersCount int
	activeRunnersMu    *sync.Mutex
	maxVmPoolSize      int // max amount of active runners
	minVmPoolSize      int // min amount of active runners
}

func NewRunnerPool(ctx context.Context, runnerFactory RunnerFactory, maxVmPoolSize int, minVmPoolSize int) *RunnerPool {
	if maxVmPoolSize < minVmPoolSize {
		panic("[invariant check] vm pool max size is smaller than vm pool min size")
	}
	if maxVmPoolSize < 1 {
		maxVmPoolSize = 1
	}

	p := RunnerPool{
		pool:            make(chan Runner, maxVmPoolSize),
		runnerFactory:   runnerFactory,
		activeRunnersMu: &sync.Mutex{},
		maxVmPoolSize:   maxVmPoolSize,
		minVmPoolSize:   minVmPoolSize,
	}

	//start min amount of runners
	for i := 0; i < minVmPoolSize; i++ {
		p.pool <- p.runnerFactory.NewRunner()
		p.activeRunnersCount++
	}

	//shrink idle runners back to the minimum every 10 minutes
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.shrink()
			case <-ctx.Done():
				return
			}
		}
	}()
	return &p
}

func (r *RunnerPool) shrink() {
	r.activeRunnersMu.Lock()
	defer r.activeRunnersMu.Unlock()
	for r.activeRunnersCount > r.minVmPoolSize {
		select {
		case <-r.pool:
			r.activeRunnersCount--
		default:
			return
		}
	}
}

// GetRunnerFromPool returns an idle runner, creates one while under the max
// size or waits for a runner to be returned.
func (r *RunnerPool) GetRunnerFromPool(ctx context.Context) (Runner, error) {
	select {
	case runner := <-r.pool:
		return runner, nil
	default:
	}
	r.activeRunnersMu.Lock()
	if r.activeRunnersCount < r.maxVmPoolSize {
		r.activeRunnersCount++
		r.activeRunnersMu.Unlock()
		return r.runnerFactory.NewRunner(), nil
	}
	r.activeRunnersMu.Unlock()
	select {
	case runner := <-r.pool:
		return runner, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *RunnerPool) ReturnRunnerToPool(runner Runner) {
	select {
	case r.pool <- runner:
	default:
		//drop runner if pool is full
		r.activeRunnersMu.Lock()
		r.activeRunnersCount--
		r.activeRunnersMu.Unlock()
	}
}

// Discard drops a runner that must not be reused.
func (r *RunnerPool) Discard(runner Runner) {
	r.activeRunnersMu.Lock()
	r.activeRunnersCount--
	r.activeRunnersMu.Unlock()
}

func (r *RunnerPool) ActiveRunners() int {
	r.activeRunnersMu.Lock()
	defer r.activeRunnersMu.Unlock()
	return r.activeRunnersCount
}
