// Package log is the application logger. It wraps a zap sugared logger
// configured by the active profile: JSON production output in PROD,
// human readable console output otherwise.
package log

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pbinitiative/zenworkflow/internal/appcontext"
	"github.com/pbinitiative/zenworkflow/internal/profile"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger atomic.Pointer[zap.SugaredLogger]

func init() {
	logger.Store(zap.NewNop().Sugar())
}

// Init builds the logger for the current profile. It must run after
// profile.InitProfile.
func Init() {
	var cfg zap.Config
	switch profile.Current {
	case profile.PROD:
		cfg = zap.NewProductionConfig()
	case profile.TEST:
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %s", err))
	}
	SetLogger(l)
}

// SetLogger replaces the application logger.
func SetLogger(l *zap.Logger) {
	logger.Store(l.Sugar())
}

func Logger() *zap.Logger {
	return logger.Load().Desugar()
}

// Sync flushes buffered log entries.
func Sync() {
	_ = logger.Load().Sync()
}

// contextual returns the logger enriched with the identity and trace of ctx.
func contextual(ctx context.Context) *zap.SugaredLogger {
	l := logger.Load()
	if ctx == nil {
		return l
	}
	if tenantId, ok := appcontext.TenantFromContext(ctx); ok {
		l = l.With("tenantId", tenantId)
	}
	if userId, ok := appcontext.UserFromContext(ctx); ok {
		l = l.With("userId", userId)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		l = l.With("traceId", sc.TraceID().String(), "spanId", sc.SpanID().String())
	}
	return l
}

func Debug(template string, args ...any) {
	logger.Load().Debugf(template, args...)
}

func Info(template string, args ...any) {
	logger.Load().Infof(template, args...)
}

func Warn(template string, args ...any) {
	logger.Load().Warnf(template, args...)
}

func Error(template string, args ...any) {
	logger.Load().Errorf(template, args...)
}

func Fatal(template string, args ...any) {
	logger.Load().Fatalf(template, args...)
}

func Debugf(ctx context.Context, template string, args ...any) {
	contextual(ctx).Debugf(template, args...)
}

func Infof(ctx context.Context, template string, args ...any) {
	contextual(ctx).Infof(template, args...)
}

func Warnf(ctx context.Context, template string, args ...any) {
	contextual(ctx).Warnf(template, args...)
}

func Errorf(ctx context.Context, template string, args ...any) {
	contextual(ctx).Errorf(template, args...)
}
