// Package xlog adapts this module's xerrors severity chain onto a zap
// logger, the way the teacher's common/errors package hands every
// chained *Error to a registered log.Handler.
package xlog

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/hiDandelion/netcore/internal/xerrors"
)

var (
	mu     sync.RWMutex
	global *zap.Logger
)

// Init installs the process-wide logger. Safe to call more than once;
// the most recent logger wins.
func Init(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	global = l
}

func logger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if global == nil {
		return zap.NewNop()
	}
	return global
}

type ctxKey struct{}

// WithFields returns a context carrying structured fields that Debug,
// Info, Warning and Error append automatically, mirroring the caller-id prefix the teacher's
// errors.doLog attaches from context.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	existing, _ := ctx.Value(ctxKey{}).([]zap.Field)
	merged := append(append([]zap.Field{}, existing...), fields...)
	return context.WithValue(ctx, ctxKey{}, merged)
}

func fieldsFrom(ctx context.Context) []zap.Field {
	fields, _ := ctx.Value(ctxKey{}).([]zap.Field)
	return fields
}

func log(ctx context.Context, sev xerrors.Severity, msg string, extra ...zap.Field) {
	fields := append(fieldsFrom(ctx), extra...)
	l := logger()
	switch sev {
	case xerrors.SeverityDebug:
		l.Debug(msg, fields...)
	case xerrors.SeverityWarning:
		l.Warn(msg, fields...)
	case xerrors.SeverityError:
		l.Error(msg, fields...)
	default:
		l.Info(msg, fields...)
	}
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	log(ctx, xerrors.SeverityDebug, msg, fields...)
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	log(ctx, xerrors.SeverityInfo, msg, fields...)
}

func Warning(ctx context.Context, msg string, fields ...zap.Field) {
	log(ctx, xerrors.SeverityWarning, msg, fields...)
}

// Error logs err at the severity it carries, defaulting to error level
// for causes that don't implement the severity chain.
func Error(ctx context.Context, err error, fields ...zap.Field) {
	sev := xerrors.SeverityError
	if se, ok := err.(interface{ Severity() xerrors.Severity }); ok {
		sev = se.Severity()
	}
	log(ctx, sev, err.Error(), fields...)
}
