package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapLogger layers this package's Logger shape on top of zap's
// SugaredLogger, so pkg/pipeline and pkg/convmemory's structured
// logging (stage traces, fallback activation, background task
// outcomes) gets zap's leveling and encoding for free while
// pkg/entity/pkg/cluster keep using the teacher-shaped writerLogger
// directly.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZap builds a Logger backed by a zap.SugaredLogger at the given
// level. "debug", "info" (default), "warn", and "error" are accepted;
// anything else falls back to info. production selects zap's JSON
// production encoder over its human-readable development console
// encoder.
func NewZap(level string, production bool) (Logger, error) {
	var cfg zap.Config
	if production {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel(level))

	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &zapLogger{s: l.Sugar()}, nil
}

func zapLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *zapLogger) Debug(msg string, kv ...any) { l.s.Debugw(msg, kv...) }
func (l *zapLogger) Info(msg string, kv ...any)  { l.s.Infow(msg, kv...) }
func (l *zapLogger) Warn(msg string, kv ...any)  { l.s.Warnw(msg, kv...) }
func (l *zapLogger) Error(msg string, kv ...any) { l.s.Errorw(msg, kv...) }

func (l *zapLogger) With(kv ...any) Logger {
	return &zapLogger{s: l.s.With(kv...)}
}
