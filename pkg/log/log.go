package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel turns a level name into an atomic level, falling back to info.
func ParseLevel(level string) zap.AtomicLevel {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	return lvl
}

// InitLog builds the process logger. format is "json" or "console"; anything
// else falls back to console.
func InitLog(lvl zap.AtomicLevel, format string) *zap.Logger {
	encoding := "console"
	encodeLevel := zapcore.CapitalColorLevelEncoder
	if format == "json" {
		encoding = "json"
		encodeLevel = zapcore.LowercaseLevelEncoder
	}

	cfg := zap.Config{
		Level:    lvl,
		Encoding: encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "component",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeLevel:    encodeLevel,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
			EncodeName:     zapcore.FullNameEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build(zap.AddStacktrace(zap.ErrorLevel))
	if err != nil {
		panic(err)
	}
	return logger
}
