package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Dir     string
	Level   string // debug | info | warn | error
	Service string
	Stderr  bool // also write to stderr
}

// NewLogger builds a JSON logger writing to a rotated <Dir>/webguard.log.
func NewLogger(o Options) (*zap.Logger, error) {
	if err := os.MkdirAll(o.Dir, 0o755); err != nil {
		return nil, err
	}
	level := zapcore.InfoLevel
	if o.Level != "" {
		if err := level.Set(o.Level); err != nil {
			level = zapcore.InfoLevel
		}
	}

	w := zapcore.AddSync(&lumberjack.Logger{
		Filename:   filepath.Join(o.Dir, "webguard.log"),
		MaxSize:    10, // MB
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	})
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{zapcore.NewCore(zapcore.NewJSONEncoder(cfg), w, level)}
	if o.Stderr {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.Lock(os.Stderr), level))
	}

	l := zap.New(zapcore.NewTee(cores...))
	if o.Service != "" {
		l = l.With(zap.String("service", o.Service))
	}
	return l, nil
}
