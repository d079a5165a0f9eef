package util

import (
	"io"
	"os"
	"runtime/debug"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig selects level, encoding and destination of the process logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`
	// Format is "json" or "console".
	Format string `toml:"format"`
	// Output is "stdout", "stderr" or a file path; files are also mirrored to stderr.
	Output string `toml:"output"`
}

type PanicSafeLogger struct {
	f  *os.File
	mw io.Writer
}

var (
	std    *PanicSafeLogger
	logger = zap.NewNop()
)

func NewPanicSafeLogger(f *os.File) *PanicSafeLogger {
	std = &PanicSafeLogger{
		f:  f,
		mw: io.MultiWriter(f, os.Stderr),
	}
	return std
}

func (l *PanicSafeLogger) Write(p []byte) (n int, err error) {
	return l.mw.Write(p)
}

func (l *PanicSafeLogger) Sync() error {
	return l.f.Sync()
}

func FlushLogger() error {
	_ = logger.Sync()
	if std == nil {
		return nil
	}
	return std.Sync()
}

// NewLogger builds the process logger and remembers it for LogPanic.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	ws, err := writeSyncer(cfg.Output)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Format) == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	logger = zap.New(zapcore.NewCore(encoder, ws, level), zap.AddCaller()).
		With(zap.String("service", "swamp"))
	return logger, nil
}

func writeSyncer(output string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(output) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open log file %s", output)
		}
		return NewPanicSafeLogger(f), nil
	}
}

func LogPanic(err any) {
	logger.Error("panicked", zap.Any("panic", err), zap.ByteString("stack", debug.Stack()))
	_ = FlushLogger()
}
