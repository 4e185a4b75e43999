package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/otterfi/otter-point/pkg/utils"
)

// New builds the process logger for a binary.
//
// LOG_LEVEL accepts any zap level name (debug, info, warn, error); unknown values fall back to info.
// LOG_ENCODING is json or console. Every entry carries the binary name under "component".
func New(component string) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(utils.Env("LOG_LEVEL", "info"))
	if err != nil {
		level = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Development = level == zapcore.DebugLevel
	cfg.Encoding = utils.Env("LOG_ENCODING", "json")
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	// vault passes log one line per checkpoint; sampling would drop them
	cfg.Sampling = nil

	return cfg.Build(zap.Fields(zap.String("component", component)))
}
