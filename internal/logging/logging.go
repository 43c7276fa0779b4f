/*
Package logging constructs the single *zap.SugaredLogger every haraxy component logs through
(SPEC_FULL §9's ambient stack). It is grounded on fluxsce-gateway's pkg/logger: a JSON
production encoder paired with gopkg.in/natefinch/lumberjack.v2 for rotation when a log file is
configured, falling back to stderr otherwise. Unlike that package's global logger.Init(), New()
returns the logger for the caller to hold and pass down, matching this repo's dependency-injection
discipline.
*/
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds a *zap.SugaredLogger. When logFile is empty, logs go to stderr. debug lowers the
// minimum level from Info to Debug. The returned sync func should be deferred by the caller.
func New(logFile string, debug bool) (*zap.SugaredLogger, func() error) {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderConfig)

	var ws zapcore.WriteSyncer
	if logFile != "" {
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100, // megabytes
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		})
	} else {
		ws = zapcore.Lock(zapcore.AddSync(os.Stderr))
	}

	core := zapcore.NewCore(encoder, ws, level)
	logger := zap.New(core, zap.AddCaller())
	return logger.Sugar(), logger.Sync
}
