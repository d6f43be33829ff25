package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Component names used with For.
const (
	ComponentStateMachine = "state-machine"
	ComponentLedger       = "action-ledger"
	ComponentExecutor     = "action-executor"
	ComponentScheduler    = "job-scheduler"
	ComponentHandlers     = "action-handlers"
	ComponentMessaging    = "messaging"
	ComponentAPI          = "api"
	ComponentWorker       = "scheduler-worker"
)

// Format selects the zap encoder.
type Format string

const (
	FormatConsole Format = "CONSOLE"
	FormatJSON    Format = "JSON"
)

var once sync.Once

func parseLevel(level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a zap logger writing to stdout.
func New(level string, format Format) *zap.Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
	}

	var encoder zapcore.Encoder
	if format == FormatConsole {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.ConsoleSeparator = " | "
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), zap.NewAtomicLevelAt(parseLevel(level)))
	return zap.New(core, zap.AddCaller())
}

// Initialize installs the global logger from LOGGING_LEVEL and LOGGING_FORMAT.
func Initialize() {
	once.Do(func() {
		level := os.Getenv("LOGGING_LEVEL")
		if level == "" {
			level = "INFO"
		}
		format := Format(strings.ToUpper(os.Getenv("LOGGING_FORMAT")))
		if format != FormatJSON {
			format = FormatConsole
		}

		zap.ReplaceGlobals(New(level, format))
	})
}

// For returns a named sugared logger for a component.
func For(component string) *zap.SugaredLogger {
	Initialize()
	return zap.S().Named(component)
}

// Sync flushes buffered entries.
func Sync() {
	_ = zap.L().Sync()
}

// Err logs err by its message. Errors that carry a stack (goerr) would
// otherwise be rendered with the full trace.
func Err(err error) zap.Field {
	if err == nil {
		return zap.Skip()
	}
	return zap.String("error", err.Error())
}
