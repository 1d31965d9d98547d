package log

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var _ Log = (*Logger)(nil)

type Logger struct {
	zapLogger *zap.Logger
	zapLevel  zapcore.Level
}

func New(level Level) *Logger {
	zapLevel := toZapLevel(level)
	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		DisableCaller:    true,
	}

	zapLogger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return &Logger{
		zapLogger: zapLogger,
		zapLevel:  zapLevel,
	}
}

// Provide is the wire provider for the default logger.
func Provide() *Logger {
	return New(LevelInfo)
}

// Nop returns a logger that discards everything. Tests use it.
func Nop() *Logger {
	return &Logger{
		zapLogger: zap.NewNop(),
		zapLevel:  zapcore.ErrorLevel,
	}
}

func (l *Logger) Debug(msg string, fields ...Field) {
	l.zapLogger.Debug(msg, toZapFields(fields...)...)
}

func (l *Logger) Info(msg string, fields ...Field) {
	l.zapLogger.Info(msg, toZapFields(fields...)...)
}

func (l *Logger) Warn(msg string, fields ...Field) {
	l.zapLogger.Warn(msg, toZapFields(fields...)...)
}

func (l *Logger) Error(msg string, fields ...Field) {
	l.zapLogger.Error(msg, toZapFields(fields...)...)
}

func (l *Logger) With(fields ...Field) Log {
	return &Logger{
		zapLogger: l.zapLogger.With(toZapFields(fields...)...),
		zapLevel:  l.zapLevel,
	}
}

func (l *Logger) SetLevel(level Level) {
	l.zapLevel = toZapLevel(level)
}

func (l *Logger) GetLevel() Level {
	return fromZapLevel(l.zapLevel)
}

// Helper functions to convert between levels and fields

func toZapLevel(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zap.DebugLevel
	case LevelInfo:
		return zap.InfoLevel
	case LevelWarn:
		return zap.WarnLevel
	case LevelError:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func fromZapLevel(level zapcore.Level) Level {
	switch level {
	case zap.DebugLevel:
		return LevelDebug
	case zap.InfoLevel:
		return LevelInfo
	case zap.WarnLevel:
		return LevelWarn
	case zap.ErrorLevel:
		return LevelError
	default:
		return LevelInfo
	}
}

func toZapFields(fields ...Field) []zap.Field {
	zapFields := make([]zap.Field, len(fields))
	for i, f := range fields {
		switch f.Type {
		case BoolType:
			zapFields[i] = zap.Bool(f.Key, f.Value.(bool))
		case DurationType:
			zapFields[i] = zap.Duration(f.Key, f.Value.(time.Duration))
		case IntType:
			zapFields[i] = zap.Int(f.Key, f.Value.(int))
		case Uint64Type:
			zapFields[i] = zap.Uint64(f.Key, f.Value.(uint64))
		case StringType:
			zapFields[i] = zap.String(f.Key, f.Value.(string))
		case TimeType:
			zapFields[i] = zap.Time(f.Key, f.Value.(time.Time))
		case ErrorType:
			zapFields[i] = zap.NamedError(f.Key, f.Value.(error))
		default:
			zapFields[i] = zap.Any(f.Key, f.Value)
		}
	}
	return zapFields
}
