package logger

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logMu sync.RWMutex
	log   *zap.Logger
	sugar *zap.SugaredLogger
	sink  *lumberjack.Logger
)

// FileConfig enables a rotating JSON log file next to console output.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// InitWithFile builds a production or development logger and, when fc.Path is
// set, tees every entry into a lumberjack rotated file.
func InitWithFile(development bool, fc FileConfig) error {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	var lj *lumberjack.Logger
	if fc.Path != "" {
		if err := os.MkdirAll(filepath.Dir(fc.Path), 0755); err != nil {
			return err
		}
		lj = &lumberjack.Logger{
			Filename:   fc.Path,
			MaxSize:    fc.MaxSizeMB,
			MaxBackups: fc.MaxBackups,
			MaxAge:     fc.MaxAgeDays,
			Compress:   fc.Compress,
			LocalTime:  true,
		}
		fileEnc := zap.NewProductionEncoderConfig()
		fileEnc.TimeKey = "timestamp"
		fileEnc.EncodeTime = zapcore.ISO8601TimeEncoder
		fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(fileEnc), zapcore.AddSync(lj), cfg.Level)
		l = l.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, fileCore)
		}))
	}
	setLogger(l, lj)
	return nil
}

// setLogger swaps the package logger and the zap globals.
func setLogger(l *zap.Logger, lj *lumberjack.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	// zap.L()/zap.S() return the same instance afterwards
	zap.ReplaceGlobals(l)
	if log != nil {
		_ = log.Sync()
	}
	if sink != nil {
		_ = sink.Close()
	}
	log = l
	sugar = l.Sugar()
	sink = lj
}

// Log returns a non-nil *zap.Logger.
func Log() *zap.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	if log != nil {
		return log
	}
	// not initialised yet, fall back to the zap global (possibly a no-op)
	return zap.L()
}

// S returns a non-nil *zap.SugaredLogger.
func S() *zap.SugaredLogger {
	logMu.RLock()
	defer logMu.RUnlock()
	if sugar != nil {
		return sugar
	}
	return zap.S()
}

// Sync flushes buffered entries and closes the rotating file, if any.
func Sync() {
	logMu.RLock()
	defer logMu.RUnlock()
	if log != nil {
		_ = log.Sync()
	}
	if sink != nil {
		_ = sink.Close()
	}
}
