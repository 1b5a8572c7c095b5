package common

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// Logger (implements dragonboat's logger.ILogger)
// --------------------------------------------------------------------------

// LoggerNames are the named loggers used across the code base
var LoggerNames = []string{"seg", "queues", "transport", "protocol", "server", "storage", "proxy", "admin"}

// levelLogger writes "LEVEL | name | message" lines
type levelLogger struct {
	name  string
	level logger.LogLevel
	out   *log.Logger
}

func (l *levelLogger) SetLevel(level logger.LogLevel) { l.level = level }

func (l *levelLogger) Debugf(format string, args ...interface{}) {
	l.logf(logger.DEBUG, format, args)
}

func (l *levelLogger) Infof(format string, args ...interface{}) {
	l.logf(logger.INFO, format, args)
}

func (l *levelLogger) Warningf(format string, args ...interface{}) {
	l.logf(logger.WARNING, format, args)
}

func (l *levelLogger) Errorf(format string, args ...interface{}) {
	l.logf(logger.ERROR, format, args)
}

func (l *levelLogger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.write("PANIC", msg)
	panic(msg)
}

var levelTags = map[logger.LogLevel]string{
	logger.DEBUG:   "DEBUG",
	logger.INFO:    "INFO",
	logger.WARNING: "WARN",
	logger.ERROR:   "ERROR",
}

func (l *levelLogger) logf(level logger.LogLevel, format string, args []interface{}) {
	if l.level < level {
		return
	}
	l.write(levelTags[level], fmt.Sprintf(format, args...))
}

func (l *levelLogger) write(tag, msg string) {
	l.out.Printf("%-5s | %-10s | %s", tag, l.name, msg)
}

// CreateLogger implements logger.Factory
func CreateLogger(pkgName string) logger.ILogger {
	return &levelLogger{
		name:  pkgName,
		level: logger.INFO,
		out:   log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
}

// parseLogLevel converts a level name to logger.LogLevel
func parseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info", "":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return logger.INFO, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// InitLoggers installs the logger factory and applies the configured level
// to every named logger. Loggers are created lazily by dragonboat, so this
// must run before any package logs.
func InitLoggers(config ServerConfig) {
	logger.SetLoggerFactory(CreateLogger)

	level, err := parseLogLevel(config.Debug.LogLevel)
	if err != nil {
		level = logger.INFO
	}
	for _, name := range LoggerNames {
		logger.GetLogger(name).SetLevel(level)
	}
}
