// Package logging provides the small per-package-named logger every core
// component logs through. It is modeled directly on the teacher's own
// ILogger adapter (rpc/common/logger.go), which wraps
// github.com/lni/dragonboat/v4/logger.ILogger in exactly this shape; this
// core no longer depends on dragonboat, so the same shape is reproduced as
// a standalone, dependency-free contract and registry instead of pulling in
// dragonboat only for its logger package.
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel mirrors the five levels the teacher's logger supports.
type LogLevel int

const (
	CRITICAL LogLevel = iota
	ERROR
	WARNING
	INFO
	DEBUG
)

// ParseLevel converts a config string to a LogLevel, matching the teacher's
// own parseLogLevel (debug, info, warn/warning, error, critical).
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DEBUG, nil
	case "info":
		return INFO, nil
	case "warn", "warning":
		return WARNING, nil
	case "error":
		return ERROR, nil
	case "critical":
		return CRITICAL, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s (want debug, info, warn, error, critical)", s)
	}
}

// ILogger is the contract every core package logs through.
type ILogger interface {
	SetLevel(level LogLevel)
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Panicf(format string, args ...interface{})
}

// epLogger is the default ILogger implementation, writing to stdout with
// the same "%-5s | %-15s | %s" layout the teacher's dKVLogger uses.
type epLogger struct {
	name   string
	level  LogLevel
	logger *log.Logger
}

func (l *epLogger) SetLevel(level LogLevel) { l.level = level }

func (l *epLogger) Debugf(format string, args ...interface{}) {
	if l.level >= DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *epLogger) Infof(format string, args ...interface{}) {
	if l.level >= INFO {
		l.log("INFO", format, args...)
	}
}

func (l *epLogger) Warningf(format string, args ...interface{}) {
	if l.level >= WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *epLogger) Errorf(format string, args ...interface{}) {
	if l.level >= ERROR {
		l.log("ERROR", format, args...)
	}
}

func (l *epLogger) Panicf(format string, args ...interface{}) {
	if l.level >= CRITICAL {
		panic(fmt.Sprintf(format, args...))
	}
}

func (l *epLogger) log(levelStr string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-15s | %s", levelStr, l.name, message)
}

var (
	mu      sync.Mutex
	loggers = make(map[string]ILogger)
)

// Get returns the named logger for pkgName, creating it at INFO level on
// first use. The same instance is returned for every later call with the
// same name, so SetGlobalLevel can reach every logger already handed out.
func Get(pkgName string) ILogger {
	mu.Lock()
	defer mu.Unlock()

	if l, ok := loggers[pkgName]; ok {
		return l
	}
	l := &epLogger{
		name:   pkgName,
		level:  INFO,
		logger: log.New(os.Stdout, "", log.Ldate|log.Ltime),
	}
	loggers[pkgName] = l
	return l
}

// SetGlobalLevel applies level to every logger created so far.
func SetGlobalLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	for _, l := range loggers {
		l.SetLevel(level)
	}
}
