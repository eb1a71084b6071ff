package logging

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

// nodeLogger implements logger.ILogger with the level-prefixed, single-line
// format used across quorumdb.
type nodeLogger struct {
	name   string
	level  logger.LogLevel
	logger *log.Logger
}

func (l *nodeLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *nodeLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *nodeLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.log("INFO", format, args...)
	}
}

func (l *nodeLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *nodeLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.log("ERROR", format, args...)
	}
}

func (l *nodeLogger) Panicf(format string, args ...interface{}) {
	if l.level >= logger.CRITICAL {
		panic(fmt.Sprintf(format, args...))
	}
}

func (l *nodeLogger) log(levelStr string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-20s | %s", levelStr, l.name, message)
}

// Factory creates a new nodeLogger for the given subsystem name. It matches
// dragonboat's logger.Factory signature so it can be installed with
// logger.SetLoggerFactory.
func Factory(pkgName string) logger.ILogger {
	stdLogger := log.New(os.Stdout, "", log.Ldate|log.Ltime)
	return &nodeLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: stdLogger,
	}
}

// ParseLevel converts a config string ("debug", "info", "warn"/"warning",
// "error") into a logger.LogLevel. It panics on an unrecognized value,
// since this is only ever called against operator-supplied configuration
// at startup.
func ParseLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG
	case "info":
		return logger.INFO
	case "warning", "warn":
		return logger.WARNING
	case "error":
		return logger.ERROR
	default:
		panic(fmt.Sprintf("invalid log level: %s. must be one of debug, info, warn, error", level))
	}
}

// subsystems lists every named logger quorumdb installs a level for. Kept
// as a single list so a level change from configuration is applied
// uniformly instead of missing a newly added subsystem.
var subsystems = []string{
	"cluster/node",
	"cluster/peer",
	"cluster/transport",
	"cluster/notifier",
	"cluster/replication",
	"cluster/escalation",
	"cluster/shutdown",
	"cluster/sync",
	"store/memstore",
	"store/pebblestore",
	"rpc",
}

// Init installs the quorumdb logger factory as the process-wide factory and
// sets every named subsystem logger to level.
func Init(level string) {
	logger.SetLoggerFactory(Factory)
	parsed := ParseLevel(level)
	for _, name := range subsystems {
		logger.GetLogger(name).SetLevel(parsed)
	}
}
