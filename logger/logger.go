// logger/logger.go
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorGray   = "\033[90m"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelTags = [...]string{
	DEBUG: "[DEBUG] ",
	INFO:  "[INFO]  ",
	WARN:  "[WARN]  ",
	ERROR: "[ERROR] ",
}

var levelColors = [...]string{
	DEBUG: colorGray,
	INFO:  colorReset,
	WARN:  colorYellow,
	ERROR: colorRed,
}

// ParseLevel maps a config string to a LogLevel. Unknown values map to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

type Logger struct {
	console  [4]*log.Logger
	plain    [4]*log.Logger
	file     *os.File
	minLevel LogLevel
}

var (
	defaultLogger *Logger
	once          sync.Once
	mu            sync.RWMutex
)

// ensureInitialized creates a default console logger if Init was never called
func ensureInitialized() {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		if defaultLogger == nil {
			defaultLogger = newLogger(os.Stdout, nil, DEBUG)
		}
	})
}

func newLogger(console io.Writer, file io.Writer, level LogLevel) *Logger {
	flags := log.Ldate | log.Ltime | log.Lshortfile
	l := &Logger{minLevel: level}
	for lvl := DEBUG; lvl <= ERROR; lvl++ {
		if console != nil {
			l.console[lvl] = log.New(console, levelColors[lvl]+levelTags[lvl]+colorReset, flags)
		}
		if file != nil {
			l.plain[lvl] = log.New(file, levelTags[lvl], flags)
		}
	}
	return l
}

// Init configures the package logger.
// If filename is empty, logs only to console.
// If console is false, logs only to file.
func Init(filename string, console bool, level LogLevel) error {
	var (
		file    *os.File
		fileOut io.Writer
		conOut  io.Writer
	)

	if filename != "" {
		f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		file = f
		fileOut = f
	}
	if console {
		conOut = os.Stdout
	}
	if fileOut == nil && conOut == nil {
		return fmt.Errorf("no output destination specified")
	}

	ensureInitialized()
	mu.Lock()
	defer mu.Unlock()
	if defaultLogger.file != nil {
		defaultLogger.file.Close()
	}
	defaultLogger = newLogger(conOut, fileOut, level)
	defaultLogger.file = file
	return nil
}

// SetLevel sets the minimum log level. Messages below it are dropped.
func SetLevel(level LogLevel) {
	ensureInitialized()
	mu.Lock()
	defer mu.Unlock()
	defaultLogger.minLevel = level
}

// Close closes the log file if one is open
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if defaultLogger != nil && defaultLogger.file != nil {
		defaultLogger.file.Close()
		defaultLogger.file = nil
		defaultLogger.plain = [4]*log.Logger{}
	}
}

// output writes msg at level; depth is the call depth of the original caller
// relative to output so Lshortfile points at the right line.
func output(level LogLevel, depth int, msg string) {
	ensureInitialized()
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()

	if level < l.minLevel {
		return
	}
	if c := l.console[level]; c != nil {
		c.Output(depth+1, msg)
	}
	if p := l.plain[level]; p != nil {
		p.Output(depth+1, msg)
	}
}

func Debug(v ...interface{}) { output(DEBUG, 2, fmt.Sprint(v...)) }

func Debugf(format string, v ...interface{}) { output(DEBUG, 2, fmt.Sprintf(format, v...)) }

func Info(v ...interface{}) { output(INFO, 2, fmt.Sprint(v...)) }

func Infof(format string, v ...interface{}) { output(INFO, 2, fmt.Sprintf(format, v...)) }

func Warn(v ...interface{}) { output(WARN, 2, fmt.Sprint(v...)) }

func Warnf(format string, v ...interface{}) { output(WARN, 2, fmt.Sprintf(format, v...)) }

func Error(v ...interface{}) { output(ERROR, 2, fmt.Sprint(v...)) }

func Errorf(format string, v ...interface{}) { output(ERROR, 2, fmt.Sprintf(format, v...)) }

// Fatal logs an error message and exits the program
func Fatal(v ...interface{}) {
	output(ERROR, 2, fmt.Sprint(v...))
	os.Exit(1)
}

// Fatalf logs a formatted error message and exits the program
func Fatalf(format string, v ...interface{}) {
	output(ERROR, 2, fmt.Sprintf(format, v...))
	os.Exit(1)
}

// Scoped prefixes every message with a component name, e.g. "[cache] ...".
type Scoped struct {
	prefix string
}

// With returns a logger whose messages are tagged with component.
func With(component string) *Scoped {
	return &Scoped{prefix: "[" + component + "] "}
}

func (s *Scoped) Debugf(format string, v ...interface{}) {
	output(DEBUG, 2, s.prefix+fmt.Sprintf(format, v...))
}

func (s *Scoped) Infof(format string, v ...interface{}) {
	output(INFO, 2, s.prefix+fmt.Sprintf(format, v...))
}

func (s *Scoped) Warnf(format string, v ...interface{}) {
	output(WARN, 2, s.prefix+fmt.Sprintf(format, v...))
}

func (s *Scoped) Errorf(format string, v ...interface{}) {
	output(ERROR, 2, s.prefix+fmt.Sprintf(format, v...))
}
