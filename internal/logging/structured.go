package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sort"
	"time"
)

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Workspace string                 `json:"workspace,omitempty"`
	Turn      string                 `json:"turn,omitempty"`
	Message   string                 `json:"msg"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// StructuredLogger wraps a standard logger with structured logging
type StructuredLogger struct {
	logger    *log.Logger
	component string
	workspace string
	turn      string
	jsonMode  bool
	debug     bool
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(logger *log.Logger, component string, jsonMode bool) *StructuredLogger {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &StructuredLogger{
		logger:    logger,
		component: component,
		jsonMode:  jsonMode,
		debug:     DevMode,
	}
}

// Nop returns a logger that discards everything.
func Nop() *StructuredLogger {
	return NewStructuredLogger(nil, "", false)
}

// WithDebug returns a copy that emits Debug entries regardless of DEV_MODE.
func (s *StructuredLogger) WithDebug(on bool) *StructuredLogger {
	c := *s
	c.debug = on
	return &c
}

// WithWorkspace returns a logger with workspace context
func (s *StructuredLogger) WithWorkspace(workspace string) *StructuredLogger {
	c := *s
	c.workspace = workspace
	return &c
}

// WithComponent returns a logger with component context
func (s *StructuredLogger) WithComponent(component string) *StructuredLogger {
	c := *s
	c.component = component
	return &c
}

// WithTurn returns a logger tagged with a turn identifier.
func (s *StructuredLogger) WithTurn(turn string) *StructuredLogger {
	c := *s
	c.turn = turn
	return &c
}

// log formats and writes the log entry
func (s *StructuredLogger) log(level string, msg string, fields map[string]interface{}) {
	entry := LogEntry{
		Timestamp: time.Now().Format(time.RFC3339),
		Level:     level,
		Component: s.component,
		Workspace: s.workspace,
		Turn:      s.turn,
		Message:   msg,
		Fields:    fields,
	}

	if s.jsonMode {
		data, _ := json.Marshal(entry)
		s.logger.Println(string(data))
		return
	}

	prefix := level + " "
	if s.component != "" {
		prefix += fmt.Sprintf("[%s] ", s.component)
	}
	if s.workspace != "" {
		prefix += fmt.Sprintf("[ws:%s] ", s.workspace)
	}
	if s.turn != "" {
		prefix += fmt.Sprintf("[turn:%s] ", s.turn)
	}

	output := prefix + msg
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		output += " |"
		for _, k := range keys {
			output += fmt.Sprintf(" %s=%v", k, fields[k])
		}
	}
	s.logger.Println(output)
}

// Info logs an info message
func (s *StructuredLogger) Info(msg string, fields ...map[string]interface{}) {
	s.log("INFO", msg, mergeFields(fields...))
}

// Error logs an error message
func (s *StructuredLogger) Error(msg string, fields ...map[string]interface{}) {
	s.log("ERROR", msg, mergeFields(fields...))
}

// Debug logs a debug message when DEV_MODE=1 or WithDebug(true)
func (s *StructuredLogger) Debug(msg string, fields ...map[string]interface{}) {
	if !s.debug {
		return
	}
	s.log("DEBUG", msg, mergeFields(fields...))
}

// Warn logs a warning message
func (s *StructuredLogger) Warn(msg string, fields ...map[string]interface{}) {
	s.log("WARN", msg, mergeFields(fields...))
}

// Printf provides compatibility with standard logger interface
func (s *StructuredLogger) Printf(format string, args ...interface{}) {
	s.Info(fmt.Sprintf(format, args...))
}

// mergeFields combines multiple field maps
func mergeFields(fields ...map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{})
	for _, m := range fields {
		for k, v := range m {
			result[k] = v
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
