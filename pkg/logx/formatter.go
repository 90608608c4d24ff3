package logx

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ANSI colors for console output
const (
	colorReset  = "\033[0m"
	colorGray   = "\033[90m"
	colorCyan   = "\033[36m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorBold   = "\033[1m"
)

// ConsoleFormatter renders human-readable, optionally colored lines.
type ConsoleFormatter struct {
	config *Config
}

// NewConsoleFormatter creates a console formatter
func NewConsoleFormatter(config *Config) *ConsoleFormatter {
	return &ConsoleFormatter{config: config}
}

// Format implements Formatter
func (f *ConsoleFormatter) Format(entry *LogEntry) ([]byte, error) {
	var b strings.Builder

	if f.config.EnableTimestamp {
		ts := entry.Timestamp.Format(f.config.TimeFormat)
		if f.config.EnableColors {
			b.WriteString(colorGray + ts + colorReset + " ")
		} else {
			b.WriteString(ts + " ")
		}
	}

	level := fmt.Sprintf("%-5s", entry.Level.String())
	if f.config.EnableColors {
		b.WriteString(f.levelColor(entry.Level) + colorBold + level + colorReset + " ")
	} else {
		b.WriteString(level + " ")
	}

	b.WriteString(entry.Message)

	if len(entry.Fields) > 0 {
		keys := make([]string, 0, len(entry.Fields))
		for k := range entry.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if f.config.EnableColors {
				b.WriteString(fmt.Sprintf(" %s%s%s=%v", colorCyan, k, colorReset, entry.Fields[k]))
			} else {
				b.WriteString(fmt.Sprintf(" %s=%v", k, entry.Fields[k]))
			}
		}
	}

	b.WriteString("\n")
	return []byte(b.String()), nil
}

func (f *ConsoleFormatter) levelColor(level Level) string {
	switch level {
	case LevelTrace, LevelDebug:
		return colorGray
	case LevelInfo:
		return colorGreen
	case LevelWarn:
		return colorYellow
	case LevelError, LevelFatal:
		return colorRed
	default:
		return colorReset
	}
}

// JSONFormatter renders one JSON object per line.
type JSONFormatter struct {
	config *Config
}

// NewJSONFormatter creates a JSON formatter
func NewJSONFormatter(config *Config) *JSONFormatter {
	return &JSONFormatter{config: config}
}

// Format implements Formatter
func (f *JSONFormatter) Format(entry *LogEntry) ([]byte, error) {
	record := make(map[string]interface{}, len(entry.Fields)+3)

	for k, v := range entry.Fields {
		record[k] = v
	}
	record["level"] = entry.Level.String()
	record["message"] = entry.Message
	if f.config.EnableTimestamp {
		record["timestamp"] = entry.Timestamp.Format(f.config.TimeFormat)
	}
	if entry.Err != nil {
		record["error"] = entry.Err.Error()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
