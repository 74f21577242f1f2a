// Package labels turns a consumed message body into a log entry with
// backend labels.
package labels

import (
	"bytes"
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	ErrEmptyMessage   = errors.New("labels: empty message body")
	ErrInvalidContent = errors.New("labels: message body is not valid UTF-8")
)

// Normalised levels
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
	LevelFatal = "fatal"
)

// Metadata is what the broker tells us about a message
type Metadata struct {
	Queue       string
	RoutingKey  string
	Exchange    string
	ContentType string
	MessageID   string
	Timestamp   time.Time
	Headers     map[string]interface{}
}

// Entry is one log line ready for a sink
type Entry struct {
	// ID identifies the source message across redeliveries; empty when the
	// publisher set no message id
	ID        string            `json:"-"`
	Timestamp time.Time         `json:"timestamp"`
	Level     string            `json:"level"`
	Line      string            `json:"line"`
	Labels    map[string]string `json:"labels"`
}

// Config controls extraction
type Config struct {
	// StaticLabels are attached to every entry; extracted labels win on conflict
	StaticLabels map[string]string
	// Fields are additional JSON keys copied as labels when their value is scalar
	Fields []string
	// Headers are AMQP message headers copied as labels when their value is
	// scalar; body fields win on conflict
	Headers []string
}

// Extractor is safe for concurrent use
type Extractor struct {
	static  map[string]string
	fields  []string
	headers []string
	now     func() time.Time
}

// NewExtractor creates an extractor
func NewExtractor(cfg Config) *Extractor {
	static := make(map[string]string, len(cfg.StaticLabels))
	for k, v := range cfg.StaticLabels {
		if name := SanitizeName(k); name != "" {
			static[name] = v
		}
	}
	return &Extractor{
		static:  static,
		fields:  append([]string(nil), cfg.Fields...),
		headers: append([]string(nil), cfg.Headers...),
		now:     time.Now,
	}
}

var (
	levelKeys     = []string{"level", "severity", "lvl"}
	serviceKeys   = []string{"service", "app", "application"}
	messageKeys   = []string{"message", "msg"}
	timestampKeys = []string{"timestamp", "time", "ts", "@timestamp"}
)

// Extract builds an Entry from a message body
func (e *Extractor) Extract(body []byte, meta Metadata) (Entry, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Entry{}, ErrEmptyMessage
	}
	if !utf8.Valid(trimmed) {
		return Entry{}, ErrInvalidContent
	}

	entry := Entry{
		ID:     meta.MessageID,
		Labels: make(map[string]string, len(e.static)+4),
	}
	for k, v := range e.static {
		entry.Labels[k] = v
	}
	for _, header := range e.headers {
		value, ok := headerValue(meta.Headers[header])
		if !ok {
			continue
		}
		if name := SanitizeName(header); name != "" {
			entry.Labels[name] = value
		}
	}

	var doc map[string]interface{}
	if trimmed[0] == '{' && json.Unmarshal(trimmed, &doc) == nil {
		e.fromJSON(&entry, doc, trimmed)
	} else {
		entry.Line = string(trimmed)
		entry.Level = InferLevel(entry.Line)
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = meta.Timestamp
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = e.now()
	}

	entry.Labels["level"] = entry.Level
	if meta.Queue != "" {
		entry.Labels["queue"] = meta.Queue
	}
	if meta.Exchange != "" {
		entry.Labels["exchange"] = meta.Exchange
	}
	if meta.RoutingKey != "" {
		entry.Labels["routing_key"] = meta.RoutingKey
	}

	return entry, nil
}

func (e *Extractor) fromJSON(entry *Entry, doc map[string]interface{}, raw []byte) {
	if level, ok := firstString(doc, levelKeys); ok {
		entry.Level = NormalizeLevel(level)
	} else {
		entry.Level = LevelInfo
	}

	if service, ok := firstString(doc, serviceKeys); ok && service != "" {
		entry.Labels["service"] = service
	}

	if line, ok := firstString(doc, messageKeys); ok {
		entry.Line = line
	} else {
		// No message field; forward the document itself
		entry.Line = string(raw)
	}

	if ts, ok := firstString(doc, timestampKeys); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			entry.Timestamp = parsed
		}
	}

	for _, field := range e.fields {
		value, ok := scalar(doc[field])
		if !ok {
			continue
		}
		if name := SanitizeName(field); name != "" {
			entry.Labels[name] = value
		}
	}
}

func firstString(doc map[string]interface{}, keys []string) (string, bool) {
	for _, k := range keys {
		if v, ok := doc[k].(string); ok {
			return v, true
		}
	}
	return "", false
}

func scalar(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(val), true
	default:
		return "", false
	}
}

// headerValue renders the scalar types amqp091 decodes header values into
func headerValue(v interface{}) (string, bool) {
	switch val := v.(type) {
	case []byte:
		return string(val), true
	case int8:
		return strconv.FormatInt(int64(val), 10), true
	case int16:
		return strconv.FormatInt(int64(val), 10), true
	case int32:
		return strconv.FormatInt(int64(val), 10), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case int:
		return strconv.Itoa(val), true
	case uint8:
		return strconv.FormatUint(uint64(val), 10), true
	case uint16:
		return strconv.FormatUint(uint64(val), 10), true
	case uint32:
		return strconv.FormatUint(uint64(val), 10), true
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), true
	default:
		return scalar(v)
	}
}

// NormalizeLevel maps common level spellings onto debug, info, warn, error
// and fatal. Unknown values become info.
func NormalizeLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "debug", "dbg", "verbose":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error", "err":
		return LevelError
	case "fatal", "panic", "critical", "crit", "alert", "emergency", "emerg":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// InferLevel guesses the level of a plain-text line from keywords. The most
// severe match wins.
func InferLevel(line string) string {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "fatal") || strings.Contains(lower, "panic"):
		return LevelFatal
	case strings.Contains(lower, "error"):
		return LevelError
	case strings.Contains(lower, "warn"):
		return LevelWarn
	case strings.Contains(lower, "debug"):
		return LevelDebug
	default:
		return LevelInfo
	}
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// SanitizeName turns an arbitrary key into a label name matching
// [a-zA-Z_][a-zA-Z0-9_]*. It returns "" for an empty key.
func SanitizeName(name string) string {
	if name == "" {
		return ""
	}
	name = invalidNameChars.ReplaceAllString(name, "_")
	if name[0] >= '0' && name[0] <= '9' {
		name = "_" + name
	}
	return name
}
