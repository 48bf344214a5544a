package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

type logEntry struct {
	level slog.Level
	step  string
	text  string
}

// MessageLog collects what happened to one message and writes it as a
// single record when the message ends, at the most severe level seen.
type MessageLog struct {
	mu      sync.Mutex
	log     *slog.Logger
	started time.Time
	props   map[string]any
	entries []logEntry
	ended   bool
}

func newMessageLog(l *slog.Logger, msg *Message, extra map[string]any) *MessageLog {
	props := map[string]any{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
		"size":      msg.Size,
	}
	if v := msg.Value; v != nil {
		for _, k := range []string{"messageId", "correlationId", "originId", "realmId", "retryCount"} {
			if x, ok := v[k]; ok {
				props[k] = x
			}
		}
		if ts := v.CreatedAt(); ts > 0 {
			props["createdAt"] = fmt.Sprintf("%s (%d)", time.UnixMilli(ts).UTC().Format(time.RFC3339Nano), ts)
		}
	}
	for k, x := range extra {
		props[k] = x
	}
	return &MessageLog{log: l, started: time.Now(), props: props}
}

func (m *MessageLog) Add(level slog.Level, step, text string) {
	m.mu.Lock()
	m.entries = append(m.entries, logEntry{level: level, step: step, text: text})
	m.mu.Unlock()
}

// Since adds an entry carrying the time elapsed from start.
func (m *MessageLog) Since(level slog.Level, step, text string, start time.Time) {
	m.Add(level, step, fmt.Sprintf("%s (%d ms)", text, time.Since(start).Milliseconds()))
}

func (m *MessageLog) Extend(key string, value any) {
	m.mu.Lock()
	m.props[key] = value
	m.mu.Unlock()
}

func (m *MessageLog) EndSuccess(nextIDs []string) { m.end(slog.LevelInfo, nextIDs) }
func (m *MessageLog) EndError(nextIDs []string)   { m.end(slog.LevelError, nextIDs) }

func (m *MessageLog) end(level slog.Level, nextIDs []string) {
	m.mu.Lock()
	if m.ended {
		m.mu.Unlock()
		return
	}
	m.ended = true
	for _, e := range m.entries {
		if e.level > level {
			level = e.level
		}
	}
	var lines []string
	for _, e := range m.entries {
		if level != slog.LevelError && e.level < level {
			continue
		}
		lines = append(lines, fmt.Sprintf("[%d] %s %s : %s", len(lines)+1, e.level, e.step, e.text))
	}
	keys := make([]string, 0, len(m.props))
	for k := range m.props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]any, 0, 2*len(keys)+6)
	for _, k := range keys {
		attrs = append(attrs, k, m.props[k])
	}
	m.mu.Unlock()

	attrs = append(attrs,
		"nextMessageIds", nextIDs,
		"processTime", time.Since(m.started).Milliseconds(),
		"trace", strings.Join(lines, "\n\t"),
	)
	m.log.Log(context.Background(), level, "message processed", attrs...)
}
