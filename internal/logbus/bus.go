package logbus

import (
	"cmp"
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// Message types published on the bus.
const (
	TypeLog           = "log"
	TypeAccountStatus = "account_status"
	TypeRestart       = "restart"
	TypeDrop          = "drop"
)

type Message struct {
	Type string `json:"type"`
	Time int64  `json:"time"`
	Data any    `json:"data"`
}

type LogData struct {
	Level  string         `json:"level"`
	Msg    string         `json:"msg"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Bus keeps the most recent messages in a fixed ring for late joiners and
// fans every new message out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	ring   []Message
	next   int
	full   bool
	subs   map[int]chan Message
	nextID int
	closed bool
	logger *slog.Logger
}

type Option func(*Bus)

// WithLogger mirrors every Log call into logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

func New(capacity int, opts ...Option) *Bus {
	b := &Bus{
		ring: make([]Message, cmp.Or(max(capacity, 0), 200)),
		subs: map[int]chan Message{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Close ends every subscription. Publishing afterwards is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	b.ring, b.next, b.full = nil, 0, false
}

// Snapshot returns the retained messages, oldest first.
func (b *Bus) Snapshot() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.full {
		return slices.Clone(b.ring[:b.next])
	}
	return slices.Concat(b.ring[b.next:], b.ring[:b.next])
}

// Subscribe returns a channel of future messages and a cancel func. A slow
// subscriber misses messages instead of blocking publishers.
func (b *Bus) Subscribe(buffer int) (<-chan Message, func()) {
	ch := make(chan Message, cmp.Or(max(buffer, 0), 64))

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

func (b *Bus) Publish(typ string, data any) {
	msg := Message{Type: typ, Time: time.Now().UnixMilli(), Data: data}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.ring[b.next] = msg
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.full = true
	}
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (b *Bus) Log(level, message string, fields map[string]any) {
	b.LogContext(context.Background(), level, message, fields)
}

// LogContext is Log with a context whose attrs reach the slog mirror.
func (b *Bus) LogContext(ctx context.Context, level, message string, fields map[string]any) {
	b.Publish(TypeLog, LogData{Level: level, Msg: message, Fields: fields})
	if b.logger == nil {
		return
	}
	b.logger.Log(ctx, parseLevel(level), message, attrs(fields)...)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func attrs(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	out := make([]any, 0, len(fields))
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		out = append(out, slog.Any(k, fields[k]))
	}
	return out
}
