// Package sqllogger is a slog.Handler that hands records to an asynchronous
// insert function, typically the activity journal in storage.
package sqllogger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultQueueSize = 256

// OwnerKey is the attribute key lifted into Entry.OwnerID.
const OwnerKey = "owner"

var (
	ErrQueueFull     = errors.New("sqllogger: queue full")
	ErrHandlerClosed = errors.New("sqllogger: handler closed")
)

// Entry is one journal row.
type Entry struct {
	Time       time.Time
	Level      string
	OwnerID    string
	Scope      string
	Message    string
	AttrsJSON  []byte
	SourceFile string
	SourceLine int
}

type InsertFunc func(context.Context, Entry) error

type Option func(*config)

type config struct {
	minLevel  slog.Leveler
	queueSize int
	insert    InsertFunc
}

func WithMinLevel(level slog.Leveler) Option {
	return func(c *config) {
		c.minLevel = level
	}
}

func WithQueueSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.queueSize = size
		}
	}
}

func WithInsertFunc(fn InsertFunc) Option {
	return func(c *config) {
		c.insert = fn
	}
}

// Handler is safe for concurrent use; clones made by WithAttrs and WithGroup
// share one queue and writer goroutine.
type Handler struct {
	w      *writer
	attrs  []slog.Attr
	groups []string
	owner  string
}

type writer struct {
	insert   InsertFunc
	minLevel slog.Leveler
	queue    chan Entry

	closed    atomic.Bool
	inflight  sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

func NewHandler(opts ...Option) (*Handler, error) {
	cfg := config{minLevel: slog.LevelInfo, queueSize: defaultQueueSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.insert == nil {
		return nil, errors.New("sqllogger: insert function is required")
	}

	w := &writer{
		insert:   cfg.insert,
		minLevel: cfg.minLevel,
		queue:    make(chan Entry, cfg.queueSize),
		done:     make(chan struct{}),
	}
	go w.run()
	return &Handler{w: w}, nil
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return h != nil && h.w != nil && level >= h.w.minLevel.Level()
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	if !h.Enabled(ctx, record.Level) {
		return nil
	}
	if h.w.closed.Load() {
		return ErrHandlerClosed
	}

	h.w.inflight.Add(1)
	defer h.w.inflight.Done()
	if h.w.closed.Load() {
		return ErrHandlerClosed
	}

	select {
	case h.w.queue <- h.entry(record):
		return nil
	default:
		h.w.dropped.Add(1)
		return ErrQueueFull
	}
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := h.clone()
	for _, a := range attrs {
		if owner, ok := ownerOf(a); ok {
			clone.owner = owner
		}
		clone.attrs = append(clone.attrs, qualify(h.groups, a))
	}
	return clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := h.clone()
	clone.groups = append(clone.groups, name)
	return clone
}

// Dropped counts records rejected because the queue was full.
func (h *Handler) Dropped() int64 {
	return h.w.dropped.Load()
}

// Close stops accepting records and waits until the queue is flushed or ctx
// is done.
func (h *Handler) Close(ctx context.Context) error {
	if h == nil || h.w == nil {
		return nil
	}
	h.w.closeOnce.Do(func() {
		h.w.closed.Store(true)
		h.w.inflight.Wait()
		close(h.w.queue)
	})
	select {
	case <-h.w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) clone() *Handler {
	return &Handler{
		w:      h.w,
		attrs:  append([]slog.Attr(nil), h.attrs...),
		groups: append([]string(nil), h.groups...),
		owner:  h.owner,
	}
}

func (h *Handler) entry(record slog.Record) Entry {
	ts := record.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	e := Entry{
		Time:    ts.UTC(),
		Level:   record.Level.String(),
		OwnerID: h.owner,
		Scope:   strings.Join(h.groups, "."),
		Message: record.Message,
	}
	if frame := record.Source(); frame != nil {
		e.SourceFile = frame.File
		e.SourceLine = frame.Line
	}

	flat := make(map[string]any, len(h.attrs)+record.NumAttrs())
	for _, a := range h.attrs {
		flatten(flat, "", a)
	}
	record.Attrs(func(a slog.Attr) bool {
		if owner, ok := ownerOf(a); ok {
			e.OwnerID = owner
		}
		flatten(flat, strings.Join(h.groups, "."), a)
		return true
	})

	e.AttrsJSON = []byte("{}")
	if len(flat) > 0 {
		if raw, err := json.Marshal(flat); err == nil {
			e.AttrsJSON = raw
		}
	}
	return e
}

func (w *writer) run() {
	defer close(w.done)
	for entry := range w.queue {
		_ = w.insert(context.Background(), entry)
	}
}

func ownerOf(a slog.Attr) (string, bool) {
	if a.Key != OwnerKey {
		return "", false
	}
	v := a.Value.Resolve()
	if v.Kind() != slog.KindString || v.String() == "" {
		return "", false
	}
	return v.String(), true
}

// qualify prefixes an attribute added under groups so it flattens to the
// same dotted key as a record attribute would.
func qualify(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 {
		return a
	}
	a.Key = strings.Join(groups, ".") + "." + a.Key
	return a
}

// flatten writes a into dst with dotted keys for nested groups.
func flatten(dst map[string]any, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	key := a.Key
	if prefix != "" && key != "" {
		key = prefix + "." + key
	} else if key == "" {
		key = prefix
	}

	if v.Kind() == slog.KindGroup {
		for _, child := range v.Group() {
			flatten(dst, key, child)
		}
		return
	}
	if key == "" {
		return
	}

	switch v.Kind() {
	case slog.KindDuration:
		dst[key] = v.Duration().String()
	case slog.KindTime:
		dst[key] = v.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			dst[key] = err.Error()
			return
		}
		if s, ok := v.Any().(fmt.Stringer); ok {
			dst[key] = s.String()
			return
		}
		dst[key] = v.Any()
	default:
		dst[key] = v.Any()
	}
}
