package log

import (
	"context"
	"errors"
	"log/slog"
)

// MultiHandler fans a record out to the console and the activity journal.
// Every child sees its own clone of the record.
type MultiHandler struct {
	children []slog.Handler
}

// NewMultiHandler skips nil handlers. A single remaining handler is returned
// as is.
func NewMultiHandler(handlers ...slog.Handler) slog.Handler {
	children := make([]slog.Handler, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			children = append(children, h)
		}
	}
	if len(children) == 1 {
		return children[0]
	}
	return &MultiHandler{children: children}
}

func (h *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, child := range h.children {
		if child.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle reports every child failure joined; one failing sink never keeps a
// record from the others.
func (h *MultiHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, child := range h.children {
		if !child.Enabled(ctx, record.Level) {
			continue
		}
		if err := child.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.derive(func(c slog.Handler) slog.Handler { return c.WithAttrs(attrs) })
}

func (h *MultiHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.derive(func(c slog.Handler) slog.Handler { return c.WithGroup(name) })
}

func (h *MultiHandler) derive(fn func(slog.Handler) slog.Handler) *MultiHandler {
	children := make([]slog.Handler, len(h.children))
	for i, child := range h.children {
		children[i] = fn(child)
	}
	return &MultiHandler{children: children}
}
