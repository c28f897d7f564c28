package log

import (
	"context"
	"log/slog"
	"strings"
)

// GroupFilterHandler filters records by slog group path. An allowed entry
// matches its own group and every group nested below it, so "storage"
// admits records logged under "storage.sql".
type GroupFilterHandler struct {
	next    slog.Handler
	allowed []string
	path    string
}

// NewGroupFilterHandler wraps the provided handler with filtering logic. When
// allowedGroups is empty, the original handler is returned unchanged.
func NewGroupFilterHandler(next slog.Handler, allowedGroups []string) slog.Handler {
	if next == nil || len(allowedGroups) == 0 {
		return next
	}
	var allowed []string
	for _, group := range allowedGroups {
		if trimmed := strings.Trim(strings.TrimSpace(strings.ToLower(group)), "."); trimmed != "" {
			allowed = append(allowed, trimmed)
		}
	}
	if len(allowed) == 0 {
		return next
	}
	return &GroupFilterHandler{
		next:    next,
		allowed: allowed,
	}
}

// ParseGroups splits a comma separated group list.
func ParseGroups(csv string) []string {
	var groups []string
	for _, g := range strings.Split(csv, ",") {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	return groups
}

func (h *GroupFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h == nil || h.next == nil || !h.shouldEmit() {
		return false
	}
	return h.next.Enabled(ctx, level)
}

func (h *GroupFilterHandler) Handle(ctx context.Context, record slog.Record) error {
	if !h.shouldEmit() {
		return nil
	}
	return h.next.Handle(ctx, record)
}

func (h *GroupFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &GroupFilterHandler{
		next:    h.next.WithAttrs(attrs),
		allowed: h.allowed,
		path:    h.path,
	}
}

func (h *GroupFilterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	path := strings.ToLower(name)
	if h.path != "" {
		path = h.path + "." + path
	}
	return &GroupFilterHandler{
		next:    h.next.WithGroup(name),
		allowed: h.allowed,
		path:    path,
	}
}

func (h *GroupFilterHandler) shouldEmit() bool {
	if h.path == "" {
		return false
	}
	for _, prefix := range h.allowed {
		if h.path == prefix || strings.HasPrefix(h.path, prefix+".") {
			return true
		}
	}
	return false
}
