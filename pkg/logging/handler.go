package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Handler writes text records to a local writer and, when a collector is
// set, mirrors them to syslog. The level is shared by both and can be
// changed at runtime.
type Handler struct {
	base   slog.Handler
	level  *slog.LevelVar
	shared *syslogState
	attrs  []slog.Attr
	groups []string
}

type syslogState struct {
	mu     sync.RWMutex
	client *SyslogClient
}

// New returns a handler writing to w at level.
func New(w io.Writer, level *slog.LevelVar) *Handler {
	return &Handler{
		base:   slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}),
		level:  level,
		shared: &syslogState{},
	}
}

// SetLevel changes the minimum level.
func (h *Handler) SetLevel(l slog.Level) { h.level.Set(l) }

// SetSyslog points the mirror at addr, or turns it off when addr is
// empty. The previous client is closed.
func (h *Handler) SetSyslog(addr, tag string) error {
	var c *SyslogClient
	if addr != "" {
		var err error
		if c, err = DialSyslog(addr, tag); err != nil {
			return err
		}
	}
	h.shared.mu.Lock()
	old := h.shared.client
	h.shared.client = c
	h.shared.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Close stops mirroring.
func (h *Handler) Close() { h.SetSyslog("", "") }

func (h *Handler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.base.Enabled(ctx, l)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	err := h.base.Handle(ctx, r)
	h.shared.mu.RLock()
	c := h.shared.client
	h.shared.mu.RUnlock()
	if c != nil {
		// Best effort; a lost datagram must not fail the local write.
		c.Send(severity(r.Level), formatRecord(r, h.attrs, h.groups))
	}
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := *h
	n.base = h.base.WithAttrs(attrs)
	n.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &n
}

func (h *Handler) WithGroup(name string) slog.Handler {
	n := *h
	n.base = h.base.WithGroup(name)
	n.groups = append(append([]string{}, h.groups...), name)
	return &n
}

func severity(l slog.Level) int {
	switch {
	case l >= slog.LevelError:
		return SeverityError
	case l >= slog.LevelWarn:
		return SeverityWarning
	case l >= slog.LevelInfo:
		return SeverityInfo
	}
	return SeverityDebug
}

func formatRecord(r slog.Record, pre []slog.Attr, groups []string) string {
	var b strings.Builder
	b.WriteString(r.Message)
	prefix := ""
	if len(groups) > 0 {
		prefix = strings.Join(groups, ".") + "."
	}
	for _, a := range pre {
		fmt.Fprintf(&b, " %s=%s", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s%s=%s", prefix, a.Key, a.Value)
		return true
	})
	return b.String()
}
