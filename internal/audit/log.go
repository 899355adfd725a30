// Package audit records security-relevant activity. Writes are best effort:
// a failed write is logged and counted but never surfaces to the caller.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pressline.org/internal/ids"
	"pressline.org/internal/obs"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Log is the activity audit log.
type Log struct {
	store Store
	feed  *Feed
	now   func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(l *Log) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithFeed publishes every stored entry to f.
func WithFeed(f *Feed) Option {
	return func(l *Log) { l.feed = f }
}

// Feed returns the live feed, or nil when none is attached.
func (l *Log) Feed() *Feed {
	if l == nil {
		return nil
	}
	return l.feed
}

// New constructs a Log over store.
func New(store Store, opts ...Option) *Log {
	l := &Log{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends an entry. It never fails the caller: store errors are
// written to the service log and counted.
func (l *Log) Record(ctx context.Context, ev Event) {
	if l == nil || l.store == nil {
		return
	}
	now := l.now().UTC()
	entry := Entry{
		ID:         ids.NewAt(now),
		UserID:     strings.TrimSpace(ev.UserID),
		Action:     ev.Action,
		Resource:   ev.Resource,
		ResourceID: ev.ResourceID,
		Details:    copyDetails(ev.Details),
		IP:         ev.Origin.IP,
		UserAgent:  ev.Origin.UserAgent,
		CreatedAt:  now,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		if entry.Details == nil {
			entry.Details = map[string]any{}
		}
		entry.Details["request_id"] = rid
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		if !entry.Action.Valid() {
			return fmt.Errorf("unknown action %q", entry.Action)
		}
		return l.store.AppendEntry(ctx, entry)
	}()
	if err != nil {
		obs.AuditWriteFailures.Inc()
		obs.Error("audit write failed", err, map[string]any{
			"action":   string(entry.Action),
			"user_id":  entry.UserID,
			"resource": entry.Resource,
		})
		return
	}
	l.feed.Publish(entry)
}

// Query returns a newest-first page of entries matching filter.
func (l *Log) Query(ctx context.Context, filter Filter) (Page, error) {
	filter.UserID = strings.TrimSpace(filter.UserID)
	if filter.Action != "" && !filter.Action.Valid() {
		return Page{}, fmt.Errorf("%w: unknown action %q", ErrInvalidFilter, filter.Action)
	}
	if filter.Offset < 0 {
		return Page{}, fmt.Errorf("%w: offset must not be negative", ErrInvalidFilter)
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = DefaultLimit
	case filter.Limit > MaxLimit:
		filter.Limit = MaxLimit
	}
	entries, total, err := l.store.QueryEntries(ctx, filter)
	if err != nil {
		return Page{}, err
	}
	if entries == nil {
		entries = []Entry{}
	}
	return Page{Entries: entries, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// Purge deletes entries older than the given number of days.
func (l *Log) Purge(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		return 0, ErrInvalidRetention
	}
	cutoff := l.now().UTC().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	n, err := l.store.PurgeEntries(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	obs.AuditPurged.Add(float64(n))
	return n, nil
}

func copyDetails(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
