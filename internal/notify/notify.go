// Package notify delivers out-of-band messages to users.
package notify

import (
	"context"
	"errors"
	"strings"
	"sync"

	"pressline.org/internal/obs"
)

// Kind identifies the template of a message.
type Kind string

const KindPasswordReset Kind = "password_reset"

// Message is one outbound notification. Body and Link may carry secrets
// and are never logged.
type Message struct {
	Kind    Kind
	To      string
	Subject string
	Body    string
	Link    string
}

// Notifier sends a message.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

var ErrNoRecipient = errors.New("notify: recipient is required")

// LogNotifier records that a message would be sent, without its content.
// It stands in for a mail relay in development.
type LogNotifier struct{}

var _ Notifier = LogNotifier{}

func (LogNotifier) Notify(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return ErrNoRecipient
	}
	obs.Info("notification queued", map[string]any{
		"kind":    string(msg.Kind),
		"to":      msg.To,
		"subject": msg.Subject,
	})
	return nil
}

// Recorder keeps messages in memory. Tests use it to read back links.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
	Err  error
}

var _ Notifier = (*Recorder)(nil)

func (r *Recorder) Notify(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return ErrNoRecipient
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

// Last returns the most recent message.
func (r *Recorder) Last() (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return Message{}, false
	}
	return r.msgs[len(r.msgs)-1], true
}
