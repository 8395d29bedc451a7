// Package notify delivers alert notifications to users over pluggable
// channels with retry and an audit trail.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/serversentinel/sentinel/internal/models"
)

// ErrNoAddress means the recipient has no address on the sender's channel.
// The dispatcher skips such sends instead of failing them.
var ErrNoAddress = errors.New("recipient has no address for channel")

// Notice is what a sender is asked to deliver.
type Notice struct {
	Kind  models.JobKind
	Alert models.Alert
}

// Sender delivers a notice to one recipient on one channel.
type Sender interface {
	Channel() models.Channel
	Send(ctx context.Context, to models.User, n Notice) error
}

// Registry maps each channel to the sender that serves it.
type Registry map[models.Channel]Sender

func NewRegistry(senders ...Sender) Registry {
	r := make(Registry, len(senders))
	for _, s := range senders {
		r.Register(s)
	}
	return r
}

// Register adds s, replacing any sender already bound to its channel.
func (r Registry) Register(s Sender) {
	r[s.Channel()] = s
}

func (r Registry) Lookup(ch models.Channel) (Sender, bool) {
	s, ok := r[ch]
	return s, ok
}

// Subject is the one-line summary used by push and email.
func Subject(n Notice) string {
	a := n.Alert
	if n.Kind == models.JobAlertUpdated {
		return fmt.Sprintf("[Sentinel] Alert #%d %s", a.ID, strings.ToLower(a.Status))
	}
	return fmt.Sprintf("[Sentinel %s] %s", a.Severity, a.Title)
}

// Body is the plain text message used by push, email and SMS.
func Body(n Notice) string {
	a := n.Alert
	if n.Kind == models.JobAlertUpdated {
		var b strings.Builder
		fmt.Fprintf(&b, "Alert #%d (%s) is now %s.", a.ID, a.Title, a.Status)
		if a.AcknowledgedBy != nil {
			fmt.Fprintf(&b, " Acknowledged by %s.", *a.AcknowledgedBy)
		}
		return b.String()
	}
	return fmt.Sprintf("%s\r\n\r\nClient: %s\r\nFired at: %s",
		a.Message, a.ClientID, a.CreatedAt.Format("2006-01-02 15:04:05 UTC"))
}
