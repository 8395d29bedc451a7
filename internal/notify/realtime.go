package notify

import (
	"context"

	"github.com/serversentinel/sentinel/internal/models"
	"github.com/serversentinel/sentinel/internal/realtime"
)

// RealtimeSender pushes an alert:update frame to the recipient's dashboards.
type RealtimeSender struct {
	broadcaster realtime.Broadcaster
}

func NewRealtimeSender(b realtime.Broadcaster) *RealtimeSender {
	return &RealtimeSender{broadcaster: b}
}

func (s *RealtimeSender) Channel() models.Channel { return models.ChannelRealtime }

func (s *RealtimeSender) Send(ctx context.Context, to models.User, n Notice) error {
	var update any = models.UpdateOf(n.Alert)
	if n.Kind == models.JobAlertCreated {
		update = n.Alert
	}
	s.broadcaster.SendUpdate(ctx, n.Alert.ID, update, []string{to.ID})
	return nil
}
