package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/g960059/termrelay/internal/model"
)

// ThreadOpener creates the notification thread for a conversation the first
// time one of its sessions registers.
type ThreadOpener interface {
	OpenThread(ctx context.Context, conversationID string, sess model.Session) (model.Thread, error)
}

// LocalThreadOpener mints a Slack-style "seconds.micros" thread id in a fixed
// channel without contacting any service. The delivery sink is expected to map
// it onto a real thread.
type LocalThreadOpener struct {
	Channel string
	Now     func() time.Time
}

func (o LocalThreadOpener) OpenThread(_ context.Context, conversationID string, _ model.Session) (model.Thread, error) {
	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	t := now().UTC()
	return model.Thread{
		ConversationID: conversationID,
		ThreadTS:       fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000),
		Channel:        o.Channel,
		CreatedAt:      t,
	}, nil
}
