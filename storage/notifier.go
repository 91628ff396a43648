package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// DefaultChannelPrefix prefixes the pub/sub channel of every database.
const DefaultChannelPrefix = "tasklist:changes"

type changeNotice struct {
	Origin string `json:"origin"`
	DB     string `json:"db"`
	ID     string `json:"id"`
	Rev    int64  `json:"rev"`
}

// notifier announces pushed changes to other replicas over Redis pub/sub and
// wakes the pull loop when another replica announces one.
type notifier struct {
	rc      *redis.Client
	channel string
	origin  string
	db      string
	logger  *log.Logger
}

func newNotifier(rc *redis.Client, prefix, db, origin string, logger *log.Logger) *notifier {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &notifier{rc: rc, channel: prefix + ":" + db, origin: origin, db: db, logger: logger}
}

func (n *notifier) publish(ctx context.Context, docs []Document) {
	for _, doc := range docs {
		payload, err := sonic.MarshalString(changeNotice{Origin: n.origin, DB: n.db, ID: doc.ID, Rev: doc.Rev})
		if err != nil {
			continue
		}
		if err := n.rc.Publish(ctx, n.channel, payload).Err(); err != nil {
			n.logger.WithError(err).WithField("channel", n.channel).Warn("unable to publish change notice")
			return
		}
	}
}

// run subscribes until ctx is done, calling wake for every foreign notice.
func (n *notifier) run(ctx context.Context, wake func()) {
	for {
		sub := n.rc.Subscribe(ctx, n.channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var notice changeNotice
				if err := sonic.UnmarshalString(msg.Payload, &notice); err != nil {
					n.logger.WithError(err).Warn("unable to parse change notice")
					continue
				}
				if notice.Origin == n.origin {
					continue
				}
				n.logger.WithFields(log.Fields{"doc": notice.ID, "rev": notice.Rev}).Debug("remote change announced")
				wake()
			}
		}
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		n.logger.Error("change subscription closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
