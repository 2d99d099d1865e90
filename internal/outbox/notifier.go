package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	infrapubsub "github.com/webitel/im-message-service/infra/pubsub"
	"github.com/webitel/im-message-service/internal/domain/model"
)

// Notifier enqueues push notification jobs for members who were offline
// when a message committed. The push provider consumes the queue; this
// service only guarantees the job reaches the bus.
type Notifier interface {
	NotifyOffline(ctx context.Context, env *model.Envelope, offline []uuid.UUID) error
}

// pushJob is the bus payload the downstream push provider consumes.
type pushJob struct {
	MsgID     string   `json:"msgId"`
	ChannelID string   `json:"channelId"`
	TenantID  string   `json:"tenantId"`
	SenderID  string   `json:"senderId"`
	Preview   string   `json:"preview"`
	Users     []string `json:"users"`
	SentAt    int64    `json:"sentAt"`
}

const previewLimit = 140

type busNotifier struct {
	publisher message.Publisher
	breaker   *gobreaker.CircuitBreaker
	logger    *slog.Logger
}

func NewBusNotifier(publisher message.Publisher, logger *slog.Logger) Notifier {
	return &busNotifier{
		publisher: publisher,
		logger:    logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "push-notifier",
			Timeout: 10 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

// NotifyOffline publishes one job per message covering all offline
// recipients. A tripped breaker drops the job: push is best-effort and
// the unread counters already account for the message.
func (n *busNotifier) NotifyOffline(ctx context.Context, env *model.Envelope, offline []uuid.UUID) error {
	if len(offline) == 0 {
		return nil
	}

	job := pushJob{
		MsgID:     env.MsgID,
		ChannelID: env.ChannelID,
		TenantID:  env.TenantID,
		SenderID:  env.SenderID,
		Preview:   preview(env),
		Users:     make([]string, 0, len(offline)),
		SentAt:    time.Now().UnixMilli(),
	}
	for _, u := range offline {
		job.Users = append(job.Users, u.String())
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("push notifier: marshal: %w", err)
	}

	topic := fmt.Sprintf("im_push.v1.%s", env.TenantID)
	_, err = n.breaker.Execute(func() (any, error) {
		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.SetContext(ctx)
		msg.Metadata.Set(infrapubsub.MetaRoutingKey, topic)
		return nil, n.publisher.Publish(topic, msg)
	})
	if err != nil {
		n.logger.Warn("PUSH_ENQUEUE_FAILED", "msg_id", env.MsgID, "users", len(offline), "err", err)
	}
	return nil
}

func preview(env *model.Envelope) string {
	if env.Deleted {
		return ""
	}
	if env.Content == "" && len(env.Attachments) > 0 {
		return env.Attachments[0].FileName
	}
	if len(env.Content) <= previewLimit {
		return env.Content
	}
	// Back off to a rune boundary so the cut never splits a code point.
	cut := previewLimit
	for cut > 0 && !utf8.RuneStart(env.Content[cut]) {
		cut--
	}
	return env.Content[:cut]
}
