package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/webitel/im-message-service/internal/domain/model"
	"github.com/webitel/im-message-service/internal/metrics"
)

var _ Ingester = (*ingestObserver)(nil)

// ingestObserver wraps the write path with logging and instrumentation.
// Wired via fx.Decorate so every consumer sees the decorated interface.
type ingestObserver struct {
	next    Ingester
	logger  *slog.Logger
	metrics *metrics.Set
}

func NewIngestObserver(next Ingester, logger *slog.Logger, set *metrics.Set) Ingester {
	return &ingestObserver{next: next, logger: logger, metrics: set}
}

func (o *ingestObserver) CreateMessage(ctx context.Context, in CreateMessageInput) (*model.IngestResult, error) {
	start := time.Now()
	res, err := o.next.CreateMessage(ctx, in)
	elapsed := time.Since(start)

	status := "error"
	switch {
	case err != nil:
		status = string(model.KindOf(err))
		o.logger.Error("MESSAGE_INGEST_FAILED",
			"channel_id", in.ChannelID,
			"sender_id", in.SenderID,
			"client_msg_id", in.ClientMsgID,
			"elapsed", elapsed,
			"err", err,
		)
	case res.Status == model.StatusDuplicate:
		status = "duplicate"
		o.logger.Debug("MESSAGE_INGEST_DUPLICATE",
			"channel_id", in.ChannelID,
			"msg_id", res.MsgID,
			"seq_id", res.SeqID,
		)
	default:
		status = "persisted"
		o.logger.Info("MESSAGE_INGESTED",
			"channel_id", in.ChannelID,
			"msg_id", res.MsgID,
			"seq_id", res.SeqID,
			"elapsed", elapsed,
		)
	}

	o.metrics.IngestTotal.WithLabelValues(status).Inc()
	o.metrics.IngestLatency.WithLabelValues(status).Observe(elapsed.Seconds())
	return res, err
}
