package ws

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/webitel/im-message-service/internal/domain/event"
	"github.com/webitel/im-message-service/internal/domain/model"
	"github.com/webitel/im-message-service/internal/domain/registry"
	"github.com/webitel/im-message-service/internal/service"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	maxFrameSize   = 64 << 10
	helloWait      = 10 * time.Second
	sendTimeout    = 2 * time.Second
	outQueueSize   = 64
	maxResyncPages = 50
)

// ctlKind coordinates the reader and writer pumps around catch-up.
type ctlKind int

const (
	ctlBeginSync ctlKind = iota + 1
	ctlEndSync
	ctlUnsubscribe
)

type ctlMsg struct {
	kind    ctlKind
	channel uuid.UUID
	upto    int64 // highest seqId the resync pages covered
}

// syncState buffers live events for a channel while its history replays.
// Buffered events at or below the replay watermark are discarded on flush,
// so the client observes each seqId exactly once and in order.
type syncState struct {
	buffered []event.Eventer
}

// session drives one WebSocket connection through its lifecycle:
// authenticate, register, pump frames both ways, tear down.
type session struct {
	conn      *websocket.Conn
	connector registry.Connector
	identity  *model.Identity

	deliverer service.Deliverer
	ingester  service.Ingester
	resyncer  service.Resyncer
	reader    service.Reader

	limiter   *rate.Limiter
	heartbeat time.Duration
	logger    *slog.Logger

	// out carries reader-produced response frames to the writer pump, which
	// is the sole goroutine writing to the socket.
	out chan []byte
	ctl chan ctlMsg

	// writerDone lets the reader wait for the pump to flush a final
	// notice before the socket is torn down.
	writerDone chan struct{}

	subscribed map[uuid.UUID]bool

	// initialSeqs holds the hello frame's lastSeenSeqByChannel entries,
	// replayed before the read loop starts.
	initialSeqs map[uuid.UUID]int64
}

// run blocks until the connection dies. The writer pump owns the socket
// writes; the reader loop runs on the calling goroutine.
func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.writerDone = make(chan struct{})
	go s.writePump(ctx, cancel)

	for channelID, afterSeq := range s.initialSeqs {
		s.resyncChannel(ctx, channelID, afterSeq)
	}

	s.readPump(ctx)
}

// readPump consumes client frames until error or close.
func (s *session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(maxFrameSize)
	s.resetReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.resetReadDeadline()
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.notifyTimeout()
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("WS_READ_CLOSED", "user_id", s.identity.UserID, "err", err)
			}
			return
		}
		s.resetReadDeadline()

		frame, err := decodeFrame(raw)
		if err != nil {
			s.enqueue(errorFrame(model.WrapError(model.KindBadRequest, "bad frame", err)))
			continue
		}
		s.dispatch(ctx, frame)
	}
}

// notifyTimeout tells the client its heartbeats stopped arriving before
// the socket goes away. The writer pump renders the frame plus the close
// handshake; waiting on it keeps the notice ahead of the teardown.
func (s *session) notifyTimeout() {
	s.logger.Info("WS_SESSION_TIMEOUT", "user_id", s.identity.UserID)
	ev := event.NewSystemEvent(s.identity.UserID, event.SessionTimeout, event.PriorityHigh,
		&event.ClosePayload{Reason: "heartbeat missed"})
	if !s.connector.Send(ev, sendTimeout) {
		return
	}
	select {
	case <-s.writerDone:
	case <-time.After(writeWait):
	}
}

func (s *session) dispatch(ctx context.Context, f *clientFrame) {
	switch f.Event {
	case framePublish:
		s.handlePublish(ctx, f)
	case frameAck:
		s.handleAck(ctx, f)
	case framePing:
		s.deliverer.Heartbeat(ctx, s.identity.UserID, s.connector.GetID())
		raw, err := encodeFrame(framePong, pongPayload{
			Ts:         f.Ts,
			ServerTime: time.Now().UnixMilli(),
		})
		if err == nil {
			s.enqueue(raw)
		}
	case frameSubscribe:
		s.handleSubscribe(ctx, f)
	case frameUnsubscribe:
		if ch, err := uuid.Parse(f.ChannelID); err == nil {
			delete(s.subscribed, ch)
			s.sendCtl(ctlMsg{kind: ctlUnsubscribe, channel: ch})
		}
	case frameHello:
		// Authentication already happened; a second hello is a protocol error.
		s.enqueue(errorFrame(model.NewError(model.KindBadRequest, "session already authenticated")))
	default:
		s.enqueue(errorFrame(model.NewError(model.KindBadRequest, "unknown event "+f.Event)))
	}
}

// handlePublish runs the ingest path for one client message and answers
// with ack_result. Persisted and duplicate both ack positively; the client
// treats them identically.
func (s *session) handlePublish(ctx context.Context, f *clientFrame) {
	if !s.limiter.Allow() {
		s.enqueue(errorFrame(model.NewError(model.KindRateLimited, "publish rate exceeded")))
		return
	}

	in, err := s.publishInput(f)
	if err != nil {
		s.enqueue(errorFrame(err))
		return
	}

	res, err := s.ingester.CreateMessage(ctx, *in)
	if err != nil {
		s.enqueue(errorFrame(err))
		return
	}

	raw, err := encodeFrame(frameAckResult, ackResultPayload{
		MsgID:       res.MsgID.String(),
		SeqID:       res.SeqID,
		ClientMsgID: f.ClientMsgID,
		Status:      string(res.Status),
	})
	if err == nil {
		s.enqueue(raw)
	}
}

func (s *session) publishInput(f *clientFrame) (*service.CreateMessageInput, error) {
	channelID, err := uuid.Parse(f.ChannelID)
	if err != nil {
		return nil, model.NewError(model.KindNotFound, "invalid channelId")
	}

	in := &service.CreateMessageInput{
		ChannelID: channelID,
		SenderID:  s.identity.UserID,
		Content:   f.Content,
		Metadata:  f.Metadata,
	}
	if f.Type != "" {
		in.Type = model.ParseMessageType(f.Type)
	}
	if f.ClientMsgID != "" {
		if in.ClientMsgID, err = uuid.Parse(f.ClientMsgID); err != nil {
			return nil, model.NewError(model.KindBadRequest, "invalid clientMsgId")
		}
	}
	if f.ParentID != "" {
		if in.ParentID, err = uuid.Parse(f.ParentID); err != nil {
			return nil, model.NewError(model.KindNotFound, "invalid parentId")
		}
	}
	for _, a := range f.Attachments {
		in.Attachments = append(in.Attachments, &model.Attachment{
			FileKey:  a.FileKey,
			FileName: a.FileName,
			FileSize: a.FileSize,
			MimeType: a.MimeType,
		})
	}
	return in, nil
}

func (s *session) handleAck(ctx context.Context, f *clientFrame) {
	msgID, err := uuid.Parse(f.MsgID)
	if err != nil {
		s.enqueue(errorFrame(model.NewError(model.KindNotFound, "invalid msgId")))
		return
	}

	// Delivery receipts carry no durable state; the connection being alive is
	// the signal, so refresh presence and stop there.
	if f.Kind == "delivered" {
		s.deliverer.Heartbeat(ctx, s.identity.UserID, s.connector.GetID())
		return
	}

	if _, err := s.reader.MarkRead(ctx, s.identity.UserID, msgID); err != nil {
		s.enqueue(errorFrame(err))
	}
}

// handleSubscribe replays the channel's history from afterSeq and only then
// lets live traffic through. Live events arriving mid-replay are buffered
// by the writer pump and flushed after the final page, deduplicated by the
// replay watermark.
func (s *session) handleSubscribe(ctx context.Context, f *clientFrame) {
	channelID, err := uuid.Parse(f.ChannelID)
	if err != nil {
		s.enqueue(errorFrame(model.NewError(model.KindNotFound, "invalid channelId")))
		return
	}
	s.resyncChannel(ctx, channelID, f.AfterSeq)
}

func (s *session) resyncChannel(ctx context.Context, channelID uuid.UUID, afterSeq int64) {
	s.sendCtl(ctlMsg{kind: ctlBeginSync, channel: channelID})

	var upto int64
	for page := 0; page < maxResyncPages; page++ {
		pageRes, err := s.resyncer.Resync(ctx, s.identity.UserID, channelID, afterSeq, 0)
		if err != nil {
			s.sendCtl(ctlMsg{kind: ctlEndSync, channel: channelID, upto: upto})
			s.enqueue(errorFrame(err))
			return
		}

		raw, encErr := encodeFrame(frameResyncBatch, resyncBatchPayload{
			ChannelID: channelID.String(),
			Messages:  pageRes.Messages,
			HasMore:   pageRes.HasMore,
			MaxSeq:    pageRes.MaxSeq,
		})
		if encErr == nil {
			s.enqueue(raw)
		}

		afterSeq = pageRes.NextAfterSeq
		upto = pageRes.NextAfterSeq
		if !pageRes.HasMore {
			break
		}
	}

	s.subscribed[channelID] = true
	s.sendCtl(ctlMsg{kind: ctlEndSync, channel: channelID, upto: upto})
}

// sendCtl hands a control message to the writer pump without risking a
// permanent block when the pump has already exited.
func (s *session) sendCtl(msg ctlMsg) {
	select {
	case s.ctl <- msg:
	case <-time.After(sendTimeout):
	}
}

// writePump is the only goroutine that writes to the socket. It merges
// hub-routed events, reader responses and keepalive pings, and applies the
// catch-up gate per channel.
func (s *session) writePump(ctx context.Context, cancel context.CancelFunc) {
	defer close(s.writerDone)
	defer cancel()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	// Channels named by hello.lastSeenSeqByChannel start gated before the
	// first select: a live event routed between registration and the
	// reader's ctlBeginSync would otherwise slip out ahead of its
	// resync_batch frames.
	syncing := make(map[uuid.UUID]*syncState, len(s.initialSeqs))
	for channelID := range s.initialSeqs {
		syncing[channelID] = &syncState{}
	}

	// Close closes the mailbox, so buffered events drain and then !ok fires.
	recv := s.connector.Recv()

	for {
		select {
		case <-ctx.Done():
			return

		case raw, ok := <-s.out:
			if !ok {
				return
			}
			if !s.writeRaw(raw) {
				return
			}

		case msg := <-s.ctl:
			switch msg.kind {
			case ctlBeginSync:
				// Keep events already buffered by a pre-seeded gate.
				if _, ok := syncing[msg.channel]; !ok {
					syncing[msg.channel] = &syncState{}
				}
			case ctlEndSync:
				st := syncing[msg.channel]
				delete(syncing, msg.channel)
				if st != nil && !s.flushBuffered(st, msg.upto) {
					return
				}
			case ctlUnsubscribe:
				delete(syncing, msg.channel)
			}

		case ev, ok := <-recv:
			if !ok {
				// Connector closed by eviction or shutdown; say goodbye.
				deadline := time.Now().Add(writeWait)
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"), deadline)
				return
			}
			if st, ok := syncing[ev.GetChannelID()]; ok && isChannelEvent(ev) {
				st.buffered = append(st.buffered, ev)
				continue
			}
			if !s.writeEvent(ev) {
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (s *session) flushBuffered(st *syncState, upto int64) bool {
	for _, ev := range st.buffered {
		// Already covered by the replayed pages.
		if ev.GetSeqID() <= upto {
			continue
		}
		if !s.writeEvent(ev) {
			return false
		}
	}
	return true
}

// writeEvent serializes an event once per node via the marshal cache and
// writes the frame.
func (s *session) writeEvent(ev event.Eventer) bool {
	raw, ok := ev.GetCached().([]byte)
	if !ok {
		encoded, err := encodeFrame(ev.GetKind().String(), ev.GetPayload())
		if err != nil {
			s.logger.Error("WS_ENCODE_FAILED", "event_id", ev.GetID(), "err", err)
			return true
		}
		ev.SetCached(encoded)
		raw = encoded
	}
	if !s.writeRaw(raw) {
		return false
	}

	// Eviction notices are followed by a close handshake.
	switch ev.GetKind() {
	case event.SessionKicked, event.SessionTimeout, event.Disconnected:
		deadline := time.Now().Add(writeWait)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ev.GetKind().String()), deadline)
		return false
	}
	return true
}

func (s *session) writeRaw(raw []byte) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		s.logger.Debug("WS_WRITE_FAILED", "user_id", s.identity.UserID, "err", err)
		return false
	}
	return true
}

// enqueue hands a reader-produced frame to the writer pump. Dropping on a
// saturated queue is acceptable: the durable paths cover every frame that
// matters.
func (s *session) enqueue(raw []byte) {
	select {
	case s.out <- raw:
	case <-time.After(sendTimeout):
		s.logger.Warn("WS_OUT_QUEUE_FULL", "user_id", s.identity.UserID)
	}
}

func (s *session) resetReadDeadline() {
	// Two missed heartbeats end the session.
	_ = s.conn.SetReadDeadline(time.Now().Add(s.heartbeat * 2))
}

func isChannelEvent(ev event.Eventer) bool {
	switch ev.GetKind() {
	case event.MessageCreated, event.MessageUpdated, event.MessageDeleted:
		return true
	}
	return false
}

var errHelloTimeout = errors.New("ws: hello not received in time")
