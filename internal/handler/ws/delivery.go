// Package ws is the WebSocket gateway transport: it upgrades connections,
// authenticates the hello handshake and pumps frames between the socket
// and the session's hub connector.
package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/webitel/im-message-service/infra/client/authn"
	"github.com/webitel/im-message-service/internal/domain/event"
	"github.com/webitel/im-message-service/internal/domain/model"
	"github.com/webitel/im-message-service/internal/domain/registry"
	"github.com/webitel/im-message-service/internal/metrics"
	"github.com/webitel/im-message-service/internal/service"
	"golang.org/x/time/rate"
)

type Handler struct {
	verifier  authn.Verifier
	deliverer service.Deliverer
	ingester  service.Ingester
	resyncer  service.Resyncer
	reader    service.Reader
	metrics   *metrics.Set
	logger    *slog.Logger

	heartbeat    time.Duration
	publishRate  float64
	publishBurst int

	upgrader websocket.Upgrader
}

func NewHandler(
	verifier authn.Verifier,
	deliverer service.Deliverer,
	ingester service.Ingester,
	resyncer service.Resyncer,
	reader service.Reader,
	set *metrics.Set,
	logger *slog.Logger,
	heartbeat time.Duration,
	publishRate float64,
	publishBurst int,
) *Handler {
	return &Handler{
		verifier:     verifier,
		deliverer:    deliverer,
		ingester:     ingester,
		resyncer:     resyncer,
		reader:       reader,
		metrics:      set,
		logger:       logger,
		heartbeat:    heartbeat,
		publishRate:  publishRate,
		publishBurst: publishBurst,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the edge proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/ws/v1", h.serve)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WS_UPGRADE_FAILED", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close()

	identity, hello, err := h.handshake(conn, r)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, expiredFrame(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthenticated"),
			time.Now().Add(writeWait))
		return
	}

	meta := registry.ConnectMetadata{
		DeviceClass: identity.DeviceClass,
		RemoteIP:    r.RemoteAddr,
		UserAgent:   r.UserAgent(),
	}
	connector, err := h.deliverer.Subscribe(r.Context(), identity, meta)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, errorFrame(err))
		return
	}
	defer h.deliverer.Unsubscribe(r.Context(), identity.UserID, connector)

	h.metrics.WSSessions.Inc()
	defer h.metrics.WSSessions.Dec()

	sess := &session{
		conn:       conn,
		connector:  connector,
		identity:   identity,
		deliverer:  h.deliverer,
		ingester:   h.ingester,
		resyncer:   h.resyncer,
		reader:     h.reader,
		limiter:    rate.NewLimiter(rate.Limit(h.publishRate), h.publishBurst),
		heartbeat:  h.heartbeat,
		logger:     h.logger,
		out:        make(chan []byte, outQueueSize),
		ctl:        make(chan ctlMsg, 16),
		subscribed: make(map[uuid.UUID]bool),
	}

	if len(hello.LastSeenSeqByChannel) > 0 {
		sess.initialSeqs = make(map[uuid.UUID]int64, len(hello.LastSeenSeqByChannel))
		for raw, seq := range hello.LastSeenSeqByChannel {
			channelID, err := uuid.Parse(raw)
			if err != nil {
				continue
			}
			sess.initialSeqs[channelID] = seq
			sess.subscribed[channelID] = true
		}
	}

	sess.run(r.Context())
}

// expiredFrame renders a rejected handshake. Expired or invalid
// credentials get the dedicated session_expired event so clients know to
// re-authenticate instead of blindly reconnecting.
func expiredFrame(err error) []byte {
	if model.KindOf(err) != model.KindUnauthenticated {
		return errorFrame(err)
	}
	raw, encErr := encodeFrame(event.Disconnected.String(), errorPayload{
		Kind:    string(model.KindUnauthenticated),
		Message: err.Error(),
	})
	if encErr != nil {
		return errorFrame(err)
	}
	return raw
}

// handshake requires the first frame to be a hello carrying a verifiable
// token. Anything else closes the connection.
func (h *Handler) handshake(conn *websocket.Conn, r *http.Request) (*model.Identity, *clientFrame, error) {
	_ = conn.SetReadDeadline(time.Now().Add(helloWait))
	defer conn.SetReadDeadline(time.Time{})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, nil, model.WrapError(model.KindUnauthenticated, "hello timeout", errHelloTimeout)
	}
	frame, err := decodeFrame(raw)
	if err != nil {
		return nil, nil, model.WrapError(model.KindUnauthenticated, "bad hello frame", err)
	}
	if frame.Event != frameHello || frame.Token == "" {
		return nil, nil, model.NewError(model.KindUnauthenticated, "first frame must be hello with a token")
	}
	identity, err := h.verifier.Inspect(r.Context(), frame.Token)
	if err != nil {
		return nil, nil, err
	}
	return identity, frame, nil
}
