// Package http exposes the REST surface: message publishing for clients
// without a socket, history paging, read receipts and unread summaries.
package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/webitel/im-message-service/infra/client/authn"
	"github.com/webitel/im-message-service/internal/domain/model"
	"github.com/webitel/im-message-service/internal/service"
)

type Handler struct {
	verifier  authn.Verifier
	ingester  service.Ingester
	resyncer  service.Resyncer
	reader    service.Reader
	mutator   service.Mutator
	deliverer service.Deliverer
}

func NewHandler(
	verifier authn.Verifier,
	ingester service.Ingester,
	resyncer service.Resyncer,
	reader service.Reader,
	mutator service.Mutator,
	deliverer service.Deliverer,
) *Handler {
	return &Handler{
		verifier:  verifier,
		ingester:  ingester,
		resyncer:  resyncer,
		reader:    reader,
		mutator:   mutator,
		deliverer: deliverer,
	}
}

func (h *Handler) Register(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(h.verifier))

		r.Route("/channels/{channelID}", func(r chi.Router) {
			r.Post("/messages", h.postMessage)
			r.Get("/messages", h.listMessages)
			r.Post("/read", h.postRead)
		})

		r.Patch("/messages/{msgID}", h.patchMessage)
		r.Delete("/messages/{msgID}", h.deleteMessage)

		r.Get("/unread", h.getUnread)
		r.Get("/stats", h.getStats)
	})
}

type postMessageBody struct {
	ClientMsgID string                      `json:"clientMsgId,omitempty"`
	Type        string                      `json:"type,omitempty"`
	Content     string                      `json:"content"`
	ParentID    string                      `json:"parentId,omitempty"`
	Attachments []*model.EnvelopeAttachment `json:"attachments,omitempty"`
	Metadata    map[string]any              `json:"metadata,omitempty"`
}

type ingestResultBody struct {
	MsgID     string `json:"msgId"`
	SeqID     int64  `json:"seqId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

func (h *Handler) postMessage(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, model.NewError(model.KindUnauthenticated, "no identity"))
		return
	}
	channelID, err := uuid.Parse(chi.URLParam(r, "channelID"))
	if err != nil {
		writeError(w, model.NewError(model.KindNotFound, "invalid channel id"))
		return
	}

	var body postMessageBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, model.WrapError(model.KindBadRequest, "bad request body", err))
		return
	}

	in := service.CreateMessageInput{
		ChannelID: channelID,
		SenderID:  identity.UserID,
		Content:   body.Content,
		Metadata:  body.Metadata,
	}
	if body.Type != "" {
		in.Type = model.ParseMessageType(body.Type)
	}
	if body.ClientMsgID != "" {
		if in.ClientMsgID, err = uuid.Parse(body.ClientMsgID); err != nil {
			writeError(w, model.NewError(model.KindBadRequest, "invalid clientMsgId"))
			return
		}
	}
	if body.ParentID != "" {
		if in.ParentID, err = uuid.Parse(body.ParentID); err != nil {
			writeError(w, model.NewError(model.KindNotFound, "invalid parentId"))
			return
		}
	}
	for _, a := range body.Attachments {
		in.Attachments = append(in.Attachments, &model.Attachment{
			FileKey:  a.FileKey,
			FileName: a.FileName,
			FileSize: a.FileSize,
			MimeType: a.MimeType,
		})
	}

	res, err := h.ingester.CreateMessage(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Status == model.StatusDuplicate {
		// The retry is answered with the original coordinates.
		status = http.StatusConflict
	}
	writeJSON(w, status, ingestResultBody{
		MsgID:     res.MsgID.String(),
		SeqID:     res.SeqID,
		Status:    string(res.Status),
		Timestamp: res.Timestamp.UnixMilli(),
	})
}

type listMessagesBody struct {
	Messages     []*model.Envelope `json:"messages"`
	HasMore      bool              `json:"hasMore"`
	NextAfterSeq int64             `json:"nextAfterSeq"`
	MaxSeq       int64             `json:"maxSeq"`
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, model.NewError(model.KindUnauthenticated, "no identity"))
		return
	}
	channelID, err := uuid.Parse(chi.URLParam(r, "channelID"))
	if err != nil {
		writeError(w, model.NewError(model.KindNotFound, "invalid channel id"))
		return
	}

	afterSeq, _ := strconv.ParseInt(r.URL.Query().Get("afterSeq"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	page, err := h.resyncer.Resync(r.Context(), identity.UserID, channelID, afterSeq, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if page.Messages == nil {
		page.Messages = []*model.Envelope{}
	}
	writeJSON(w, http.StatusOK, listMessagesBody{
		Messages:     page.Messages,
		HasMore:      page.HasMore,
		NextAfterSeq: page.NextAfterSeq,
		MaxSeq:       page.MaxSeq,
	})
}

type readBody struct {
	MsgID string `json:"msgId"`
}

type cursorBody struct {
	LastReadSeqID int64 `json:"lastReadSeqId"`
	UnreadCount   int64 `json:"unreadCount"`
}

func (h *Handler) postRead(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, model.NewError(model.KindUnauthenticated, "no identity"))
		return
	}

	var body readBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, model.WrapError(model.KindBadRequest, "bad request body", err))
		return
	}
	msgID, err := uuid.Parse(body.MsgID)
	if err != nil {
		writeError(w, model.NewError(model.KindNotFound, "invalid msgId"))
		return
	}

	cursor, err := h.reader.MarkRead(r.Context(), identity.UserID, msgID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cursorBody{
		LastReadSeqID: cursor.LastReadSeqID,
		UnreadCount:   cursor.UnreadCount,
	})
}

type editBody struct {
	Content string `json:"content"`
}

func (h *Handler) patchMessage(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, model.NewError(model.KindUnauthenticated, "no identity"))
		return
	}
	msgID, err := uuid.Parse(chi.URLParam(r, "msgID"))
	if err != nil {
		writeError(w, model.NewError(model.KindNotFound, "invalid message id"))
		return
	}

	var body editBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, model.WrapError(model.KindBadRequest, "bad request body", err))
		return
	}

	env, err := h.mutator.Edit(r.Context(), identity.UserID, msgID, body.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (h *Handler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, model.NewError(model.KindUnauthenticated, "no identity"))
		return
	}
	msgID, err := uuid.Parse(chi.URLParam(r, "msgID"))
	if err != nil {
		writeError(w, model.NewError(model.KindNotFound, "invalid message id"))
		return
	}

	env, err := h.mutator.Delete(r.Context(), identity.UserID, msgID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (h *Handler) getUnread(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, model.NewError(model.KindUnauthenticated, "no identity"))
		return
	}

	summary, err := h.reader.Summary(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	if summary == nil {
		summary = []*model.ChannelUnread{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": summary})
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deliverer.Stats())
}
