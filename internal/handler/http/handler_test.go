package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-message-service/infra/client/authn"
	"github.com/webitel/im-message-service/internal/domain/model"
	"github.com/webitel/im-message-service/internal/service"
)

type stubIngester struct {
	res *model.IngestResult
	err error
	got service.CreateMessageInput
}

func (s *stubIngester) CreateMessage(_ context.Context, in service.CreateMessageInput) (*model.IngestResult, error) {
	s.got = in
	return s.res, s.err
}

type stubResyncer struct {
	page *service.ResyncPage
	err  error
}

func (s *stubResyncer) Resync(context.Context, uuid.UUID, uuid.UUID, int64, int) (*service.ResyncPage, error) {
	return s.page, s.err
}

type stubReader struct {
	cursor  *model.UnreadCursor
	summary []*model.ChannelUnread
	err     error
}

func (s *stubReader) MarkRead(context.Context, uuid.UUID, uuid.UUID) (*model.UnreadCursor, error) {
	return s.cursor, s.err
}

func (s *stubReader) Summary(context.Context, uuid.UUID) ([]*model.ChannelUnread, error) {
	return s.summary, s.err
}

type stubMutator struct {
	env *model.Envelope
	err error
}

func (s *stubMutator) Edit(context.Context, uuid.UUID, uuid.UUID, string) (*model.Envelope, error) {
	return s.env, s.err
}

func (s *stubMutator) Delete(context.Context, uuid.UUID, uuid.UUID) (*model.Envelope, error) {
	return s.env, s.err
}

type restFixture struct {
	router   chi.Router
	ingester *stubIngester
	resyncer *stubResyncer
	reader   *stubReader
	mutator  *stubMutator
	userID   uuid.UUID
}

func newRESTFixture(t *testing.T) *restFixture {
	t.Helper()
	f := &restFixture{
		ingester: &stubIngester{},
		resyncer: &stubResyncer{},
		reader:   &stubReader{},
		mutator:  &stubMutator{},
		userID:   uuid.New(),
	}
	h := NewHandler(authn.InsecureVerifier{}, f.ingester, f.resyncer, f.reader, f.mutator, nil)
	f.router = chi.NewRouter()
	h.Register(f.router)
	return f
}

func (f *restFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+f.userID.String())
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestPostMessagePersisted(t *testing.T) {
	f := newRESTFixture(t)
	msgID := uuid.New()
	f.ingester.res = &model.IngestResult{
		MsgID:     msgID,
		SeqID:     7,
		Status:    model.StatusPersisted,
		Timestamp: time.Now(),
	}

	channel := uuid.New()
	rec := f.do(t, http.MethodPost, "/v1/channels/"+channel.String()+"/messages",
		map[string]any{"content": "hello", "clientMsgId": uuid.New().String()})

	require.Equal(t, http.StatusCreated, rec.Code)
	var body ingestResultBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, msgID.String(), body.MsgID)
	require.Equal(t, int64(7), body.SeqID)
	require.Equal(t, "persisted", body.Status)

	require.Equal(t, channel, f.ingester.got.ChannelID)
	require.Equal(t, f.userID, f.ingester.got.SenderID)
}

func TestPostMessageDuplicateConflicts(t *testing.T) {
	f := newRESTFixture(t)
	f.ingester.res = &model.IngestResult{
		MsgID:     uuid.New(),
		SeqID:     3,
		Status:    model.StatusDuplicate,
		Timestamp: time.Now(),
	}

	rec := f.do(t, http.MethodPost, "/v1/channels/"+uuid.New().String()+"/messages",
		map[string]any{"content": "again"})

	require.Equal(t, http.StatusConflict, rec.Code)
	var body ingestResultBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "duplicate", body.Status)
	require.Equal(t, int64(3), body.SeqID)
}

func TestPostMessageErrorMapping(t *testing.T) {
	cases := []struct {
		kind model.ErrorKind
		want int
	}{
		{model.KindForbidden, http.StatusForbidden},
		{model.KindNotFound, http.StatusNotFound},
		{model.KindRateLimited, http.StatusTooManyRequests},
		{model.KindUnavailable, http.StatusServiceUnavailable},
		{model.KindBadRequest, http.StatusBadRequest},
		{model.KindInternal, http.StatusInternalServerError},
	}
	for _, c := range cases {
		f := newRESTFixture(t)
		f.ingester.err = model.NewError(c.kind, "nope")
		rec := f.do(t, http.MethodPost, "/v1/channels/"+uuid.New().String()+"/messages",
			map[string]any{"content": "x"})
		require.Equal(t, c.want, rec.Code, "kind %s", c.kind)
	}
}

func TestPostMessageMalformedBodyIsClientError(t *testing.T) {
	f := newRESTFixture(t)

	req := httptest.NewRequest(http.MethodPost,
		"/v1/channels/"+uuid.New().String()+"/messages",
		bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+f.userID.String())
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, string(model.KindBadRequest), body.Kind)
}

func TestUnauthenticatedWithoutToken(t *testing.T) {
	f := newRESTFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/unread", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListMessages(t *testing.T) {
	f := newRESTFixture(t)
	f.resyncer.page = &service.ResyncPage{
		Messages:     []*model.Envelope{{MsgID: uuid.New().String(), SeqID: 5}},
		HasMore:      true,
		NextAfterSeq: 5,
		MaxSeq:       12,
	}

	rec := f.do(t, http.MethodGet,
		"/v1/channels/"+uuid.New().String()+"/messages?afterSeq=4&limit=1", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body listMessagesBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Messages, 1)
	require.True(t, body.HasMore)
	require.Equal(t, int64(12), body.MaxSeq)
}

func TestPostRead(t *testing.T) {
	f := newRESTFixture(t)
	f.reader.cursor = &model.UnreadCursor{LastReadSeqID: 9, UnreadCount: 0}

	rec := f.do(t, http.MethodPost, "/v1/channels/"+uuid.New().String()+"/read",
		map[string]any{"msgId": uuid.New().String()})

	require.Equal(t, http.StatusOK, rec.Code)
	var body cursorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, int64(9), body.LastReadSeqID)
}

func TestGetUnreadSummary(t *testing.T) {
	f := newRESTFixture(t)
	f.reader.summary = []*model.ChannelUnread{
		{ChannelID: uuid.New(), UnreadCount: 4, MaxSeq: 20, LastReadSeq: 16},
	}

	rec := f.do(t, http.MethodGet, "/v1/unread", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Channels []*model.ChannelUnread `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Channels, 1)
	require.Equal(t, int64(4), body.Channels[0].UnreadCount)
}

func TestPatchAndDeleteMessage(t *testing.T) {
	f := newRESTFixture(t)
	f.mutator.env = &model.Envelope{MsgID: uuid.New().String(), SeqID: 2, Content: "edited"}

	rec := f.do(t, http.MethodPatch, "/v1/messages/"+uuid.New().String(),
		map[string]any{"content": "edited"})
	require.Equal(t, http.StatusOK, rec.Code)

	f.mutator.env = &model.Envelope{MsgID: uuid.New().String(), SeqID: 2, Deleted: true}
	rec = f.do(t, http.MethodDelete, "/v1/messages/"+uuid.New().String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var env model.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.True(t, env.Deleted)
}
