package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clinicdesk/wa-inbox-service/internal/apperrors"
	"github.com/clinicdesk/wa-inbox-service/internal/config"
	"github.com/clinicdesk/wa-inbox-service/internal/model"
	"github.com/clinicdesk/wa-inbox-service/internal/realtime"
	"github.com/clinicdesk/wa-inbox-service/internal/tenant"
	"github.com/clinicdesk/wa-inbox-service/internal/usecase"
	"github.com/clinicdesk/wa-inbox-service/pkg/logger"
)

const (
	testSecret   = "test-secret"
	testClinicID = "clinic-7f3a"
)

func init() {
	logger.Log = zap.NewNop()
	gin.SetMode(gin.TestMode)
}

// --- mocks --- //

type eventRouterMock struct {
	mock.Mock
}

func (m *eventRouterMock) Route(ctx context.Context, envelope *model.WebhookEnvelope) error {
	args := m.Called(ctx, envelope)
	return args.Error(0)
}

type sweeperMock struct {
	mock.Mock
}

func (m *sweeperMock) Sweep(ctx context.Context) (usecase.SweepResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(usecase.SweepResult), args.Error(1)
}

type connectionOpsMock struct {
	mock.Mock
}

func (m *connectionOpsMock) Register(ctx context.Context, conn model.Connection) error {
	args := m.Called(ctx, conn)
	return args.Error(0)
}

func (m *connectionOpsMock) Activate(ctx context.Context, clinicID string) error {
	args := m.Called(ctx, clinicID)
	return args.Error(0)
}

func (m *connectionOpsMock) Deactivate(ctx context.Context, clinicID string) error {
	args := m.Called(ctx, clinicID)
	return args.Error(0)
}

type outboundMock struct {
	mock.Mock
}

func (m *outboundMock) SendText(ctx context.Context, conversationID, text string) (*model.Message, error) {
	args := m.Called(ctx, conversationID, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}

func (m *outboundMock) SendMedia(ctx context.Context, conversationID string, input usecase.SendMediaInput) (*model.Message, error) {
	args := m.Called(ctx, conversationID, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}

type conversationOpsMock struct {
	mock.Mock
}

func (m *conversationOpsMock) MarkConversationRead(ctx context.Context, conversationID string) error {
	args := m.Called(ctx, conversationID)
	return args.Error(0)
}

// --- fixture --- //

type serverFixture struct {
	router   *eventRouterMock
	sweeper  *sweeperMock
	conns    *connectionOpsMock
	outbound *outboundMock
	convs    *conversationOpsMock
	hub      *realtime.Hub
	server   *Server
}

func newServerFixture() *serverFixture {
	f := &serverFixture{
		router:   new(eventRouterMock),
		sweeper:  new(sweeperMock),
		conns:    new(connectionOpsMock),
		outbound: new(outboundMock),
		convs:    new(conversationOpsMock),
		hub:      realtime.NewHub(),
	}

	cfg := &config.Config{}
	cfg.Server.Port = 8080
	cfg.Auth.JWTSecret = testSecret
	// Keep ginprom out: it registers into the global prometheus registry
	// and the fixture is built once per test
	cfg.Metrics.Enabled = false

	f.server = New(cfg, &Handlers{
		Webhook: NewWebhookHandler(f.router),
		API:     NewAPIHandler(f.sweeper, f.conns, f.outbound, f.convs),
		WS:      NewWSHandler(f.hub),
	})
	return f
}

func (f *serverFixture) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.server.Engine().ServeHTTP(w, req)
	return w
}

func makeToken(t *testing.T, secret, clinicID string) string {
	t.Helper()
	claims := clinicClaims{
		ClinicID: clinicID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func webhookBody(event string) map[string]interface{} {
	return map[string]interface{}{
		"event":    event,
		"instance": "inst-" + testClinicID,
		"data":     map[string]interface{}{},
	}
}

// --- webhook ingress --- //

func TestWebhook_AcknowledgesProcessedEvent(t *testing.T) {
	f := newServerFixture()
	f.router.On("Route", mock.Anything, mock.MatchedBy(func(e *model.WebhookEnvelope) bool {
		return e.Event == "messages.upsert" && e.Instance == "inst-"+testClinicID
	})).Return(nil)

	w := f.do(http.MethodPost, "/webhook/whatsapp", "", webhookBody("messages.upsert"))

	assert.Equal(t, http.StatusOK, w.Code)
	f.router.AssertExpectations(t)
}

func TestWebhook_AliasRouteForwardsUnchanged(t *testing.T) {
	f := newServerFixture()
	f.router.On("Route", mock.Anything, mock.Anything).Return(nil)

	w := f.do(http.MethodPost, "/api/webhook/whatsapp", "", webhookBody("messages.update"))

	assert.Equal(t, http.StatusOK, w.Code)
	f.router.AssertNumberOfCalls(t, "Route", 1)
}

func TestWebhook_MalformedBodyIsRejectedWithoutRetry(t *testing.T) {
	f := newServerFixture()

	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	f.router.AssertNotCalled(t, "Route", mock.Anything, mock.Anything)
}

func TestWebhook_MissingEventFieldRejected(t *testing.T) {
	f := newServerFixture()

	w := f.do(http.MethodPost, "/webhook/whatsapp", "", map[string]interface{}{
		"instance": "inst-" + testClinicID,
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhook_UnknownInstanceIs404(t *testing.T) {
	f := newServerFixture()
	f.router.On("Route", mock.Anything, mock.Anything).
		Return(apperrors.NewFatal(apperrors.ErrNotFound, "no clinic for instance"))

	w := f.do(http.MethodPost, "/webhook/whatsapp", "", webhookBody("messages.upsert"))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhook_RetryableFaultIs500(t *testing.T) {
	f := newServerFixture()
	f.router.On("Route", mock.Anything, mock.Anything).
		Return(apperrors.NewRetryable(apperrors.ErrDatabase, "insert failed"))

	w := f.do(http.MethodPost, "/webhook/whatsapp", "", webhookBody("messages.upsert"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestWebhook_FatalFaultIsAbsorbed(t *testing.T) {
	f := newServerFixture()
	f.router.On("Route", mock.Anything, mock.Anything).
		Return(apperrors.NewFatal(apperrors.ErrValidation, "unusable payload"))

	w := f.do(http.MethodPost, "/webhook/whatsapp", "", webhookBody("messages.upsert"))

	// Retrying the delivery cannot fix a fatal fault
	assert.Equal(t, http.StatusOK, w.Code)
}

// --- auth --- //

func TestClinicAuth_MissingTokenIs401(t *testing.T) {
	f := newServerFixture()

	w := f.do(http.MethodPost, "/api/clinics/"+testClinicID+"/media/sweep", "", nil)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	f.sweeper.AssertNotCalled(t, "Sweep", mock.Anything)
}

func TestClinicAuth_WrongSecretIs401(t *testing.T) {
	f := newServerFixture()
	token := makeToken(t, "other-secret", testClinicID)

	w := f.do(http.MethodPost, "/api/clinics/"+testClinicID+"/media/sweep", token, nil)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestClinicAuth_ForeignClinicIs403(t *testing.T) {
	f := newServerFixture()
	token := makeToken(t, testSecret, "clinic-other")

	w := f.do(http.MethodPost, "/api/clinics/"+testClinicID+"/media/sweep", token, nil)

	assert.Equal(t, http.StatusForbidden, w.Code)
	f.sweeper.AssertNotCalled(t, "Sweep", mock.Anything)
}

// --- operator routes --- //

func TestSweepEndpoint_RunsUnderTenant(t *testing.T) {
	f := newServerFixture()
	token := makeToken(t, testSecret, testClinicID)

	f.sweeper.On("Sweep", mock.MatchedBy(func(ctx context.Context) bool {
		clinicID, err := tenant.FromContext(ctx)
		return err == nil && clinicID == testClinicID
	})).Return(usecase.SweepResult{Processed: 3, Failed: 1, Total: 4}, nil)

	w := f.do(http.MethodPost, "/api/clinics/"+testClinicID+"/media/sweep", token, nil)

	require.Equal(t, http.StatusOK, w.Code)
	var result usecase.SweepResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, usecase.SweepResult{Processed: 3, Failed: 1, Total: 4}, result)
}

func TestRegisterConnection(t *testing.T) {
	f := newServerFixture()
	token := makeToken(t, testSecret, testClinicID)

	f.conns.On("Register", mock.Anything, model.Connection{
		ClinicID:    testClinicID,
		InstanceID:  "inst-" + testClinicID,
		PhoneNumber: "628111222333",
	}).Return(nil)

	w := f.do(http.MethodPost, "/api/clinics/"+testClinicID+"/connection", token, map[string]string{
		"instance_id":  "inst-" + testClinicID,
		"phone_number": "628111222333",
	})

	assert.Equal(t, http.StatusCreated, w.Code)
	f.conns.AssertExpectations(t)
}

func TestRegisterConnection_GhostInstanceIs404(t *testing.T) {
	f := newServerFixture()
	token := makeToken(t, testSecret, testClinicID)

	f.conns.On("Register", mock.Anything, mock.Anything).
		Return(apperrors.NewFatal(apperrors.ErrNotFound, "instance not found on gateway"))

	w := f.do(http.MethodPost, "/api/clinics/"+testClinicID+"/connection", token, map[string]string{
		"instance_id": "inst-ghost",
	})

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestActivateAndDeactivate(t *testing.T) {
	f := newServerFixture()
	token := makeToken(t, testSecret, testClinicID)

	f.conns.On("Activate", mock.Anything, testClinicID).Return(nil)
	f.conns.On("Deactivate", mock.Anything, testClinicID).Return(nil)

	w := f.do(http.MethodPost, "/api/clinics/"+testClinicID+"/connection/activate", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodPost, "/api/clinics/"+testClinicID+"/connection/deactivate", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	f.conns.AssertExpectations(t)
}

func TestSendText(t *testing.T) {
	f := newServerFixture()
	token := makeToken(t, testSecret, testClinicID)

	f.outbound.On("SendText", mock.Anything, "conv-1", "Bom dia").
		Return(&model.Message{ID: "msg-1", Content: "Bom dia"}, nil)

	w := f.do(http.MethodPost, "/api/clinics/"+testClinicID+"/conversations/conv-1/messages/text", token, map[string]string{
		"text": "Bom dia",
	})

	require.Equal(t, http.StatusCreated, w.Code)
	var msg model.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	assert.Equal(t, "msg-1", msg.ID)
}

func TestSendText_EmptyBodyRejected(t *testing.T) {
	f := newServerFixture()
	token := makeToken(t, testSecret, testClinicID)

	w := f.do(http.MethodPost, "/api/clinics/"+testClinicID+"/conversations/conv-1/messages/text", token, map[string]string{})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	f.outbound.AssertNotCalled(t, "SendText", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendText_DisconnectedClinicIs409(t *testing.T) {
	f := newServerFixture()
	token := makeToken(t, testSecret, testClinicID)

	f.outbound.On("SendText", mock.Anything, "conv-1", "Oi").
		Return(nil, apperrors.NewFatal(apperrors.ErrConflict, "connection is pairing"))

	w := f.do(http.MethodPost, "/api/clinics/"+testClinicID+"/conversations/conv-1/messages/text", token, map[string]string{
		"text": "Oi",
	})

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSendMedia(t *testing.T) {
	f := newServerFixture()
	token := makeToken(t, testSecret, testClinicID)

	f.outbound.On("SendMedia", mock.Anything, "conv-1", usecase.SendMediaInput{
		Kind:     "document",
		MimeType: "application/pdf",
		Media:    "JVBERi0xLjQ=",
		FileName: "exame.pdf",
	}).Return(&model.Message{ID: "msg-2"}, nil)

	w := f.do(http.MethodPost, "/api/clinics/"+testClinicID+"/conversations/conv-1/messages/media", token, map[string]string{
		"kind":      "document",
		"mime_type": "application/pdf",
		"media":     "JVBERi0xLjQ=",
		"file_name": "exame.pdf",
	})

	assert.Equal(t, http.StatusCreated, w.Code)
	f.outbound.AssertExpectations(t)
}

func TestMarkRead(t *testing.T) {
	f := newServerFixture()
	token := makeToken(t, testSecret, testClinicID)

	f.convs.On("MarkConversationRead", mock.Anything, "conv-1").Return(nil)

	w := f.do(http.MethodPost, "/api/clinics/"+testClinicID+"/conversations/conv-1/read", token, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	f.convs.AssertExpectations(t)
}

// --- websocket --- //

func TestWS_SessionReceivesClinicBroadcast(t *testing.T) {
	f := newServerFixture()
	srv := httptest.NewServer(f.server.Engine())
	defer srv.Close()

	token := makeToken(t, testSecret, testClinicID)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/api/clinics/" + testClinicID + "/ws?token=" + token

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	// Registration happens before the upgrade response is written, so the
	// session is already visible to the hub here
	require.Eventually(t, func() bool {
		return f.hub.SessionCount(testClinicID) == 1
	}, time.Second, 10*time.Millisecond)

	f.hub.Broadcast(testClinicID, []byte(`{"entity":"message"}`))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"entity":"message"}`, string(payload))
}

func TestWS_UpgradeRequiresToken(t *testing.T) {
	f := newServerFixture()
	srv := httptest.NewServer(f.server.Engine())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/clinics/" + testClinicID + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil) //nolint:bodyclose
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
