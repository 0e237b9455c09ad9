package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/clinicdesk/wa-inbox-service/internal/apperrors"
	"github.com/clinicdesk/wa-inbox-service/pkg/logger"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	logger.Log = zaptest.NewLogger(t).Named("test")
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "secret-key", 5*time.Second), srv
}

func TestClient_SendText(t *testing.T) {
	var gotPath, gotKey string
	var gotBody SendTextRequest
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("apikey")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"key":{"id":"3EB0F8A1","remoteJid":"628111222333@s.whatsapp.net","fromMe":true},"status":"PENDING","messageTimestamp":1719430000}`))
	}))

	result, err := client.SendText(context.Background(), "clinic-inst", SendTextRequest{
		Number: "628111222333",
		Text:   "Oi",
	})
	require.NoError(t, err)

	assert.Equal(t, "/message/sendText/clinic-inst", gotPath)
	assert.Equal(t, "secret-key", gotKey)
	assert.Equal(t, "628111222333", gotBody.Number)
	assert.Equal(t, "Oi", gotBody.Text)
	assert.Equal(t, "3EB0F8A1", result.Key.ID)
	assert.True(t, result.Key.FromMe)
	assert.Equal(t, "PENDING", result.Status)
}

func TestClient_SendMedia(t *testing.T) {
	var gotBody SendMediaRequest
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/message/sendMedia/clinic-inst", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"key":{"id":"3EB0F8A2"},"status":"PENDING"}`))
	}))

	result, err := client.SendMedia(context.Background(), "clinic-inst", SendMediaRequest{
		Number:    "628111222333",
		MediaType: "image",
		MimeType:  "image/jpeg",
		Media:     "https://example.com/x.jpg",
		Caption:   "receita",
	})
	require.NoError(t, err)

	assert.Equal(t, "image", gotBody.MediaType)
	assert.Equal(t, "receita", gotBody.Caption)
	assert.Equal(t, "3EB0F8A2", result.Key.ID)
}

func TestClient_FetchBase64ForMessage(t *testing.T) {
	var gotBody map[string]interface{}
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/getBase64FromMediaMessage/clinic-inst", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"base64":"aGVsbG8=","mimetype":"image/jpeg","fileName":"x.jpg","size":5}`))
	}))

	media, err := client.FetchBase64ForMessage(context.Background(), "clinic-inst", "3EB0F8A1", true)
	require.NoError(t, err)

	assert.Equal(t, true, gotBody["convertToMp4"])
	msg, ok := gotBody["message"].(map[string]interface{})
	require.True(t, ok)
	key, ok := msg["key"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "3EB0F8A1", key["id"])

	assert.Equal(t, "aGVsbG8=", media.Base64)
	assert.Equal(t, "image/jpeg", media.MimeType)
	assert.EqualValues(t, 5, media.Size)
}

func TestClient_ConnectionState(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/instance/connectionState/clinic-inst", r.URL.Path)
		_, _ = w.Write([]byte(`{"instance":{"instanceName":"clinic-inst","state":"open"}}`))
	}))

	state, err := client.ConnectionState(context.Background(), "clinic-inst")
	require.NoError(t, err)
	assert.Equal(t, "open", state.Instance.State)
}

func TestClient_InstanceExists(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/instance/connectionState/known-inst" {
			_, _ = w.Write([]byte(`{"instance":{"instanceName":"known-inst","state":"open"}}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	exists, err := client.InstanceExists(context.Background(), "known-inst")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = client.InstanceExists(context.Background(), "ghost-inst")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestClient_SetWebhook(t *testing.T) {
	var gotBody setWebhookRequest
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/webhook/set/clinic-inst", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
	}))

	err := client.SetWebhook(context.Background(), "clinic-inst", "https://app.example.com/webhook/whatsapp", []string{"MESSAGES_UPSERT", "MESSAGES_UPDATE"})
	require.NoError(t, err)

	assert.True(t, gotBody.Webhook.Enabled)
	assert.Equal(t, "https://app.example.com/webhook/whatsapp", gotBody.Webhook.URL)
	assert.Equal(t, []string{"MESSAGES_UPSERT", "MESSAGES_UPDATE"}, gotBody.Webhook.Events)
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"instance":{"instanceName":"clinic-inst","state":"open"}}`))
	}))

	state, err := client.ConnectionState(context.Background(), "clinic-inst")
	require.NoError(t, err)
	assert.Equal(t, "open", state.Instance.State)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"number is required"}`))
	}))

	_, err := client.SendText(context.Background(), "clinic-inst", SendTextRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrGateway)
	assert.True(t, apperrors.IsFatal(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestClient_UnauthorizedIsFatal(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.ConnectionState(context.Background(), "clinic-inst")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestClient_NotFoundSurfacesSentinel(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := client.ConnectionState(context.Background(), "ghost-inst")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
