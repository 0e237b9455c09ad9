package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/clinicdesk/wa-inbox-service/internal/apperrors"
	"github.com/clinicdesk/wa-inbox-service/internal/observer"
	"github.com/clinicdesk/wa-inbox-service/pkg/logger"
)

const (
	apiKeyHeader = "apikey"

	// Retry window for a single logical gateway call. The per-attempt
	// timeout lives on the http.Client.
	maxRetryElapsed      = 30 * time.Second
	initialRetryInterval = 250 * time.Millisecond
	maxRetryInterval     = 3 * time.Second
)

// Client talks to the WhatsApp gateway REST API. All operations carry the
// API key header and retry transient transport failures with exponential
// backoff; non-retryable responses surface as apperrors.ErrGateway.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a gateway client. requestTimeout bounds a single HTTP
// attempt, not the whole retry window.
func NewClient(baseURL, apiKey string, requestTimeout time.Duration) *Client {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// SendTextRequest is the body for a plain text send.
type SendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

// SendMediaRequest is the body for a media send. Media carries either a
// public URL or base64 content, matching the gateway's contract.
type SendMediaRequest struct {
	Number    string `json:"number"`
	MediaType string `json:"mediatype"`
	MimeType  string `json:"mimetype,omitempty"`
	Media     string `json:"media"`
	FileName  string `json:"fileName,omitempty"`
	Caption   string `json:"caption,omitempty"`
}

// SendResult is the gateway's acknowledgement of an outbound send.
type SendResult struct {
	Key struct {
		ID        string `json:"id"`
		RemoteJid string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
	} `json:"key"`
	Status           string `json:"status"`
	MessageTimestamp int64  `json:"messageTimestamp"`
}

// Base64Media is the gateway's response to a media content fetch.
type Base64Media struct {
	Base64   string `json:"base64"`
	MimeType string `json:"mimetype"`
	FileName string `json:"fileName"`
	Size     int64  `json:"size"`
}

// ConnectionStateResult reports the live state of one gateway instance.
type ConnectionStateResult struct {
	Instance ConnectionStateInstance `json:"instance"`
}

// ConnectionStateInstance is the per-instance block of a state report.
type ConnectionStateInstance struct {
	InstanceName string `json:"instanceName"`
	State        string `json:"state"`
}

type webhookConfig struct {
	Enabled bool     `json:"enabled"`
	URL     string   `json:"url"`
	Events  []string `json:"events"`
}

type setWebhookRequest struct {
	Webhook webhookConfig `json:"webhook"`
}

// SendText delivers a plain text message through the given instance.
func (c *Client) SendText(ctx context.Context, instance string, req SendTextRequest) (*SendResult, error) {
	var result SendResult
	path := "/message/sendText/" + url.PathEscape(instance)
	if err := c.doJSON(ctx, "send_text", http.MethodPost, path, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SendMedia delivers a media message through the given instance.
func (c *Client) SendMedia(ctx context.Context, instance string, req SendMediaRequest) (*SendResult, error) {
	var result SendResult
	path := "/message/sendMedia/" + url.PathEscape(instance)
	if err := c.doJSON(ctx, "send_media", http.MethodPost, path, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FetchBase64ForMessage retrieves the media content of a previously received
// message as base64. convertToMp4 asks the gateway to transcode video first.
func (c *Client) FetchBase64ForMessage(ctx context.Context, instance, gatewayMessageID string, convertToMp4 bool) (*Base64Media, error) {
	body := map[string]interface{}{
		"message": map[string]interface{}{
			"key": map[string]interface{}{"id": gatewayMessageID},
		},
		"convertToMp4": convertToMp4,
	}
	var result Base64Media
	path := "/chat/getBase64FromMediaMessage/" + url.PathEscape(instance)
	if err := c.doJSON(ctx, "fetch_base64", http.MethodPost, path, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ConnectionState probes the live connection state of an instance.
func (c *Client) ConnectionState(ctx context.Context, instance string) (*ConnectionStateResult, error) {
	var result ConnectionStateResult
	path := "/instance/connectionState/" + url.PathEscape(instance)
	if err := c.doJSON(ctx, "connection_state", http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// InstanceExists reports whether the gateway knows the given instance.
// A 404 from the gateway means "no" rather than an error.
func (c *Client) InstanceExists(ctx context.Context, instance string) (bool, error) {
	path := "/instance/connectionState/" + url.PathEscape(instance)
	err := c.doJSON(ctx, "instance_exists", http.MethodGet, path, nil, nil)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SetWebhook points the instance's webhook at url for the given event kinds.
func (c *Client) SetWebhook(ctx context.Context, instance, webhookURL string, events []string) error {
	body := setWebhookRequest{
		Webhook: webhookConfig{
			Enabled: true,
			URL:     webhookURL,
			Events:  events,
		},
	}
	path := "/webhook/set/" + url.PathEscape(instance)
	return c.doJSON(ctx, "set_webhook", http.MethodPost, path, body, nil)
}

// doJSON performs one logical gateway call with retries. reqBody may be nil;
// respOut may be nil when the caller only cares about the status.
func (c *Client) doJSON(ctx context.Context, operation, method, path string, reqBody, respOut interface{}) error {
	log := logger.FromContext(ctx).With(
		zap.String("gateway_operation", operation),
		zap.String("path", path),
	)

	var encoded []byte
	if reqBody != nil {
		var err error
		encoded, err = json.Marshal(reqBody)
		if err != nil {
			return apperrors.NewFatal(err, "failed to encode gateway request for %s", operation)
		}
	}

	start := time.Now()
	attempt := func() error {
		var bodyReader io.Reader
		if encoded != nil {
			bodyReader = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return backoff.Permanent(apperrors.NewFatal(err, "failed to build gateway request for %s", operation))
		}
		req.Header.Set(apiKeyHeader, c.apiKey)
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(apperrors.NewFatal(ctx.Err(), "gateway %s canceled", operation))
			}
			return apperrors.NewRetryable(fmt.Errorf("%w: %v", apperrors.ErrGateway, err), "gateway %s transport failure", operation)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if respOut == nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(respOut); err != nil {
				return backoff.Permanent(apperrors.NewFatal(
					fmt.Errorf("%w: decoding response: %v", apperrors.ErrGateway, err),
					"gateway %s returned an unreadable body", operation))
			}
			return nil
		}

		// Read a bounded slice of the error body for the log line.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("%w: gateway %s returned 404", apperrors.ErrNotFound, operation))
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(apperrors.NewFatal(
				fmt.Errorf("%w: status %d", apperrors.ErrUnauthorized, resp.StatusCode),
				"gateway rejected credentials for %s", operation))
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return apperrors.NewRetryable(
				fmt.Errorf("%w: status %d: %s", apperrors.ErrGateway, resp.StatusCode, strings.TrimSpace(string(snippet))),
				"gateway %s failed upstream", operation)
		default:
			return backoff.Permanent(apperrors.NewFatal(
				fmt.Errorf("%w: status %d: %s", apperrors.ErrGateway, resp.StatusCode, strings.TrimSpace(string(snippet))),
				"gateway %s rejected the request", operation))
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialRetryInterval
	policy.MaxInterval = maxRetryInterval
	policy.MaxElapsedTime = maxRetryElapsed

	err := backoff.RetryNotify(attempt, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		log.Warn("Retrying gateway call",
			zap.Error(err),
			zap.Duration("wait", wait))
	})

	duration := time.Since(start)
	observer.ObserveGatewayRequestDuration(operation, duration)
	if err != nil {
		observer.IncGatewayRequests(operation, "error")
		log.Error("Gateway call failed",
			zap.Error(err),
			zap.Duration("duration", duration))
		return err
	}
	observer.IncGatewayRequests(operation, "success")
	return nil
}
