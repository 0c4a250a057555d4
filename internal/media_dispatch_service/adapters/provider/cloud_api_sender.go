package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/aradsms/dashboard_services/internal/media_dispatch_service/app"
	"github.com/aradsms/dashboard_services/internal/media_dispatch_service/domain"
)

// IsPermanent reports whether a send error should not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, domain.ErrPermanentSend)
}

// CloudAPISender sends media messages through a Graph-style messaging API.
type CloudAPISender struct {
	logger        *slog.Logger
	httpClient    *http.Client
	baseURL       string
	phoneNumberID string
	accessToken   string
	limiter       *rate.Limiter
}

// NewCloudAPISender creates a sender. ratePerSec <= 0 disables client-side throttling.
func NewCloudAPISender(logger *slog.Logger, baseURL, phoneNumberID, accessToken string, ratePerSec int, httpClient *http.Client) *CloudAPISender {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)
	}
	return &CloudAPISender{
		logger:        logger.With("provider", "cloud_api"),
		httpClient:    httpClient,
		baseURL:       strings.TrimRight(baseURL, "/"),
		phoneNumberID: phoneNumberID,
		accessToken:   accessToken,
		limiter:       limiter,
	}
}

// MediaMessageRequest is the request body of the messages endpoint for an image.
type MediaMessageRequest struct {
	MessagingProduct string       `json:"messaging_product"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Image            ImagePayload `json:"image"`
}

type ImagePayload struct {
	Link    string `json:"link"`
	Caption string `json:"caption,omitempty"`
}

// MessagesResponse is the success body; messages[0].id is the provider message id.
type MessagesResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// ErrorResponse is the error body returned with non-2xx responses.
type ErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (p *CloudAPISender) SendMedia(ctx context.Context, recipient, mediaURL, caption string) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter wait: %w", err)
	}
	timer := prometheus.NewTimer(app.ProviderSendDurationHist.WithLabelValues(p.GetName()))
	defer timer.ObserveDuration()

	body := MediaMessageRequest{
		MessagingProduct: "whatsapp",
		To:               recipient,
		Type:             "image",
		Image:            ImagePayload{Link: mediaURL, Caption: caption},
	}
	reqBytes, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal media request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", p.baseURL, p.phoneNumberID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.accessToken)

	p.logger.DebugContext(ctx, "Sending media message", "url", url, "recipient", recipient)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request to provider: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read provider response (status %d): %w", httpResp.StatusCode, err)
	}

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		var ok MessagesResponse
		if err := json.Unmarshal(respBody, &ok); err != nil || len(ok.Messages) == 0 || ok.Messages[0].ID == "" {
			// Accepted without an id we can correlate status events to; retrying could double-send.
			p.logger.WarnContext(ctx, "Provider accepted message without a message id", "status_code", httpResp.StatusCode, "body", truncate(respBody))
			return "", fmt.Errorf("provider response without message id (status %d): %w", httpResp.StatusCode, domain.ErrPermanentSend)
		}
		return ok.Messages[0].ID, nil
	}

	errMsg := fmt.Sprintf("provider error: status %d", httpResp.StatusCode)
	var apiErr ErrorResponse
	if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Error.Message != "" {
		errMsg = fmt.Sprintf("provider error: status %d, code %d, message: %s", httpResp.StatusCode, apiErr.Error.Code, apiErr.Error.Message)
	} else if len(respBody) > 0 {
		errMsg = fmt.Sprintf("provider error: status %d, raw_body: %s", httpResp.StatusCode, truncate(respBody))
	}

	if isPermanentStatus(httpResp.StatusCode) {
		return "", fmt.Errorf("%s: %w", errMsg, domain.ErrPermanentSend)
	}
	return "", errors.New(errMsg)
}

func (p *CloudAPISender) GetName() string {
	return "cloud_api"
}

func isPermanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout
}

func truncate(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
