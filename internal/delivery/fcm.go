package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const fcmSendPath = "/fcm/send"

// FCM error strings that mean the registration token is gone for good.
var fcmPermanentCodes = map[string]string{
	"NotRegistered":       CodeTokenNotRegistered,
	"MismatchSenderId":    CodeTokenNotRegistered,
	"InvalidRegistration": CodeInvalidToken,
	"MissingRegistration": CodeInvalidToken,
}

// FCMOptions parameterise the FCM sender.
type FCMOptions struct {
	BaseURL   string
	ServerKey string
	Timeout   time.Duration
}

// FCMSender pushes messages through the Firebase Cloud Messaging HTTP API.
type FCMSender struct {
	opts    FCMOptions
	client  *http.Client
	baseURL string
	logger  zerolog.Logger
}

// NewFCMSender constructs the FCM delivery client.
func NewFCMSender(opts FCMOptions, logger zerolog.Logger) *FCMSender {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://fcm.googleapis.com"
	}

	return &FCMSender{
		opts:    opts,
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		logger:  logger.With().Str("component", "fcm_sender").Logger(),
	}
}

type fcmMessage struct {
	To           string            `json:"to"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

// Send delivers one notification to a device token and classifies the
// outcome as success, permanent failure, or transient failure.
func (f *FCMSender) Send(ctx context.Context, token, title, body string, data map[string]string) error {
	if f.opts.ServerKey == "" {
		return &TransientError{Code: "not-configured"}
	}

	payload, err := json.Marshal(fcmMessage{
		To:           token,
		Notification: fcmNotification{Title: title, Body: body},
		Data:         data,
	})
	if err != nil {
		return &TransientError{Code: "marshal", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+fcmSendPath, bytes.NewReader(payload))
	if err != nil {
		return &TransientError{Code: "request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+f.opts.ServerKey)

	resp, err := f.client.Do(req)
	if err != nil {
		return &TransientError{Code: "network", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to the per-result check below
	case resp.StatusCode == http.StatusUnauthorized:
		// Bad server key is an operator problem, not a dead token.
		return &TransientError{Code: "unauthorized"}
	case resp.StatusCode >= 500:
		return &TransientError{Code: fmt.Sprintf("status-%d", resp.StatusCode)}
	default:
		return &TransientError{Code: fmt.Sprintf("status-%d", resp.StatusCode)}
	}

	var result fcmResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return &TransientError{Code: "decode", Err: err}
	}

	if result.Failure == 0 {
		f.logger.Debug().Msg("notification delivered")
		return nil
	}

	for _, r := range result.Results {
		if r.Error == "" {
			continue
		}
		if code, ok := fcmPermanentCodes[r.Error]; ok {
			return &PermanentError{Code: code}
		}
		return &TransientError{Code: r.Error}
	}
	return &TransientError{Code: "unknown-failure"}
}

var _ Sender = (*FCMSender)(nil)

// LogSender writes notifications to the log instead of delivering them.
// Used in development and when no server key is configured.
type LogSender struct {
	Logger zerolog.Logger
}

func (l *LogSender) Send(ctx context.Context, token, title, body string, data map[string]string) error {
	l.Logger.Info().
		Str("token", truncateToken(token)).
		Str("title", title).
		Str("body", body).
		Msg("notification (log sink)")
	return nil
}

func truncateToken(token string) string {
	if len(token) <= 12 {
		return token
	}
	return token[:12] + "…"
}

var _ Sender = (*LogSender)(nil)
