package syncmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"chatsync/internal/errors"
	"chatsync/internal/retry"
	"chatsync/pkg/outbox"

	"github.com/sirupsen/logrus"
)

// HTTPSender is the REST fallback path for outbox entries, used when no
// websocket channel is available. The create endpoint is idempotent on the
// client-assigned id, so short transport-level retries inside one Send are
// safe.
type HTTPSender struct {
	baseURL string
	token   string
	client  *http.Client
	backoff *retry.Backoff
	logger  *logrus.Logger
}

func NewHTTPSender(baseURL, token string, logger *logrus.Logger) *HTTPSender {
	return &HTTPSender{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
		backoff: retry.NewBackoff(retry.BackoffConfig{
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
			MaxAttempts:  2,
			Jitter:       true,
		}),
		logger: logger,
	}
}

// Send posts the entry to the messages endpoint and returns the
// server-assigned message id. Network failures and 5xx responses are
// retryable; 4xx responses are terminal.
func (s *HTTPSender) Send(ctx context.Context, entry *outbox.Entry) (string, error) {
	var messageID string
	err := s.backoff.RetryWithPredicate(ctx, func() error {
		id, err := s.post(ctx, entry)
		if err != nil {
			return err
		}
		messageID = id
		return nil
	}, errors.IsRetryable)
	return messageID, err
}

func (s *HTTPSender) post(ctx context.Context, entry *outbox.Entry) (string, error) {
	body, err := json.Marshal(entry.SendPayload())
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternalError, "failed to encode send payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternalError, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", errors.NewTransientDelivery(err, "message send failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return "", errors.NewTransientDelivery(
			fmt.Errorf("server responded %d", resp.StatusCode), "message send failed")
	}
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		s.logger.WithFields(logrus.Fields{
			"entry":  entry.ID,
			"status": resp.StatusCode,
			"body":   string(payload),
		}).Warn("Server rejected outbox entry")
		return "", errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("server rejected message with status %d", resp.StatusCode))
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", errors.NewTransientDelivery(err, "failed to decode create response")
	}
	return created.ID, nil
}
