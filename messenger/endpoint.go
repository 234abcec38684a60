package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"sync/atomic"
	"time"

	"sph-notifier/pkg/notifier"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"
)

// EndpointProvider sends messages to the bot's HTTP endpoint.
type EndpointProvider struct {
	client   *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
	endpoint string
	token    string
}

// NewEndpointProvider creates a provider posting to endpoint with the given access token.
// perSecond limits outbound sends; zero or less disables the limit.
func NewEndpointProvider(client *http.Client, endpoint, token string, perSecond float64, logger *slog.Logger) *EndpointProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &EndpointProvider{
		client:   client,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
		endpoint: endpoint,
		token:    token,
	}
}

type sendRequest struct {
	AuthToken string `json:"authtoken"`
	Message   string `json:"message"`
	UserID    int64  `json:"userID"`
}

type sendResponse struct {
	Success *bool `json:"success"`
}

// Send posts a message for userID and checks the endpoint's success flag.
// An explicit success=false is not retried. Neither is a transport error once
// the request has been written, since the endpoint may already have delivered it.
func (p *EndpointProvider) Send(ctx context.Context, userID int64, text string) error {
	jsonData, err := json.Marshal(sendRequest{
		AuthToken: p.token,
		Message:   text,
		UserID:    userID,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	err = retry.Do(
		func() error {
			if err := p.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(fmt.Errorf("wait for rate limit: %w", err))
			}

			p.logger.Debug("Messenger request starting",
				"method", "POST",
				"user_id", userID)

			startTime := time.Now()
			var wrote atomic.Bool
			trace := &httptrace.ClientTrace{
				WroteRequest: func(info httptrace.WroteRequestInfo) { wrote.Store(info.Err == nil) },
			}
			req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodPost, p.endpoint, bytes.NewReader(jsonData))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := p.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				if wrote.Load() {
					p.logger.Warn("Messenger request failed after it was sent, not retrying",
						"user_id", userID,
						"duration_ms", duration.Milliseconds(),
						"error", err)
					return retry.Unrecoverable(fmt.Errorf("request sent, reply lost: %w", err))
				}
				p.logger.Warn("Messenger request failed, will retry",
					"user_id", userID,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					p.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				p.logger.Warn("Messenger returned non-2xx status",
					"status_code", resp.StatusCode,
					"user_id", userID)
				statusErr := fmt.Errorf("HTTP %d", resp.StatusCode)
				// A gateway timeout may hide a delivered message.
				if resp.StatusCode >= http.StatusInternalServerError && resp.StatusCode != http.StatusGatewayTimeout {
					return statusErr
				}
				return retry.Unrecoverable(statusErr)
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}
			var reply sendResponse
			if err := json.Unmarshal(body, &reply); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
			}
			if reply.Success == nil {
				return retry.Unrecoverable(errors.New("response has no success flag"))
			}
			if !*reply.Success {
				return retry.Unrecoverable(errors.New("endpoint reported failure"))
			}

			p.logger.Info("Messenger request completed",
				"user_id", userID,
				"duration_ms", duration.Milliseconds(),
				"status", "success")
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Info("Retrying message send after error", "attempt", n, "user_id", userID, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("%w: send message: %w", notifier.ErrNotification, err)
	}
	return nil
}
