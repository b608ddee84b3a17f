package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"reservo/internal/metrics"
)

// ErrRateLimited is returned when an account exceeds its SMS budget.
var ErrRateLimited = errors.New("sms rate limit exceeded")

// Message is one outgoing SMS.
type Message struct {
	AccountID int64
	Phone     string
	Body      string
}

// Sender delivers SMS. It reports whether the message actually left the system.
type Sender interface {
	Send(ctx context.Context, msg Message) (bool, error)
}

// HTTPSender posts messages to a JSON gateway.
type HTTPSender struct {
	endpoint   string
	apiKey     string
	from       string
	retries    int
	backoff    time.Duration
	httpClient *http.Client
	logger     zerolog.Logger
}

type gatewayRequest struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Message string `json:"message"`
}

func NewHTTPSender(endpoint, apiKey, from string, timeout time.Duration, retries int, logger zerolog.Logger) *HTTPSender {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSender{
		endpoint:   endpoint,
		apiKey:     apiKey,
		from:       from,
		retries:    retries,
		backoff:    200 * time.Millisecond,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "sms").Logger(),
	}
}

func (s *HTTPSender) Send(ctx context.Context, msg Message) (bool, error) {
	body, err := json.Marshal(gatewayRequest{To: msg.Phone, From: s.from, Message: msg.Body})
	if err != nil {
		return false, err
	}

	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(s.backoff * time.Duration(attempt)):
			}
		}
		lastErr = s.post(ctx, body)
		if lastErr == nil {
			metrics.IncSMS("sent")
			return true, nil
		}
		s.logger.Warn().Err(lastErr).
			Int("attempt", attempt+1).
			Str("phone_hash", PhoneHash(NormalizePhone(msg.Phone))).
			Msg("SMS gateway call failed")
	}
	metrics.IncSMS("failed")
	return false, lastErr
}

func (s *HTTPSender) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway: http %d", resp.StatusCode)
	}
	return nil
}

// LimitedSender applies a per-account token bucket in front of another Sender.
type LimitedSender struct {
	next     Sender
	perMin   int
	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

func NewLimitedSender(next Sender, perMinute int) *LimitedSender {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &LimitedSender{next: next, perMin: perMinute, limiters: make(map[int64]*rate.Limiter)}
}

func (s *LimitedSender) limiter(accountID int64) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[accountID]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(s.perMin)), s.perMin)
		s.limiters[accountID] = l
	}
	return l
}

func (s *LimitedSender) Send(ctx context.Context, msg Message) (bool, error) {
	if !s.limiter(msg.AccountID).Allow() {
		metrics.IncSMS("rate_limited")
		return false, ErrRateLimited
	}
	return s.next.Send(ctx, msg)
}

// LogSender never sends; it is used in local and testing environments.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "sms").Logger()}
}

func (s *LogSender) Send(_ context.Context, msg Message) (bool, error) {
	s.logger.Info().
		Int64("account_id", msg.AccountID).
		Str("phone_hash", PhoneHash(NormalizePhone(msg.Phone))).
		Msg("SMS suppressed in this environment")
	metrics.IncSMS("suppressed")
	return false, nil
}
