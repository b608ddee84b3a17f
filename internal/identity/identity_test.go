package identity

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"reservo/internal/apperr"
	"reservo/internal/lock"
	"reservo/internal/model"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"514-555-0100", "15145550100"},
		{"15145550100", "15145550100"},
		{"+1 (514) 555-0100", "15145550100"},
		{"0033123456789", "33123456789"},
		{"555-0100", "5550100"},
		{"", ""},
		{"call me", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePhone(tt.in))
		})
	}
	assert.True(t, SamePhone("514-555-0100", "15145550100"))
	assert.False(t, SamePhone("", ""))
}

func TestMaskAndAnonymize(t *testing.T) {
	assert.Equal(t, "*******0100", MaskPhone("514-555-0100"))
	assert.Equal(t, "Jane D.", AnonymizeName("Jane doe"))
	assert.Equal(t, "", AnonymizeName("  "))
	assert.Len(t, PhoneHash("15145550100"), 40)
}

type MockCustomerStore struct {
	mock.Mock
}

func (m *MockCustomerStore) FindCustomerCandidates(ctx context.Context, accountID int64, raw, normalized string, limit int) ([]model.Customer, error) {
	args := m.Called(ctx, accountID, raw, normalized, limit)
	customers, _ := args.Get(0).([]model.Customer)
	return customers, args.Error(1)
}

func TestMatcher_RequiresExactNormalizedMatch(t *testing.T) {
	store := new(MockCustomerStore)
	store.On("FindCustomerCandidates", mock.Anything, int64(1), "514-555-0100", "15145550100", candidateLimit).
		Return([]model.Customer{
			{ID: 1, Phone: "44 5145550100"},
			{ID: 2, Phone: "(514) 555-0100"},
		}, nil)

	c, err := NewMatcher(store).FindCustomerByPhone(context.Background(), 1, "514-555-0100")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.EqualValues(t, 2, c.ID)
	store.AssertExpectations(t)
}

func TestMatcher_NoExactMatch(t *testing.T) {
	store := new(MockCustomerStore)
	store.On("FindCustomerCandidates", mock.Anything, int64(1), mock.Anything, mock.Anything, mock.Anything).
		Return([]model.Customer{{ID: 1, Phone: "44 5145550100"}}, nil)

	c, err := NewMatcher(store).FindCustomerByPhone(context.Background(), 1, "5145550100")
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = NewMatcher(store).FindCustomerByPhone(context.Background(), 1, "no digits")
	require.NoError(t, err)
	assert.Nil(t, c)
}

type captureSender struct {
	last Message
	sent bool
	err  error
}

func (s *captureSender) Send(_ context.Context, msg Message) (bool, error) {
	s.last = msg
	return s.sent, s.err
}

func codeFrom(msg Message) string {
	return msg.Body[len(msg.Body)-6:]
}

func newRedisVerifier(t *testing.T, sender Sender, production bool) (*Verifier, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	v := NewVerifier(NewRedisStore(client), lock.NewRedisLocker(client, "", time.Second), sender, Options{
		ProductionLike: production,
		HashCost:       bcrypt.MinCost,
	}, zerolog.New(io.Discard))
	return v, mr
}

func TestVerifier_IssueAndConsume(t *testing.T) {
	sender := &captureSender{sent: true}
	v, mr := newRedisVerifier(t, sender, true)
	ctx := context.Background()

	res, err := v.Issue(ctx, 7, "514-555-0100")
	require.NoError(t, err)
	assert.True(t, res.Sent)
	assert.Empty(t, res.DebugCode)
	assert.Equal(t, "15145550100", sender.last.Phone)

	stored, err := mr.Get(codeKey(7, "15145550100"))
	require.NoError(t, err)
	assert.NotContains(t, stored, codeFrom(sender.last))

	err = v.Consume(ctx, 7, "15145550100", "000000x")
	assert.ErrorIs(t, err, apperr.ErrInvalidVerificationCode)

	require.NoError(t, v.Consume(ctx, 7, "15145550100", codeFrom(sender.last)))
	assert.False(t, mr.Exists(codeKey(7, "15145550100")))

	ok, err := v.IsVerified(ctx, 7, "514 555 0100")
	require.NoError(t, err)
	assert.True(t, ok)

	// A consumed code cannot be spent twice.
	err = v.Consume(ctx, 7, "15145550100", codeFrom(sender.last))
	assert.ErrorIs(t, err, apperr.ErrInvalidVerificationCode)

	again, err := v.Issue(ctx, 7, "15145550100")
	require.NoError(t, err)
	assert.True(t, again.AlreadyVerified)
}

func TestVerifier_CodeExpires(t *testing.T) {
	sender := &captureSender{sent: true}
	v, mr := newRedisVerifier(t, sender, true)
	ctx := context.Background()

	_, err := v.Issue(ctx, 7, "514-555-0100")
	require.NoError(t, err)
	mr.FastForward(11 * time.Minute)

	err = v.Consume(ctx, 7, "514-555-0100", codeFrom(sender.last))
	assert.ErrorIs(t, err, apperr.ErrInvalidVerificationCode)
}

func TestVerifier_SendFailure(t *testing.T) {
	failing := &captureSender{err: errors.New("gateway down")}

	prod, _ := newRedisVerifier(t, failing, true)
	_, err := prod.Issue(context.Background(), 1, "514-555-0100")
	assert.ErrorIs(t, err, apperr.ErrDownstreamUnavailable)

	local, _ := newRedisVerifier(t, failing, false)
	res, err := local.Issue(context.Background(), 1, "514-555-0100")
	require.NoError(t, err)
	assert.False(t, res.Sent)
	assert.Len(t, res.DebugCode, 6)

	undelivered := &captureSender{}
	prod, _ = newRedisVerifier(t, undelivered, true)
	_, err = prod.Issue(context.Background(), 1, "514-555-0100")
	assert.ErrorIs(t, err, apperr.ErrDownstreamUnavailable, "a sender that reports nothing sent fails in production")

	prod, _ = newRedisVerifier(t, NewLogSender(zerolog.New(io.Discard)), true)
	_, err = prod.Issue(context.Background(), 1, "514-555-0100")
	assert.ErrorIs(t, err, apperr.ErrDownstreamUnavailable)
}

func TestVerifier_IssueHoldsPhoneLock(t *testing.T) {
	locker := lock.NewKeyedMutex()
	sender := &captureSender{sent: true}
	v := NewVerifier(NewMemoryStore(), locker, sender, Options{HashCost: bcrypt.MinCost}, zerolog.New(io.Discard))

	release, err := locker.Lock(context.Background(), lockKey(1, NormalizePhone("514-555-0100")))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = v.Issue(ctx, 1, "514-555-0100")
	assert.ErrorIs(t, err, lock.ErrNotAcquired)
	assert.Empty(t, sender.last.Body, "no code is sent while another request holds the phone")

	release()
	res, err := v.Issue(context.Background(), 1, "514-555-0100")
	require.NoError(t, err)
	assert.True(t, res.Sent)
	assert.NotEmpty(t, sender.last.Body)
}

func TestVerifier_EnsureVerified(t *testing.T) {
	v := NewVerifier(NewMemoryStore(), lock.NewKeyedMutex(), NewLogSender(zerolog.New(io.Discard)),
		Options{HashCost: bcrypt.MinCost}, zerolog.New(io.Discard))
	ctx := context.Background()

	open := &model.Account{ID: 1}
	require.NoError(t, v.EnsureVerified(ctx, open, "514-555-0100", ""))

	strict := &model.Account{ID: 2, KioskRequireSMSVerification: true}
	assert.ErrorIs(t, v.EnsureVerified(ctx, strict, "514-555-0100", ""), apperr.ErrVerificationRequired)

	res, err := v.Issue(ctx, 2, "514-555-0100")
	require.NoError(t, err)
	require.NotEmpty(t, res.DebugCode)
	require.NoError(t, v.EnsureVerified(ctx, strict, "514-555-0100", res.DebugCode))
	require.NoError(t, v.EnsureVerified(ctx, strict, "15145550100", ""))
}

func TestMemoryStore_Expiry(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.MarkVerified(ctx, "k", time.Minute))
	ok, _ := s.IsVerified(ctx, "k")
	assert.True(t, ok)

	now = now.Add(time.Minute)
	ok, _ = s.IsVerified(ctx, "k")
	assert.False(t, ok)
}

func TestHTTPSender_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var body gatewayRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "15145550100", body.To)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, "secret", "Reservo", time.Second, 2, zerolog.New(io.Discard))
	s.backoff = time.Millisecond

	sent, err := s.Send(context.Background(), Message{Phone: "15145550100", Body: "hi"})
	require.NoError(t, err)
	assert.True(t, sent)
	assert.EqualValues(t, 2, calls.Load())
}

func TestHTTPSender_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, "", "", time.Second, 1, zerolog.New(io.Discard))
	s.backoff = time.Millisecond

	sent, err := s.Send(context.Background(), Message{Phone: "1", Body: "hi"})
	assert.Error(t, err)
	assert.False(t, sent)
}

func TestLimitedSender_PerAccount(t *testing.T) {
	next := &captureSender{sent: true}
	s := NewLimitedSender(next, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		sent, err := s.Send(ctx, Message{AccountID: 1, Phone: "1"})
		require.NoError(t, err)
		assert.True(t, sent)
	}
	_, err := s.Send(ctx, Message{AccountID: 1, Phone: "1"})
	assert.ErrorIs(t, err, ErrRateLimited)

	sent, err := s.Send(ctx, Message{AccountID: 2, Phone: "1"})
	require.NoError(t, err)
	assert.True(t, sent)
}
