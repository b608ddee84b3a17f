package identity

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"reservo/internal/apperr"
	"reservo/internal/lock"
	"reservo/internal/metrics"
	"reservo/internal/model"
)

type Options struct {
	CodeLength     int
	CodeTTL        time.Duration
	VerifiedTTL    time.Duration
	SendTimeout    time.Duration
	ProductionLike bool
	HashCost       int
}

func (o *Options) applyDefaults() {
	if o.CodeLength <= 0 {
		o.CodeLength = 6
	}
	if o.CodeTTL <= 0 {
		o.CodeTTL = 10 * time.Minute
	}
	if o.VerifiedTTL <= 0 {
		o.VerifiedTTL = 15 * time.Minute
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	if o.HashCost == 0 {
		o.HashCost = bcrypt.DefaultCost
	}
}

// IssueResult describes what happened to a verification request.
type IssueResult struct {
	Sent            bool      `json:"sent"`
	AlreadyVerified bool      `json:"already_verified"`
	ExpiresAt       time.Time `json:"expires_at"`
	// DebugCode is only filled outside production-like environments when nothing was sent.
	DebugCode string `json:"debug_code,omitempty"`
}

// Verifier issues and consumes phone verification codes.
type Verifier struct {
	store  CodeStore
	locker lock.Locker
	sender Sender
	opts   Options
	now    func() time.Time
	logger zerolog.Logger
}

func NewVerifier(store CodeStore, locker lock.Locker, sender Sender, opts Options, logger zerolog.Logger) *Verifier {
	opts.applyDefaults()
	return &Verifier{
		store:  store,
		locker: locker,
		sender: sender,
		opts:   opts,
		now:    time.Now,
		logger: logger.With().Str("component", "verification").Logger(),
	}
}

func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Issue sends a fresh code unless the phone is already verified.
func (v *Verifier) Issue(ctx context.Context, accountID int64, phone string) (IssueResult, error) {
	normalized := NormalizePhone(phone)
	if normalized == "" {
		return IssueResult{}, apperr.Validation("phone", "A valid phone number is required.")
	}
	log := v.logger.With().Int64("account_id", accountID).Str("phone_hash", PhoneHash(normalized)).Logger()

	verified, err := v.store.IsVerified(ctx, verifiedKey(accountID, normalized))
	if err != nil {
		return IssueResult{}, fmt.Errorf("check verified: %w", err)
	}
	if verified {
		return IssueResult{AlreadyVerified: true}, nil
	}

	release, err := v.locker.Lock(ctx, lockKey(accountID, normalized))
	if err != nil {
		return IssueResult{}, fmt.Errorf("lock verification: %w", err)
	}
	defer release()

	code, err := generateCode(v.opts.CodeLength)
	if err != nil {
		return IssueResult{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), v.opts.HashCost)
	if err != nil {
		return IssueResult{}, fmt.Errorf("hash code: %w", err)
	}
	if err := v.store.PutCode(ctx, codeKey(accountID, normalized), string(hash), v.opts.CodeTTL); err != nil {
		return IssueResult{}, fmt.Errorf("store code: %w", err)
	}
	metrics.IncVerification("issued")

	result := IssueResult{ExpiresAt: v.now().Add(v.opts.CodeTTL).UTC()}

	sendCtx, cancel := context.WithTimeout(ctx, v.opts.SendTimeout)
	defer cancel()
	sent, sendErr := v.sender.Send(sendCtx, Message{
		AccountID: accountID,
		Phone:     normalized,
		Body:      fmt.Sprintf("Your check-in code is %s", code),
	})
	result.Sent = sent && sendErr == nil

	if !result.Sent {
		log.Warn().Err(sendErr).Msg("Verification SMS not delivered")
		if v.opts.ProductionLike {
			return IssueResult{}, apperr.DownstreamUnavailable("Unable to send the verification code. Please try again.", sendErr)
		}
	}
	if !result.Sent && !v.opts.ProductionLike {
		result.DebugCode = code
	}
	log.Info().Bool("sent", result.Sent).Msg("Verification code issued")
	return result, nil
}

// Consume checks the code and, on success, replaces it with a verified marker.
func (v *Verifier) Consume(ctx context.Context, accountID int64, phone, code string) error {
	normalized := NormalizePhone(phone)
	code = strings.TrimSpace(code)
	if normalized == "" || code == "" {
		metrics.IncVerification("failed")
		return apperr.InvalidVerificationCode()
	}

	release, err := v.locker.Lock(ctx, lockKey(accountID, normalized))
	if err != nil {
		return fmt.Errorf("lock verification: %w", err)
	}
	defer release()

	ck := codeKey(accountID, normalized)
	hash, ok, err := v.store.GetCode(ctx, ck)
	if err != nil {
		return fmt.Errorf("load code: %w", err)
	}
	if !ok || bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) != nil {
		metrics.IncVerification("failed")
		return apperr.InvalidVerificationCode()
	}

	if err := v.store.Promote(ctx, ck, verifiedKey(accountID, normalized), v.opts.VerifiedTTL); err != nil {
		return fmt.Errorf("promote code: %w", err)
	}
	metrics.IncVerification("consumed")
	return nil
}

func (v *Verifier) IsVerified(ctx context.Context, accountID int64, phone string) (bool, error) {
	normalized := NormalizePhone(phone)
	if normalized == "" {
		return false, nil
	}
	return v.store.IsVerified(ctx, verifiedKey(accountID, normalized))
}

func (v *Verifier) MarkVerified(ctx context.Context, accountID int64, phone string) error {
	normalized := NormalizePhone(phone)
	if normalized == "" {
		return apperr.Validation("phone", "A valid phone number is required.")
	}
	return v.store.MarkVerified(ctx, verifiedKey(accountID, normalized), v.opts.VerifiedTTL)
}

// EnsureVerified passes when the account does not require verification, the phone is already
// verified, or code is valid.
func (v *Verifier) EnsureVerified(ctx context.Context, account *model.Account, phone, code string) error {
	if !account.KioskRequireSMSVerification {
		return nil
	}
	verified, err := v.IsVerified(ctx, account.ID, phone)
	if err != nil {
		return err
	}
	if verified {
		return nil
	}
	if strings.TrimSpace(code) == "" {
		return apperr.VerificationRequired()
	}
	return v.Consume(ctx, account.ID, phone, code)
}

func generateCode(length int) (string, error) {
	var b strings.Builder
	ten := big.NewInt(10)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}
