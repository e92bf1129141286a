// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-authgate.
//
// go-authgate is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package mfa

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/jeremyhahn/go-authgate/pkg/audit"
	"github.com/jeremyhahn/go-authgate/pkg/logging"
	"github.com/jeremyhahn/go-authgate/pkg/metrics"
	"github.com/jeremyhahn/go-authgate/pkg/ratelimit"
)

const (
	// DefaultCodeTTL is how long a delivered code remains valid.
	DefaultCodeTTL = 5 * time.Minute

	// DefaultMaxAttempts is the failed-attempt budget per delivered code.
	DefaultMaxAttempts = 5

	// DefaultRecoveryCodeCount is how many recovery codes a batch contains.
	DefaultRecoveryCodeCount = 10

	// codeDigits is the length of delivered verification codes.
	codeDigits = 6

	// verifyOperation is the rate limit operation name for verifications.
	verifyOperation = "mfa_verify"
)

// Engine orchestrates MFA enrollment, code delivery, and verification.
type Engine struct {
	enrollments EnrollmentStore
	codes       CodeStore
	recovery    RecoveryStore
	sender      Sender
	limiter     *ratelimit.Limiter
	limitPolicy ratelimit.Policy
	auditor     *audit.Logger
	issuer      string
	codeTTL     time.Duration
	maxAttempts int
	logger      *logging.Logger
	now         func() time.Time
}

// EngineParams holds the dependencies for creating an Engine.
type EngineParams struct {
	// Enrollments is the enrollment persistence backend. Required.
	Enrollments EnrollmentStore

	// Codes is the live code persistence backend. Required.
	Codes CodeStore

	// Recovery is the recovery code backend. Optional; recovery operations
	// fail with ErrUnsupportedMethod when absent.
	Recovery RecoveryStore

	// Sender delivers SMS and email codes. Optional; SendCode fails for
	// delivery methods when absent.
	Sender Sender

	// RateLimiter gates verification attempts. Optional.
	RateLimiter *ratelimit.Limiter

	// RateLimitPolicy is the per-user verification limit.
	RateLimitPolicy ratelimit.Policy

	// Audit records verification outcomes. Optional.
	Audit *audit.Logger

	// Issuer is the TOTP issuer name shown in authenticator apps. Required.
	Issuer string

	// CodeTTL is the delivered code lifetime. Defaults to DefaultCodeTTL.
	CodeTTL time.Duration

	// MaxAttempts is the failed-attempt budget per code.
	// Defaults to DefaultMaxAttempts.
	MaxAttempts int

	// Logger for operational logging. Defaults to the standard logger.
	Logger *logging.Logger
}

// NewEngine creates an MFA engine.
func NewEngine(params EngineParams) (*Engine, error) {
	if params.Enrollments == nil {
		return nil, errors.New("mfa: enrollment store is required")
	}
	if params.Codes == nil {
		return nil, errors.New("mfa: code store is required")
	}
	if params.Issuer == "" {
		return nil, errors.New("mfa: issuer is required")
	}
	if params.CodeTTL <= 0 {
		params.CodeTTL = DefaultCodeTTL
	}
	if params.MaxAttempts <= 0 {
		params.MaxAttempts = DefaultMaxAttempts
	}
	if params.Logger == nil {
		params.Logger = logging.DefaultLogger()
	}
	return &Engine{
		enrollments: params.Enrollments,
		codes:       params.Codes,
		recovery:    params.Recovery,
		sender:      params.Sender,
		limiter:     params.RateLimiter,
		limitPolicy: params.RateLimitPolicy,
		auditor:     params.Audit,
		issuer:      params.Issuer,
		codeTTL:     params.CodeTTL,
		maxAttempts: params.MaxAttempts,
		logger:      params.Logger,
		now:         time.Now,
	}, nil
}

// SetupResult is returned from TOTP enrollment setup.
type SetupResult struct {
	// Secret is the base32-encoded shared secret.
	Secret string `json:"secret"`

	// URL is the otpauth:// provisioning URI for QR code display.
	URL string `json:"url"`
}

// SetupTOTP generates a TOTP secret for the user and stores the enrollment.
// The returned secret and provisioning URL are shown to the user exactly once.
func (e *Engine) SetupTOTP(ctx context.Context, userID, accountName string) (*SetupResult, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: accountName,
	})
	if err != nil {
		return nil, fmt.Errorf("mfa: generate totp secret: %w", err)
	}

	enrollment := &Enrollment{
		UserID:    userID,
		Method:    MethodTOTP,
		Secret:    key.Secret(),
		CreatedAt: e.now().UTC(),
	}
	if err := e.enrollments.Save(ctx, enrollment); err != nil {
		return nil, err
	}

	return &SetupResult{
		Secret: key.Secret(),
		URL:    key.URL(),
	}, nil
}

// Enroll registers a delivery-based method (SMS or email) for the user.
func (e *Engine) Enroll(ctx context.Context, userID string, method Method, destination string) error {
	if method != MethodSMS && method != MethodEmail {
		return ErrUnsupportedMethod
	}
	if destination == "" {
		return errors.New("mfa: destination is required")
	}
	return e.enrollments.Save(ctx, &Enrollment{
		UserID:      userID,
		Method:      method,
		Destination: destination,
		CreatedAt:   e.now().UTC(),
	})
}

// Unenroll removes the user's enrollment for the method.
func (e *Engine) Unenroll(ctx context.Context, userID string, method Method) error {
	return e.enrollments.Delete(ctx, userID, method)
}

// Methods returns the MFA methods the user is enrolled in.
func (e *Engine) Methods(ctx context.Context, userID string) ([]Method, error) {
	enrollments, err := e.enrollments.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	methods := make([]Method, 0, len(enrollments))
	for _, enrollment := range enrollments {
		methods = append(methods, enrollment.Method)
	}
	return methods, nil
}

// SendCode generates a fresh verification code and delivers it to the user's
// enrolled destination. Any prior live code for the same method is replaced.
func (e *Engine) SendCode(ctx context.Context, userID string, method Method) error {
	if method != MethodSMS && method != MethodEmail {
		return ErrUnsupportedMethod
	}
	if e.sender == nil {
		return errors.New("mfa: no sender configured")
	}

	enrollment, err := e.enrollments.Get(ctx, userID, method)
	if err != nil {
		return err
	}

	value, err := generateCode()
	if err != nil {
		return err
	}

	code := &Code{
		UserID:    userID,
		Method:    method,
		Value:     value,
		ExpiresAt: e.now().UTC().Add(e.codeTTL),
	}
	if err := e.codes.Save(ctx, code); err != nil {
		return err
	}

	if err := e.sender.Send(ctx, method, enrollment.Destination, value); err != nil {
		// Undelivered codes must not stay live.
		if delErr := e.codes.Delete(ctx, userID, method); delErr != nil {
			e.logger.Error("failed to remove undelivered code",
				"user_id", userID, "error", delErr)
		}
		return fmt.Errorf("mfa: deliver code: %w", err)
	}
	return nil
}

// Verify checks the presented code for the user's enrolled method.
//
// TOTP is verified against the enrolled secret. Delivery codes must match the
// live code for (user, method); a match consumes the code, a mismatch counts
// against the attempt budget, and exhausting the budget invalidates the code.
// Every outcome produces an audit entry.
func (e *Engine) Verify(ctx context.Context, userID string, method Method, code string) error {
	if !method.Valid() {
		return ErrUnsupportedMethod
	}

	if e.limiter != nil {
		if err := e.limiter.Allow(ctx, "user:"+userID, verifyOperation, e.limitPolicy); err != nil {
			return err
		}
	}

	var err error
	switch method {
	case MethodTOTP:
		err = e.verifyTOTP(ctx, userID, code)
	default:
		err = e.verifyCode(ctx, userID, method, code)
	}

	e.recordVerification(ctx, userID, method, err)
	return err
}

func (e *Engine) verifyTOTP(ctx context.Context, userID, code string) error {
	enrollment, err := e.enrollments.Get(ctx, userID, MethodTOTP)
	if err != nil {
		return err
	}
	if !totp.Validate(code, enrollment.Secret) {
		return ErrCodeMismatch
	}
	return nil
}

func (e *Engine) verifyCode(ctx context.Context, userID string, method Method, presented string) error {
	if _, err := e.enrollments.Get(ctx, userID, method); err != nil {
		return err
	}

	code, err := e.codes.Get(ctx, userID, method)
	if err != nil {
		return err
	}

	if code.Expired(e.now()) {
		if delErr := e.codes.Delete(ctx, userID, method); delErr != nil {
			e.logger.Error("failed to remove expired code",
				"user_id", userID, "error", delErr)
		}
		return ErrCodeExpired
	}

	if subtle.ConstantTimeCompare([]byte(code.Value), []byte(presented)) != 1 {
		attempts, incrErr := e.codes.IncrAttempts(ctx, userID, method)
		if incrErr != nil {
			return incrErr
		}
		if attempts >= e.maxAttempts {
			if delErr := e.codes.Delete(ctx, userID, method); delErr != nil {
				e.logger.Error("failed to remove exhausted code",
					"user_id", userID, "error", delErr)
			}
			return ErrTooManyAttempts
		}
		return ErrCodeMismatch
	}

	return e.codes.Delete(ctx, userID, method)
}

// GenerateRecoveryCodes creates a fresh batch of single-use recovery codes,
// replacing any existing batch. The plaintext codes are returned exactly once;
// only bcrypt hashes are stored.
func (e *Engine) GenerateRecoveryCodes(ctx context.Context, userID string) ([]string, error) {
	if e.recovery == nil {
		return nil, ErrUnsupportedMethod
	}

	now := e.now().UTC()
	plaintexts := make([]string, 0, DefaultRecoveryCodeCount)
	codes := make([]*RecoveryCode, 0, DefaultRecoveryCodeCount)
	for i := 0; i < DefaultRecoveryCodeCount; i++ {
		value, err := generateRecoveryCode()
		if err != nil {
			return nil, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(value), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("mfa: hash recovery code: %w", err)
		}
		plaintexts = append(plaintexts, value)
		codes = append(codes, &RecoveryCode{
			UserID:    userID,
			Hash:      hash,
			CreatedAt: now,
		})
	}

	if err := e.recovery.Replace(ctx, userID, codes); err != nil {
		return nil, err
	}
	return plaintexts, nil
}

// VerifyRecoveryCode checks a recovery code and consumes it on success.
func (e *Engine) VerifyRecoveryCode(ctx context.Context, userID, code string) error {
	if e.recovery == nil {
		return ErrUnsupportedMethod
	}

	if e.limiter != nil {
		if err := e.limiter.Allow(ctx, "user:"+userID, verifyOperation, e.limitPolicy); err != nil {
			return err
		}
	}

	unused, err := e.recovery.ListUnused(ctx, userID)
	if err != nil {
		return err
	}

	for _, rc := range unused {
		if bcrypt.CompareHashAndPassword(rc.Hash, []byte(code)) == nil {
			if err := e.recovery.MarkUsed(ctx, userID, rc.Hash); err != nil {
				return err
			}
			e.record(ctx, userID, audit.ActionRecovery, true, "")
			return nil
		}
	}

	e.record(ctx, userID, audit.ActionRecovery, false, "recovery code invalid")
	return ErrRecoveryCodeInvalid
}

func (e *Engine) recordVerification(ctx context.Context, userID string, method Method, err error) {
	status := metrics.StatusSuccess
	reason := ""
	if err != nil {
		status = metrics.StatusFailure
		reason = err.Error()
	}
	metrics.RecordMFAVerification(string(method), status)
	e.record(ctx, userID, audit.ActionAuthenticate, err == nil, reason)
}

func (e *Engine) record(ctx context.Context, userID string, action audit.Action, success bool, reason string) {
	if e.auditor == nil {
		return
	}
	e.auditor.Record(ctx, &audit.Entry{
		UserID:  userID,
		Action:  action,
		Success: success,
		Reason:  reason,
	})
}

// generateCode returns a uniformly random numeric code of codeDigits digits.
func generateCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < codeDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("mfa: generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n), nil
}

// generateRecoveryCode returns a random code formatted as xxxx-xxxx using a
// lowercase alphanumeric alphabet with ambiguous characters removed.
func generateRecoveryCode() (string, error) {
	const alphabet = "abcdefghjkmnpqrstuvwxyz23456789"
	buf := make([]byte, 8)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", fmt.Errorf("mfa: generate recovery code: %w", err)
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf[:4]) + "-" + string(buf[4:]), nil
}
