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

package challenge

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/jeremyhahn/go-authgate/pkg/logging"
	"github.com/jeremyhahn/go-authgate/pkg/metrics"
)

// Store is the persistence interface for live challenges.
//
// Take operations are the linearization point for single-use semantics: they
// must atomically look up and delete the challenge so that two concurrent
// consumers can never both receive it. The background sweep relies on the
// same atomicity; it only removes rows that are already expired and
// therefore already unusable.
type Store interface {
	// Put stores a challenge. When the challenge carries a user ID, any
	// prior live challenge for the same (user, purpose) is replaced.
	Put(ctx context.Context, ch *Challenge) error

	// TakeByUser atomically removes and returns the live challenge for
	// (user, purpose). Returns ErrChallengeExpired if none exists.
	TakeByUser(ctx context.Context, userID string, purpose Purpose) (*Challenge, error)

	// TakeByValue atomically removes and returns the live challenge with
	// the given value, for challenges issued without a user binding.
	// Returns ErrChallengeExpired if none exists.
	TakeByValue(ctx context.Context, purpose Purpose, value string) (*Challenge, error)

	// DeleteExpired removes all challenges whose expiry precedes now and
	// returns the number removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// DefaultTTL is how long an issued challenge remains consumable.
const DefaultTTL = 60 * time.Second

// DefaultSweepInterval is how often the background sweep runs.
const DefaultSweepInterval = time.Hour

// Manager issues, consumes, and sweeps challenges.
type Manager struct {
	store         Store
	ttl           time.Duration
	sweepInterval time.Duration
	logger        *logging.Logger
	now           func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// ManagerOption is a functional option for configuring a Manager.
type ManagerOption func(*Manager)

// WithTTL sets the challenge expiry window.
func WithTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithSweepInterval sets how often expired challenges are swept.
func WithSweepInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) {
		if interval > 0 {
			m.sweepInterval = interval
		}
	}
}

// WithLogger sets the logger used for sweep reporting.
func WithLogger(logger *logging.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a challenge manager backed by the given store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:         store,
		ttl:           DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		logger:        logging.DefaultLogger(),
		now:           time.Now,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IssueOption customizes a single issuance.
type IssueOption func(*issueParams)

type issueParams struct {
	value   string
	payload []byte
}

// WithValue uses a caller-supplied challenge value instead of generating one.
// The ceremony engine uses this to bind the challenge the client actually
// signs. The value must originate from a cryptographically secure source.
func WithValue(value string) IssueOption {
	return func(p *issueParams) {
		p.value = value
	}
}

// WithPayload attaches opaque ceremony state to the challenge.
func WithPayload(payload []byte) IssueOption {
	return func(p *issueParams) {
		p.payload = payload
	}
}

// Issue creates a fresh challenge for (user, purpose), invalidating any prior
// live challenge for the same pair. userID may be empty for usernameless
// authentication, in which case no replacement occurs and the challenge is
// later consumed by value.
func (m *Manager) Issue(ctx context.Context, userID string, purpose Purpose, opts ...IssueOption) (*Challenge, error) {
	var params issueParams
	for _, opt := range opts {
		opt(&params)
	}

	if params.value == "" {
		value, err := GenerateValue()
		if err != nil {
			return nil, err
		}
		params.value = value
	}

	ch := newChallenge(userID, purpose, params.value, params.payload, m.now().UTC(), m.ttl)
	if err := m.store.Put(ctx, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// Consume atomically takes the live challenge for (user, purpose) and checks
// the presented value against it. The challenge is deleted on every outcome;
// a failed consumption can never be retried against the same value.
//
// Returns ErrChallengeExpired when no live challenge exists or it has passed
// its expiry, and ErrChallengeMismatch when the value does not match.
func (m *Manager) Consume(ctx context.Context, userID string, purpose Purpose, value string) (*Challenge, error) {
	ch, err := m.store.TakeByUser(ctx, userID, purpose)
	if err != nil {
		return nil, err
	}
	return m.check(ch, value)
}

// ConsumeByValue consumes a challenge that was issued without a user binding.
func (m *Manager) ConsumeByValue(ctx context.Context, purpose Purpose, value string) (*Challenge, error) {
	ch, err := m.store.TakeByValue(ctx, purpose, value)
	if err != nil {
		return nil, err
	}
	return m.check(ch, value)
}

// check validates expiry and value on a challenge that has already been
// removed from the store.
func (m *Manager) check(ch *Challenge, value string) (*Challenge, error) {
	if ch.Expired(m.now()) {
		return nil, ErrChallengeExpired
	}
	if subtle.ConstantTimeCompare([]byte(ch.Value), []byte(value)) != 1 {
		return nil, ErrChallengeMismatch
	}
	return ch, nil
}

// SweepExpired deletes all expired challenges and returns the count removed.
// Safe to run concurrently with Issue and Consume: the store's atomic take
// guarantees a challenge mid-consumption is never swept out from under it.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	return m.store.DeleteExpired(ctx, m.now().UTC())
}

// StartSweeper launches the periodic expiry sweep in a background goroutine.
func (m *Manager) StartSweeper() {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				count, err := m.SweepExpired(context.Background())
				if err != nil {
					m.logger.Error("challenge sweep failed", "error", err)
					continue
				}
				if count > 0 {
					metrics.RecordChallengesSwept(count)
					m.logger.Debug("swept expired challenges", "count", count)
				}
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop terminates the background sweeper, if running.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
}

// TTL returns the configured challenge expiry window.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}
