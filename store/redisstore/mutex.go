/*
mutex.go - Global-mutex AmountStore

PURPOSE:
  Every add/subtract for EVERY funding in the system runs inside one
  process-wide distributed mutex, giving true serial consistency at the cost
  of a single global throughput bottleneck. Balances are decimal strings, so
  this strategy shares Money's exact arithmetic rather than minor-unit
  integers.

BRACKET = MUTEX:
  Transact acquires the mutex (bounded by AcquireTimeout, converted into a
  Retryable failure rather than unbounded blocking) and releases it after the
  bracket function returns. A release failure is Terminal: if the mutex is in
  an unknown state, serial consistency can no longer be promised and retrying
  could compound the damage.
*/
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/warp/match-engine/matching"
)

// ErrMutexTimeout is the cause inside the Retryable error returned when the
// global mutex cannot be acquired within AcquireTimeout.
var ErrMutexTimeout = errors.New("global matching mutex acquisition timed out")

// Mutex is the global-mutex AmountStore.
type Mutex struct {
	client *redis.Client

	// AcquireTimeout bounds how long Transact waits for the mutex.
	AcquireTimeout time.Duration
	// RetryInterval is the poll interval while waiting.
	RetryInterval time.Duration
	// LockTTL protects against a crashed holder wedging the system.
	LockTTL time.Duration
}

func NewMutex(client *redis.Client) *Mutex {
	return &Mutex{
		client:         client,
		AcquireTimeout: 3 * time.Second,
		RetryInterval:  50 * time.Millisecond,
		LockTTL:        10 * time.Second,
	}
}

const mutexKey = keyPrefix + "mutex"

func balanceKey(id matching.FundingID) string {
	return keyPrefix + "funding:" + string(id) + ":balance"
}

type mutexSession struct {
	mu    sync.Mutex
	owner *Mutex
	token string
}

func (m *Mutex) session(s matching.Session) error {
	ses, ok := s.(*mutexSession)
	if !ok || ses == nil {
		return matching.ErrNoSession
	}
	ses.mu.Lock()
	defer ses.mu.Unlock()
	if ses.owner != m {
		return matching.ErrNoSession
	}
	return nil
}

func (m *Mutex) Transact(ctx context.Context, fn func(ctx context.Context, s matching.Session) error) error {
	token := uuid.NewString()
	if err := m.acquire(ctx, token); err != nil {
		return err
	}
	s := &mutexSession{owner: m, token: token}
	fnErr := fn(ctx, s)
	s.mu.Lock()
	s.owner = nil
	s.mu.Unlock()

	released, err := unlockScript.Run(ctx, m.client, []string{mutexKey}, token).Int()
	if fnErr != nil {
		// The bracket already failed; a release problem is logged upstream
		// via the returned error chain only if the bracket itself succeeded.
		return fnErr
	}
	if err != nil {
		return fmt.Errorf("release global matching mutex: %w", err)
	}
	if released == 0 {
		return fmt.Errorf("global matching mutex expired during bracket (held longer than %s)", m.LockTTL)
	}
	return nil
}

func (m *Mutex) acquire(ctx context.Context, token string) error {
	deadline := time.Now().Add(m.AcquireTimeout)
	for {
		ok, err := m.client.SetNX(ctx, mutexKey, token, m.LockTTL).Result()
		if err != nil {
			return classify("acquire global matching mutex", err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return matching.Retryable("acquire global matching mutex", ErrMutexTimeout)
		}
		select {
		case <-ctx.Done():
			return matching.Retryable("acquire global matching mutex", ctx.Err())
		case <-time.After(m.RetryInterval):
		}
	}
}

// balance reads the decimal-string balance, seeding it from the entity
// snapshot on first use. Caller holds the mutex.
func (m *Mutex) balance(ctx context.Context, f *matching.CampaignFunding) (decimal.Decimal, error) {
	raw, err := m.client.Get(ctx, balanceKey(f.ID)).Result()
	if err == redis.Nil {
		if err := m.client.Set(ctx, balanceKey(f.ID), f.AmountAvailable.Value.String(), 0).Err(); err != nil {
			return decimal.Decimal{}, classify("init funding balance", err)
		}
		return f.AmountAvailable.Value, nil
	}
	if err != nil {
		return decimal.Decimal{}, classify("read funding balance", err)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("corrupt funding balance for %s: %w", f.ID, err)
	}
	return d, nil
}

func (m *Mutex) write(ctx context.Context, id matching.FundingID, v decimal.Decimal) error {
	return classify("write funding balance", m.client.Set(ctx, balanceKey(id), v.String(), 0).Err())
}

func (m *Mutex) AmountAvailable(ctx context.Context, f *matching.CampaignFunding) (matching.Money, error) {
	raw, err := m.client.Get(ctx, balanceKey(f.ID)).Result()
	if err == redis.Nil {
		return f.AmountAvailable, nil
	}
	if err != nil {
		return matching.Money{}, classify("read funding balance", err)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return matching.Money{}, fmt.Errorf("corrupt funding balance for %s: %w", f.ID, err)
	}
	return matching.NewMoney(d, f.Currency()), nil
}

func (m *Mutex) Add(ctx context.Context, s matching.Session, f *matching.CampaignFunding, amount matching.Money) (matching.Money, error) {
	if err := m.session(s); err != nil {
		return matching.Money{}, err
	}
	current, err := m.balance(ctx, f)
	if err != nil {
		return matching.Money{}, err
	}
	newBalance := current.Add(amount.Value)
	if err := m.write(ctx, f.ID, newBalance); err != nil {
		return matching.Money{}, err
	}
	return matching.NewMoney(newBalance, f.Currency()), nil
}

func (m *Mutex) Subtract(ctx context.Context, s matching.Session, f *matching.CampaignFunding, amount matching.Money) (matching.Grant, error) {
	if err := m.session(s); err != nil {
		return matching.Grant{}, err
	}
	current, err := m.balance(ctx, f)
	if err != nil {
		return matching.Grant{}, err
	}
	granted := decimal.Min(current, amount.Value)
	if granted.IsNegative() {
		granted = decimal.Zero
	}
	newBalance := current.Sub(granted)
	if err := m.write(ctx, f.ID, newBalance); err != nil {
		return matching.Grant{}, err
	}
	return matching.Grant{
		Requested:  amount,
		Granted:    matching.NewMoney(granted, amount.Currency),
		NewBalance: matching.NewMoney(newBalance, f.Currency()),
	}, nil
}
