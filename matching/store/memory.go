/*
Package store provides in-memory implementations of every matching interface.

PURPOSE:
  Backs the engine's tests and local development without a database or Redis.
  The Memory AmountStore gives true serial consistency (one bracket at a
  time), which makes it the reference implementation the concurrency
  properties are asserted against.

TEST HOOKS:
  Ledger.FailNextRecord forces the next durable flush to fail, exercising the
  Allocator's store-compensation path.

SEE ALSO:
  - store/sqlstore: relational production implementation
  - store/redisstore: lock-free counter and global-mutex implementations
*/
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/match-engine/matching"
)

// =============================================================================
// MEMORY AMOUNT STORE
// =============================================================================

// Memory is an AmountStore holding balances in a map. Brackets are serialized
// by a single mutex, so the transaction's lifetime is the critical section -
// the same shape as the relational strategy's row lock.
type Memory struct {
	bracket sync.Mutex

	mu       sync.Mutex
	balances map[matching.FundingID]matching.Money
}

func NewMemory() *Memory {
	return &Memory{balances: make(map[matching.FundingID]matching.Money)}
}

type memSession struct {
	mu    sync.Mutex
	owner *Memory
}

func (m *Memory) session(s matching.Session) (*memSession, error) {
	ms, ok := s.(*memSession)
	if !ok || ms == nil {
		return nil, matching.ErrNoSession
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.owner != m {
		return nil, matching.ErrNoSession
	}
	return ms, nil
}

func (m *Memory) Transact(ctx context.Context, fn func(ctx context.Context, s matching.Session) error) error {
	m.bracket.Lock()
	defer m.bracket.Unlock()

	s := &memSession{owner: m}
	err := fn(ctx, s)

	// Invalidate the handle so a leaked session fails loudly later.
	s.mu.Lock()
	s.owner = nil
	s.mu.Unlock()
	return err
}

// ensureLocked seeds the balance from the entity snapshot on first use.
// Caller holds m.mu.
func (m *Memory) ensureLocked(f *matching.CampaignFunding) matching.Money {
	bal, ok := m.balances[f.ID]
	if !ok {
		bal = f.AmountAvailable
		m.balances[f.ID] = bal
	}
	return bal
}

func (m *Memory) AmountAvailable(_ context.Context, f *matching.CampaignFunding) (matching.Money, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked(f), nil
}

func (m *Memory) Add(_ context.Context, s matching.Session, f *matching.CampaignFunding, amount matching.Money) (matching.Money, error) {
	if _, err := m.session(s); err != nil {
		return matching.Money{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	newBalance := m.ensureLocked(f).Add(amount)
	m.balances[f.ID] = newBalance
	return newBalance, nil
}

func (m *Memory) Subtract(_ context.Context, s matching.Session, f *matching.CampaignFunding, amount matching.Money) (matching.Grant, error) {
	if _, err := m.session(s); err != nil {
		return matching.Grant{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	balance := m.ensureLocked(f)
	granted := balance.Min(amount)
	if granted.IsNegative() {
		granted = matching.Zero(amount.Currency)
	}
	newBalance := balance.Sub(granted)
	m.balances[f.ID] = newBalance
	return matching.Grant{
		Requested:  amount,
		Granted:    granted,
		NewBalance: newBalance,
	}, nil
}

// =============================================================================
// MEMORY FUNDING REPOSITORY
// =============================================================================

type Fundings struct {
	mu   sync.RWMutex
	byID map[matching.FundingID]*matching.CampaignFunding
}

func NewFundings(fundings ...*matching.CampaignFunding) *Fundings {
	r := &Fundings{byID: make(map[matching.FundingID]*matching.CampaignFunding)}
	for _, f := range fundings {
		r.Add(f)
	}
	return r
}

func (r *Fundings) Add(f *matching.CampaignFunding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[f.ID] = f
}

func (r *Fundings) campaign(campaignID matching.CampaignID) []*matching.CampaignFunding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*matching.CampaignFunding
	for _, f := range r.byID {
		if f.CampaignID == campaignID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AllocationOrder != out[j].AllocationOrder {
			return out[i].AllocationOrder < out[j].AllocationOrder
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Fundings) AvailableFundings(_ context.Context, _ matching.Session, campaignID matching.CampaignID) ([]*matching.CampaignFunding, error) {
	return r.campaign(campaignID), nil
}

func (r *Fundings) CampaignFundings(_ context.Context, campaignID matching.CampaignID) ([]*matching.CampaignFunding, error) {
	return r.campaign(campaignID), nil
}

func (r *Fundings) FundingsByID(_ context.Context, ids []matching.FundingID) (map[matching.FundingID]*matching.CampaignFunding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[matching.FundingID]*matching.CampaignFunding, len(ids))
	for _, id := range ids {
		if f, ok := r.byID[id]; ok {
			out[id] = f
		}
	}
	return out, nil
}

func (r *Fundings) AllFundings(_ context.Context) ([]*matching.CampaignFunding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*matching.CampaignFunding, 0, len(r.byID))
	for _, f := range r.byID {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Fundings) SaveBalances(_ context.Context, _ matching.Session, _ []*matching.CampaignFunding) error {
	// Entities are shared pointers; the snapshot is already current.
	return nil
}

// =============================================================================
// MEMORY WITHDRAWAL LEDGER
// =============================================================================

type Ledger struct {
	mu   sync.Mutex
	rows map[matching.WithdrawalID]matching.FundingWithdrawal

	// FailNextRecord makes the next RecordAllocation return this error once.
	FailNextRecord error
}

func NewLedger() *Ledger {
	return &Ledger{rows: make(map[matching.WithdrawalID]matching.FundingWithdrawal)}
}

func (l *Ledger) RecordAllocation(_ context.Context, _ matching.Session, _ *matching.Donation, created []matching.FundingWithdrawal, _ []*matching.CampaignFunding) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.FailNextRecord; err != nil {
		l.FailNextRecord = nil
		return err
	}
	for _, w := range created {
		l.rows[w.ID] = w
	}
	return nil
}

func (l *Ledger) DeleteForDonation(_ context.Context, donationID matching.DonationID) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, w := range l.rows {
		if w.DonationID == donationID {
			delete(l.rows, id)
			n++
		}
	}
	return n, nil
}

func (l *Ledger) TotalForFunding(_ context.Context, f *matching.CampaignFunding) (matching.Money, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := matching.Zero(f.Currency())
	for _, w := range l.rows {
		if w.FundingID == f.ID {
			total = total.Add(w.Amount)
		}
	}
	return total, nil
}

// Rows returns a copy of the ledger contents, for assertions.
func (l *Ledger) Rows() []matching.FundingWithdrawal {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]matching.FundingWithdrawal, 0, len(l.rows))
	for _, w := range l.rows {
		out = append(out, w)
	}
	return out
}

// =============================================================================
// MEMORY DONATION REPOSITORY
// =============================================================================

type Donations struct {
	mu     sync.RWMutex
	byID   map[matching.DonationID]*matching.Donation
	closed map[matching.CampaignID]time.Time
}

func NewDonations() *Donations {
	return &Donations{
		byID:   make(map[matching.DonationID]*matching.Donation),
		closed: make(map[matching.CampaignID]time.Time),
	}
}

func (r *Donations) Add(d *matching.Donation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[d.ID] = d
}

// SetCampaignClosed records when a campaign stopped accepting donations.
func (r *Donations) SetCampaignClosed(id matching.CampaignID, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed[id] = at
}

func (r *Donations) Redistributable(_ context.Context, campaignsClosedSince, collectedSince time.Time) ([]*matching.Donation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*matching.Donation
	for _, d := range r.byID {
		closedAt, closed := r.closed[d.CampaignID]
		if !closed || closedAt.Before(campaignsClosedSince) {
			continue
		}
		if d.Status != matching.DonationCollected || d.CollectedAt.Before(collectedSince) {
			continue
		}
		if len(d.Withdrawals) == 0 {
			continue
		}
		out = append(out, d)
	}
	sortDonations(out)
	return out, nil
}

func (r *Donations) PendingBefore(_ context.Context, cutoff time.Time) ([]*matching.Donation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*matching.Donation
	for _, d := range r.byID {
		if d.Status == matching.DonationPending && d.CreatedAt.Before(cutoff) && len(d.Withdrawals) > 0 {
			out = append(out, d)
		}
	}
	sortDonations(out)
	return out, nil
}

func (r *Donations) CollectedUnmatchedSince(_ context.Context, since time.Time) ([]*matching.Donation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*matching.Donation
	for _, d := range r.byID {
		if d.Status == matching.DonationCollected && !d.CollectedAt.Before(since) && !d.IsFullyMatched() {
			out = append(out, d)
		}
	}
	sortDonations(out)
	return out, nil
}

func sortDonations(ds []*matching.Donation) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].ID < ds[j].ID })
}

// =============================================================================
// MEMORY LOCK FACTORY
// =============================================================================

type Locks struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocks() *Locks {
	return &Locks{held: make(map[string]bool)}
}

func (l *Locks) Acquire(_ context.Context, name string, _ time.Duration) (matching.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return nil, matching.ErrLockHeld
	}
	l.held[name] = true
	return &memLock{locks: l, name: name}, nil
}

type memLock struct {
	locks *Locks
	name  string
}

func (k *memLock) Release(_ context.Context) error {
	k.locks.mu.Lock()
	defer k.locks.mu.Unlock()
	delete(k.locks.held, k.name)
	return nil
}

// =============================================================================
// RECORDED ALERT SINK
// =============================================================================

type Alerts struct {
	mu       sync.Mutex
	Messages []string
}

func NewAlerts() *Alerts { return &Alerts{} }

func (a *Alerts) Notify(_ context.Context, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Messages = append(a.Messages, message)
	return nil
}
