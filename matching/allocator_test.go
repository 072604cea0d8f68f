package matching_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/match-engine/matching"
	memstore "github.com/warp/match-engine/matching/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func gbp(s string) matching.Money { return matching.MustMoney(s, matching.GBP) }

func fundingFx(id, campaign, available string, order int) *matching.CampaignFunding {
	return &matching.CampaignFunding{
		ID:              matching.FundingID(id),
		CampaignID:      matching.CampaignID(campaign),
		Amount:          gbp(available),
		AmountAvailable: gbp(available),
		AllocationOrder: order,
	}
}

func donationFx(id, campaign, amount string) *matching.Donation {
	return &matching.Donation{
		ID:         matching.DonationID(id),
		CampaignID: matching.CampaignID(campaign),
		Amount:     gbp(amount),
		Status:     matching.DonationPending,
		CreatedAt:  time.Now().UTC(),
	}
}

type engine struct {
	store    *memstore.Memory
	fundings *memstore.Fundings
	ledger   *memstore.Ledger
	locks    *memstore.Locks
	alloc    *matching.Allocator
}

func newEngine(fundings ...*matching.CampaignFunding) *engine {
	e := &engine{
		store:    memstore.NewMemory(),
		fundings: memstore.NewFundings(fundings...),
		ledger:   memstore.NewLedger(),
		locks:    memstore.NewLocks(),
	}
	e.alloc = matching.NewAllocator(e.store, e.fundings, e.ledger, e.locks, zerolog.Nop())
	return e
}

// assertConserved checks amountAvailable + Σ(active withdrawals) == amount.
func (e *engine) assertConserved(t *testing.T, f *matching.CampaignFunding) {
	t.Helper()
	ctx := context.Background()
	available, err := e.store.AmountAvailable(ctx, f)
	if err != nil {
		t.Fatalf("read balance: %v", err)
	}
	ledgerTotal, err := e.ledger.TotalForFunding(ctx, f)
	if err != nil {
		t.Fatalf("ledger total: %v", err)
	}
	if got := available.Add(ledgerTotal); !got.Equal(f.Amount) {
		t.Errorf("conservation violated for %s: available %s + withdrawals %s != total %s",
			f.ID, available, ledgerTotal, f.Amount)
	}
}

// =============================================================================
// ALLOCATE
// =============================================================================

func TestAllocate_ExactSingleFundMatch(t *testing.T) {
	// GIVEN: donation 10.00, one funding with exactly 10.00 available
	// WHEN: allocating
	// THEN: one withdrawal of 10.00; funding balance becomes 0.00

	f := fundingFx("f1", "c1", "10.00", 1)
	e := newEngine(f)
	d := donationFx("d1", "c1", "10.00")

	granted, err := e.alloc.Allocate(context.Background(), d)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if !granted.Equal(gbp("10.00")) {
		t.Errorf("granted = %s, want 10.00 GBP", granted)
	}
	if len(d.Withdrawals) != 1 {
		t.Fatalf("withdrawals = %d, want 1", len(d.Withdrawals))
	}
	if !d.Withdrawals[0].Amount.Equal(gbp("10.00")) {
		t.Errorf("withdrawal amount = %s, want 10.00 GBP", d.Withdrawals[0].Amount)
	}

	available, _ := e.store.AmountAvailable(context.Background(), f)
	if !available.IsZero() {
		t.Errorf("funding balance = %s, want 0.00", available)
	}
	e.assertConserved(t, f)
}

func TestAllocate_PriorityDraining(t *testing.T) {
	// GIVEN: donation 10.00; fundings [order 1: 4.00, order 2: 100.00]
	// WHEN: allocating
	// THEN: 4.00 from the order-1 pot first, then 6.00 from the order-2 pot

	f1 := fundingFx("f1", "c1", "4.00", 1)
	f2 := fundingFx("f2", "c1", "100.00", 2)
	e := newEngine(f2, f1) // registration order must not matter
	d := donationFx("d1", "c1", "10.00")

	granted, err := e.alloc.Allocate(context.Background(), d)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if !granted.Equal(gbp("10.00")) {
		t.Errorf("granted = %s, want 10.00 GBP", granted)
	}
	if len(d.Withdrawals) != 2 {
		t.Fatalf("withdrawals = %d, want 2", len(d.Withdrawals))
	}
	if d.Withdrawals[0].FundingID != "f1" || !d.Withdrawals[0].Amount.Equal(gbp("4.00")) {
		t.Errorf("first withdrawal = %s from %s, want 4.00 from f1",
			d.Withdrawals[0].Amount, d.Withdrawals[0].FundingID)
	}
	if d.Withdrawals[1].FundingID != "f2" || !d.Withdrawals[1].Amount.Equal(gbp("6.00")) {
		t.Errorf("second withdrawal = %s from %s, want 6.00 from f2",
			d.Withdrawals[1].Amount, d.Withdrawals[1].FundingID)
	}
	e.assertConserved(t, f1)
	e.assertConserved(t, f2)
}

func TestAllocate_PartialWhenPotsRunDry(t *testing.T) {
	// GIVEN: donation 10.00 and only 3.00 total available
	// WHEN: allocating
	// THEN: 3.00 granted; no error - partial match is a normal outcome

	f := fundingFx("f1", "c1", "3.00", 1)
	e := newEngine(f)
	d := donationFx("d1", "c1", "10.00")

	granted, err := e.alloc.Allocate(context.Background(), d)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if !granted.Equal(gbp("3.00")) {
		t.Errorf("granted = %s, want 3.00 GBP", granted)
	}
	e.assertConserved(t, f)
}

func TestAllocate_TopUpPartiallyMatchedDonation(t *testing.T) {
	// GIVEN: a donation already matched 3.00, and new capacity of 20.00
	// WHEN: allocating again
	// THEN: only the missing 7.00 is granted - never more than the donation

	f1 := fundingFx("f1", "c1", "3.00", 1)
	e := newEngine(f1)
	d := donationFx("d1", "c1", "10.00")

	if _, err := e.alloc.Allocate(context.Background(), d); err != nil {
		t.Fatalf("first allocate: %v", err)
	}

	f2 := fundingFx("f2", "c1", "20.00", 2)
	e.fundings.Add(f2)

	granted, err := e.alloc.Allocate(context.Background(), d)
	if err != nil {
		t.Fatalf("second allocate: %v", err)
	}
	if !granted.Equal(gbp("7.00")) {
		t.Errorf("granted = %s, want 7.00 GBP", granted)
	}
	if total := d.WithdrawalTotal(); !total.Equal(gbp("10.00")) {
		t.Errorf("withdrawal total = %s, want 10.00 GBP", total)
	}
	if total := d.WithdrawalTotal(); total.GreaterThan(d.Amount) {
		t.Errorf("over-match: %s > %s", total, d.Amount)
	}
}

func TestAllocate_FullyMatchedIsNoOp(t *testing.T) {
	f := fundingFx("f1", "c1", "50.00", 1)
	e := newEngine(f)
	d := donationFx("d1", "c1", "10.00")

	if _, err := e.alloc.Allocate(context.Background(), d); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	granted, err := e.alloc.Allocate(context.Background(), d)
	if err != nil {
		t.Fatalf("re-allocate: %v", err)
	}
	if !granted.IsZero() {
		t.Errorf("granted = %s on a fully matched donation, want 0.00", granted)
	}
}

func TestAllocate_CurrencyMismatchIsTerminal(t *testing.T) {
	// GIVEN: a candidate funding denominated in USD for a GBP donation
	// WHEN: allocating
	// THEN: ErrCurrencyMismatch, no mutation, not retryable

	f := &matching.CampaignFunding{
		ID: "f1", CampaignID: "c1",
		Amount:          matching.MustMoney("10.00", matching.USD),
		AmountAvailable: matching.MustMoney("10.00", matching.USD),
		AllocationOrder: 1,
	}
	e := newEngine(f)
	d := donationFx("d1", "c1", "10.00")

	_, err := e.alloc.Allocate(context.Background(), d)
	if !errors.Is(err, matching.ErrCurrencyMismatch) {
		t.Fatalf("err = %v, want ErrCurrencyMismatch", err)
	}
	if matching.IsRetryable(err) {
		t.Error("currency mismatch must be terminal, not retryable")
	}
	if len(d.Withdrawals) != 0 {
		t.Errorf("withdrawals created despite mismatch: %d", len(d.Withdrawals))
	}
	available, _ := e.store.AmountAvailable(context.Background(), f)
	if !available.Equal(matching.MustMoney("10.00", matching.USD)) {
		t.Errorf("funding mutated despite mismatch: %s", available)
	}
}

func TestAllocate_LedgerWriteFailureCompensatesStore(t *testing.T) {
	// GIVEN: the durable ledger flush will fail
	// WHEN: allocating
	// THEN: LedgerWriteError; the store balance is fully restored; no
	//       withdrawal survives anywhere

	f := fundingFx("f1", "c1", "10.00", 1)
	e := newEngine(f)
	e.ledger.FailNextRecord = errors.New("disk full")
	d := donationFx("d1", "c1", "10.00")

	_, err := e.alloc.Allocate(context.Background(), d)
	var lwe *matching.LedgerWriteError
	if !errors.As(err, &lwe) {
		t.Fatalf("err = %v, want LedgerWriteError", err)
	}
	if !lwe.Compensated.Equal(gbp("10.00")) {
		t.Errorf("compensated = %s, want 10.00 GBP", lwe.Compensated)
	}

	available, _ := e.store.AmountAvailable(context.Background(), f)
	if !available.Equal(gbp("10.00")) {
		t.Errorf("store balance = %s after compensation, want 10.00", available)
	}
	if len(d.Withdrawals) != 0 {
		t.Errorf("donation kept %d withdrawals from a failed allocation", len(d.Withdrawals))
	}
	if rows := e.ledger.Rows(); len(rows) != 0 {
		t.Errorf("ledger kept %d rows from a failed allocation", len(rows))
	}
	e.assertConserved(t, f)
}

// commitFailStore fails the bracket after the bracket function has run - the
// shape of a transaction commit failure.
type commitFailStore struct {
	matching.AmountStore
	failures int
}

func (s *commitFailStore) Transact(ctx context.Context, fn func(ctx context.Context, ses matching.Session) error) error {
	err := s.AmountStore.Transact(ctx, fn)
	if err == nil && s.failures > 0 {
		s.failures--
		return matching.Retryable("commit transaction", errors.New("connection reset"))
	}
	return err
}

func TestAllocate_CommitFailureLeavesDonationUnchanged(t *testing.T) {
	// GIVEN: a store whose bracket fails at commit time, after the work ran
	// WHEN: allocating
	// THEN: the donation records no withdrawals, so a retried call computes
	//       its matched total from scratch instead of counting rows the
	//       database rolled back

	f := fundingFx("f1", "c1", "10.00", 1)
	e := newEngine(f)
	flaky := &commitFailStore{AmountStore: e.store, failures: 1}
	alloc := matching.NewAllocator(flaky, e.fundings, e.ledger, e.locks, zerolog.Nop())
	d := donationFx("d1", "c1", "10.00")

	_, err := alloc.Allocate(context.Background(), d)
	if !matching.IsRetryable(err) {
		t.Fatalf("err = %v, want a retryable commit failure", err)
	}
	if len(d.Withdrawals) != 0 {
		t.Fatalf("donation kept %d withdrawals from a failed bracket", len(d.Withdrawals))
	}
	if !d.WithdrawalTotal().IsZero() {
		t.Errorf("matched total = %s after failed bracket, want 0.00", d.WithdrawalTotal())
	}
}

func TestAllocate_ConcurrentExclusivity(t *testing.T) {
	// GIVEN: one funding with 5.00 available
	// WHEN: two simultaneous 5.00 allocations race for it
	// THEN: total granted across both calls never exceeds 5.00

	f := fundingFx("f1", "c1", "5.00", 1)
	e := newEngine(f)
	d1 := donationFx("d1", "c1", "5.00")
	d2 := donationFx("d2", "c1", "5.00")

	var wg sync.WaitGroup
	results := make([]matching.Money, 2)
	for i, d := range []*matching.Donation{d1, d2} {
		wg.Add(1)
		go func(i int, d *matching.Donation) {
			defer wg.Done()
			granted, err := e.alloc.Allocate(context.Background(), d)
			if err != nil {
				t.Errorf("allocate %s: %v", d.ID, err)
				return
			}
			results[i] = granted
		}(i, d)
	}
	wg.Wait()

	total := results[0].Add(results[1])
	if total.GreaterThan(gbp("5.00")) {
		t.Fatalf("double-spend: %s + %s = %s > 5.00", results[0], results[1], total)
	}
	available, _ := e.store.AmountAvailable(context.Background(), f)
	if available.IsNegative() {
		t.Fatalf("balance went negative: %s", available)
	}
	e.assertConserved(t, f)
}

// =============================================================================
// RELEASE
// =============================================================================

func TestRelease_RestoresBalancesAndClearsLedger(t *testing.T) {
	f1 := fundingFx("f1", "c1", "4.00", 1)
	f2 := fundingFx("f2", "c1", "100.00", 2)
	e := newEngine(f1, f2)
	d := donationFx("d1", "c1", "10.00")

	if _, err := e.alloc.Allocate(context.Background(), d); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := e.alloc.Release(context.Background(), d); err != nil {
		t.Fatalf("release: %v", err)
	}

	a1, _ := e.store.AmountAvailable(context.Background(), f1)
	a2, _ := e.store.AmountAvailable(context.Background(), f2)
	if !a1.Equal(gbp("4.00")) || !a2.Equal(gbp("100.00")) {
		t.Errorf("balances after release = %s / %s, want 4.00 / 100.00", a1, a2)
	}
	if len(d.Withdrawals) != 0 {
		t.Errorf("donation kept %d withdrawals after release", len(d.Withdrawals))
	}
	if rows := e.ledger.Rows(); len(rows) != 0 {
		t.Errorf("ledger kept %d rows after release", len(rows))
	}
}

func TestRelease_NoWithdrawalsIsNoOp(t *testing.T) {
	// GIVEN: a donation with zero current withdrawals
	// WHEN: releasing
	// THEN: no-op; no funding is credited

	f := fundingFx("f1", "c1", "10.00", 1)
	e := newEngine(f)
	d := donationFx("d1", "c1", "10.00")

	if err := e.alloc.Release(context.Background(), d); err != nil {
		t.Fatalf("release: %v", err)
	}
	available, _ := e.store.AmountAvailable(context.Background(), f)
	if !available.Equal(gbp("10.00")) {
		t.Errorf("idempotent release credited the funding: %s", available)
	}
}

func TestRelease_DonationLockConflictPropagates(t *testing.T) {
	// GIVEN: the confirm path currently holds this donation's lock
	// WHEN: releasing
	// THEN: ErrLockHeld propagates untouched and nothing is released

	f := fundingFx("f1", "c1", "10.00", 1)
	e := newEngine(f)
	d := donationFx("d1", "c1", "10.00")
	if _, err := e.alloc.Allocate(context.Background(), d); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	held, err := e.locks.Acquire(context.Background(), matching.DonationLockName(d.ID), time.Minute)
	if err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}
	defer held.Release(context.Background())

	err = e.alloc.Release(context.Background(), d)
	if !errors.Is(err, matching.ErrLockHeld) {
		t.Fatalf("err = %v, want ErrLockHeld", err)
	}
	if len(d.Withdrawals) != 1 {
		t.Errorf("withdrawals = %d after refused release, want 1", len(d.Withdrawals))
	}
}

// =============================================================================
// CONSERVATION OVER A MIXED SEQUENCE
// =============================================================================

func TestConservation_AcrossAllocateReleaseSequence(t *testing.T) {
	f1 := fundingFx("f1", "c1", "25.00", 1)
	f2 := fundingFx("f2", "c1", "75.00", 2)
	e := newEngine(f1, f2)
	ctx := context.Background()

	donations := []*matching.Donation{
		donationFx("d1", "c1", "10.00"),
		donationFx("d2", "c1", "30.00"),
		donationFx("d3", "c1", "45.50"),
	}
	for _, d := range donations {
		if _, err := e.alloc.Allocate(ctx, d); err != nil {
			t.Fatalf("allocate %s: %v", d.ID, err)
		}
	}
	if err := e.alloc.Release(ctx, donations[1]); err != nil {
		t.Fatalf("release d2: %v", err)
	}
	if _, err := e.alloc.Allocate(ctx, donationFx("d4", "c1", "12.25")); err != nil {
		t.Fatalf("allocate d4: %v", err)
	}

	e.assertConserved(t, f1)
	e.assertConserved(t, f2)
}
