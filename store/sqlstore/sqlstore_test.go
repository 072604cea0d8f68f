package sqlstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/match-engine/matching"
	memstore "github.com/warp/match-engine/matching/store"
	"github.com/warp/match-engine/store/sqlstore"
)

func newStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	st, err := sqlstore.New("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func gbp(s string) matching.Money { return matching.MustMoney(s, matching.GBP) }

func saveFunding(t *testing.T, st *sqlstore.Store, id, campaign, available string, order int) *matching.CampaignFunding {
	t.Helper()
	f := &matching.CampaignFunding{
		ID:              matching.FundingID(id),
		CampaignID:      matching.CampaignID(campaign),
		Amount:          gbp(available),
		AmountAvailable: gbp(available),
		AllocationOrder: order,
	}
	require.NoError(t, st.SaveFunding(context.Background(), f))
	return f
}

func TestStore_AllocateReleaseRoundTrip(t *testing.T) {
	// GIVEN: two pots in the database, priority-ordered
	// WHEN: a 10.00 donation is allocated and then released
	// THEN: balances drain in priority order, conservation holds throughout,
	//       and release restores the initial state exactly

	st := newStore(t)
	ctx := context.Background()
	f1 := saveFunding(t, st, "f1", "c1", "4.00", 1)
	f2 := saveFunding(t, st, "f2", "c1", "100.00", 2)

	alloc := matching.NewAllocator(st, st, st, memstore.NewLocks(), zerolog.Nop())
	d := &matching.Donation{
		ID: "d1", CampaignID: "c1",
		Amount:    gbp("10.00"),
		Status:    matching.DonationPending,
		CreatedAt: time.Now().UTC(),
	}

	granted, err := alloc.Allocate(ctx, d)
	require.NoError(t, err)
	assert.True(t, granted.Equal(gbp("10.00")), "granted %s", granted)
	require.Len(t, d.Withdrawals, 2)
	assert.Equal(t, matching.FundingID("f1"), d.Withdrawals[0].FundingID)
	assert.True(t, d.Withdrawals[0].Amount.Equal(gbp("4.00")))
	assert.Equal(t, matching.FundingID("f2"), d.Withdrawals[1].FundingID)
	assert.True(t, d.Withdrawals[1].Amount.Equal(gbp("6.00")))

	// Conservation against the persisted rows, not the in-memory snapshots.
	for _, f := range []*matching.CampaignFunding{f1, f2} {
		available, err := st.AmountAvailable(ctx, f)
		require.NoError(t, err)
		ledger, err := st.TotalForFunding(ctx, f)
		require.NoError(t, err)
		assert.True(t, available.Add(ledger).Equal(f.Amount),
			"conservation broken for %s: %s + %s != %s", f.ID, available, ledger, f.Amount)
	}

	require.NoError(t, alloc.Release(ctx, d))
	assert.Empty(t, d.Withdrawals)

	a1, err := st.AmountAvailable(ctx, f1)
	require.NoError(t, err)
	a2, err := st.AmountAvailable(ctx, f2)
	require.NoError(t, err)
	assert.True(t, a1.Equal(gbp("4.00")), "f1 balance %s", a1)
	assert.True(t, a2.Equal(gbp("100.00")), "f2 balance %s", a2)

	ledger, err := st.TotalForFunding(ctx, f1)
	require.NoError(t, err)
	assert.True(t, ledger.IsZero(), "ledger rows survive release: %s", ledger)
}

func TestStore_MutationsRequireSession(t *testing.T) {
	st := newStore(t)
	f := saveFunding(t, st, "f1", "c1", "10.00", 1)
	ctx := context.Background()

	_, err := st.Add(ctx, nil, f, gbp("1.00"))
	assert.ErrorIs(t, err, matching.ErrNoSession)
	_, err = st.Subtract(ctx, nil, f, gbp("1.00"))
	assert.ErrorIs(t, err, matching.ErrNoSession)

	// A session from one store is foreign to another.
	other := newStore(t)
	err = other.Transact(ctx, func(ctx context.Context, s matching.Session) error {
		_, err := st.Add(ctx, s, f, gbp("1.00"))
		return err
	})
	assert.ErrorIs(t, err, matching.ErrNoSession)
}

func TestStore_ReposServeFastStoreSessions(t *testing.T) {
	// GIVEN: the mixed production wiring - a fast authoritative store with its
	//        own session type, relational repositories for ledger and snapshots
	// WHEN: a donation is allocated and then released
	// THEN: both the ledger flush and the balance flush run in their own
	//       transactions instead of rejecting the foreign session

	st := newStore(t)
	ctx := context.Background()
	f := saveFunding(t, st, "f1", "c1", "10.00", 1)

	fast := memstore.NewMemory()
	alloc := matching.NewAllocator(fast, st, st, memstore.NewLocks(), zerolog.Nop())
	d := &matching.Donation{
		ID: "d1", CampaignID: "c1",
		Amount:    gbp("10.00"),
		Status:    matching.DonationPending,
		CreatedAt: time.Now().UTC(),
	}

	granted, err := alloc.Allocate(ctx, d)
	require.NoError(t, err)
	require.True(t, granted.Equal(gbp("10.00")), "granted %s", granted)

	// The fast store holds the balance; the database rows track it.
	dbBalance, err := st.AmountAvailable(ctx, f)
	require.NoError(t, err)
	assert.True(t, dbBalance.IsZero(), "snapshot row after allocate: %s", dbBalance)
	ledger, err := st.TotalForFunding(ctx, f)
	require.NoError(t, err)
	assert.True(t, ledger.Equal(gbp("10.00")), "ledger after allocate: %s", ledger)

	require.NoError(t, alloc.Release(ctx, d))

	dbBalance, err = st.AmountAvailable(ctx, f)
	require.NoError(t, err)
	assert.True(t, dbBalance.Equal(gbp("10.00")), "snapshot row after release: %s", dbBalance)
	ledger, err = st.TotalForFunding(ctx, f)
	require.NoError(t, err)
	assert.True(t, ledger.IsZero(), "ledger rows survive release: %s", ledger)
	fastBalance, err := fast.AmountAvailable(ctx, f)
	require.NoError(t, err)
	assert.True(t, fastBalance.Equal(gbp("10.00")), "fast store after release: %s", fastBalance)
}

func TestStore_TransactRollsBackOnError(t *testing.T) {
	// GIVEN: a bracket that subtracts and then fails
	// WHEN: Transact returns
	// THEN: the subtraction never becomes visible

	st := newStore(t)
	f := saveFunding(t, st, "f1", "c1", "10.00", 1)
	ctx := context.Background()

	boom := assert.AnError
	err := st.Transact(ctx, func(ctx context.Context, s matching.Session) error {
		grant, err := st.Subtract(ctx, s, f, gbp("6.00"))
		require.NoError(t, err)
		require.True(t, grant.Granted.Equal(gbp("6.00")))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	available, err := st.AmountAvailable(ctx, f)
	require.NoError(t, err)
	assert.True(t, available.Equal(gbp("10.00")), "rolled-back subtract leaked: %s", available)
}

func TestStore_SubtractClampsToBalance(t *testing.T) {
	st := newStore(t)
	f := saveFunding(t, st, "f1", "c1", "3.00", 1)
	ctx := context.Background()

	err := st.Transact(ctx, func(ctx context.Context, s matching.Session) error {
		grant, err := st.Subtract(ctx, s, f, gbp("5.00"))
		require.NoError(t, err)
		assert.True(t, grant.Partial())
		assert.True(t, grant.Granted.Equal(gbp("3.00")), "granted %s", grant.Granted)
		assert.True(t, grant.NewBalance.IsZero())

		grant, err = st.Subtract(ctx, s, f, gbp("1.00"))
		require.NoError(t, err)
		assert.True(t, grant.Refused())
		assert.False(t, grant.NewBalance.IsNegative())
		return nil
	})
	require.NoError(t, err)
}

func TestStore_AvailableFundingsSkipsEmptyPots(t *testing.T) {
	st := newStore(t)
	saveFunding(t, st, "f1", "c1", "0.00", 1)
	saveFunding(t, st, "f2", "c1", "5.00", 2)
	saveFunding(t, st, "f3", "other", "5.00", 1)

	out, err := st.AvailableFundings(context.Background(), nil, "c1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, matching.FundingID("f2"), out[0].ID)
}

func TestStore_DonationQueries(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	saveFunding(t, st, "f1", "c1", "100.00", 1)
	alloc := matching.NewAllocator(st, st, st, memstore.NewLocks(), zerolog.Nop())

	// stale: pending for an hour, holds funds -> expiry candidate
	stale := &matching.Donation{
		ID: "d-stale", CampaignID: "c1", Amount: gbp("10.00"),
		Status: matching.DonationPending, CreatedAt: now.Add(-time.Hour),
	}
	// fresh: pending, holds funds, too recent to expire
	fresh := &matching.Donation{
		ID: "d-fresh", CampaignID: "c1", Amount: gbp("10.00"),
		Status: matching.DonationPending, CreatedAt: now,
	}
	// dry: pending and old, but never got any match funds
	dry := &matching.Donation{
		ID: "d-dry", CampaignID: "empty-campaign", Amount: gbp("10.00"),
		Status: matching.DonationPending, CreatedAt: now.Add(-time.Hour),
	}
	// unmatched: collected recently, nothing allocated yet
	unmatched := &matching.Donation{
		ID: "d-unmatched", CampaignID: "empty-campaign", Amount: gbp("10.00"),
		Status: matching.DonationCollected, CreatedAt: now.Add(-time.Hour), CollectedAt: now,
	}
	// settled: collected and fully matched
	settled := &matching.Donation{
		ID: "d-settled", CampaignID: "c1", Amount: gbp("10.00"),
		Status: matching.DonationCollected, CreatedAt: now.Add(-time.Hour), CollectedAt: now,
	}

	for _, d := range []*matching.Donation{stale, fresh, dry, unmatched, settled} {
		require.NoError(t, st.SaveDonation(ctx, d))
	}
	for _, d := range []*matching.Donation{stale, fresh, settled} {
		_, err := alloc.Allocate(ctx, d)
		require.NoError(t, err)
	}

	pending, err := st.PendingBefore(ctx, now.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, matching.DonationID("d-stale"), pending[0].ID)
	assert.True(t, pending[0].WithdrawalTotal().Equal(gbp("10.00")), "withdrawals must be attached")

	retro, err := st.CollectedUnmatchedSince(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, retro, 1)
	assert.Equal(t, matching.DonationID("d-unmatched"), retro[0].ID)

	// Redistributable needs a closed campaign and attached withdrawals.
	redis, err := st.Redistributable(ctx, now.Add(-time.Hour), now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, redis, "open campaigns must not be redistributable")

	closedAt := now
	require.NoError(t, st.SaveCampaign(ctx, "c1", &closedAt))
	redis, err = st.Redistributable(ctx, now.Add(-time.Hour), now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, redis, 1)
	assert.Equal(t, matching.DonationID("d-settled"), redis[0].ID)
}

func TestStore_FundingsByID(t *testing.T) {
	st := newStore(t)
	saveFunding(t, st, "f1", "c1", "1.00", 1)
	saveFunding(t, st, "f2", "c1", "2.00", 2)

	out, err := st.FundingsByID(context.Background(), []matching.FundingID{"f1", "f2", "missing"})
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Contains(t, out, matching.FundingID("f1"))
	assert.Contains(t, out, matching.FundingID("f2"))

	empty, err := st.FundingsByID(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
