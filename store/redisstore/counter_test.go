package redisstore_test

import (
	"context"
	"testing"

	"github.com/warp/match-engine/matching"
	"github.com/warp/match-engine/store/redisstore"
)

// Session validation runs before any Redis command, so these tests need no
// server; a nil client is never touched.

func TestCounter_MutationsRequireSession(t *testing.T) {
	c := redisstore.NewCounter(nil)
	f := &matching.CampaignFunding{
		ID: "f1", CampaignID: "c1",
		Amount:          matching.MustMoney("10.00", matching.GBP),
		AmountAvailable: matching.MustMoney("10.00", matching.GBP),
	}

	_, err := c.Add(context.Background(), nil, f, matching.MustMoney("1.00", matching.GBP))
	if err != matching.ErrNoSession {
		t.Fatalf("Add err = %v, want ErrNoSession", err)
	}
	_, err = c.Subtract(context.Background(), nil, f, matching.MustMoney("1.00", matching.GBP))
	if err != matching.ErrNoSession {
		t.Fatalf("Subtract err = %v, want ErrNoSession", err)
	}
}

func TestCounter_SessionDiesWithItsBracket(t *testing.T) {
	// GIVEN: a session handle leaked out of its Transact bracket
	// WHEN: another goroutine (or a later call) uses it
	// THEN: ErrNoSession - the invalidation is synchronized, never racy

	c := redisstore.NewCounter(nil)
	f := &matching.CampaignFunding{
		ID: "f1", CampaignID: "c1",
		Amount:          matching.MustMoney("10.00", matching.GBP),
		AmountAvailable: matching.MustMoney("10.00", matching.GBP),
	}

	var leaked matching.Session
	err := c.Transact(context.Background(), func(_ context.Context, s matching.Session) error {
		leaked = s
		return nil
	})
	if err != nil {
		t.Fatalf("transact: %v", err)
	}

	_, err = c.Add(context.Background(), leaked, f, matching.MustMoney("1.00", matching.GBP))
	if err != matching.ErrNoSession {
		t.Fatalf("stale session err = %v, want ErrNoSession", err)
	}

	// A session from one counter is foreign to another.
	other := redisstore.NewCounter(nil)
	err = other.Transact(context.Background(), func(ctx context.Context, s matching.Session) error {
		_, err := c.Add(ctx, s, f, matching.MustMoney("1.00", matching.GBP))
		return err
	})
	if err != matching.ErrNoSession {
		t.Fatalf("foreign session err = %v, want ErrNoSession", err)
	}
}
