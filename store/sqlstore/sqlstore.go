/*
Package sqlstore is the relational implementation of the matching interfaces.

PURPOSE:
  Holds the authoritative funding balances in campaign_fundings rows and the
  durable withdrawal ledger in funding_withdrawals, implementing:

    matching.AmountStore           row-locked balance arithmetic
    matching.FundingRepository     priority-ordered candidate queries
    matching.WithdrawalRepository  atomic ledger flush
    matching.DonationRepository    batch-job selections

CONCURRENCY:
  The relational strategy serializes allocation decisions with a pessimistic
  row lock: AvailableFundings reads the campaign's rows SELECT ... FOR UPDATE
  inside the caller's transaction, so the transaction's lifetime is the
  critical section. SQLite has no FOR UPDATE; its single-writer transaction
  provides the same exclusion, which is why the SQLite dialect is a faithful
  stand-in for Postgres in tests and small deployments.

MONEY COLUMNS:
  Amounts are stored as decimal TEXT and all arithmetic happens in Go on
  decimal.Decimal. Summation also happens in Go, so exactness never depends
  on a database numeric type.

FAILURE CLASSIFICATION:
  Driver faults split into Retryable (deadlock, serialization failure, lock
  timeout, connection loss, SQLite busy) and Terminal (everything else). See
  classify().

USAGE:
  st, err := sqlstore.New("sqlite3", ":memory:")
  alloc := matching.NewAllocator(st, st, st, locks, logger)

SEE ALSO:
  - matching/store.go: the interfaces implemented here
  - store/redisstore: the fast-store strategies
*/
package sqlstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/warp/match-engine/matching"
)

// =============================================================================
// STORE
// =============================================================================

// Store implements every matching repository interface plus the relational
// AmountStore on one sqlx handle.
type Store struct {
	db       *sqlx.DB
	postgres bool
}

// New opens the database and migrates the schema. driverName is "pgx" for
// Postgres or "sqlite3" for SQLite.
func New(driverName, dsn string) (*Store, error) {
	sqlite := driverName == "sqlite3"
	if sqlite {
		dsn += "?_foreign_keys=on&_journal_mode=WAL"
	}
	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if sqlite {
		// One connection: SQLite serializes writers anyway, and a pool of
		// connections against ":memory:" would each see a different database.
		db.SetMaxOpenConns(1)
	}
	st := &Store{db: db, postgres: driverName == "pgx"}
	if err := st.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return st, nil
}

func (st *Store) Close() error { return st.db.Close() }

// Ping reports database reachability for the ops health endpoint.
func (st *Store) Ping(ctx context.Context) error { return st.db.PingContext(ctx) }

var schema = `
CREATE TABLE IF NOT EXISTS campaigns (
	id			TEXT PRIMARY KEY,
	closed_at	TIMESTAMP
);

CREATE TABLE IF NOT EXISTS campaign_fundings (
	id					TEXT PRIMARY KEY,
	campaign_id			TEXT NOT NULL,
	amount				TEXT NOT NULL,
	amount_available	TEXT NOT NULL,
	allocation_order	INTEGER NOT NULL,
	currency			TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fundings_campaign_order
	ON campaign_fundings(campaign_id, allocation_order, id);

CREATE TABLE IF NOT EXISTS funding_withdrawals (
	id			TEXT PRIMARY KEY,
	funding_id	TEXT NOT NULL,
	donation_id	TEXT NOT NULL,
	amount		TEXT NOT NULL,
	created_at	TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_withdrawals_funding ON funding_withdrawals(funding_id);
CREATE INDEX IF NOT EXISTS idx_withdrawals_donation ON funding_withdrawals(donation_id);

CREATE TABLE IF NOT EXISTS donations (
	id			TEXT PRIMARY KEY,
	campaign_id	TEXT NOT NULL,
	amount		TEXT NOT NULL,
	currency	TEXT NOT NULL,
	status		TEXT NOT NULL,
	created_at	TIMESTAMP NOT NULL,
	collected_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_donations_status_created ON donations(status, created_at);
CREATE INDEX IF NOT EXISTS idx_donations_status_collected ON donations(status, collected_at);
`

func (st *Store) migrate() error {
	_, err := st.db.Exec(schema)
	return err
}

// forUpdate returns the row-lock clause for the active dialect. SQLite's
// single-writer transaction makes the clause unnecessary there.
func (st *Store) forUpdate() string {
	if st.postgres {
		return " FOR UPDATE"
	}
	return ""
}

// =============================================================================
// FAILURE CLASSIFICATION
// =============================================================================

// classify splits driver faults into Retryable and Terminal. Retryable means
// the whole allocate/release call is safe to rerun from scratch; everything
// unexpected stays Terminal so an unknown inconsistency is never compounded
// by a blind retry.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return matching.Retryable(op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgerrcode.DeadlockDetected ||
			pgErr.Code == pgerrcode.SerializationFailure ||
			pgErr.Code == pgerrcode.LockNotAvailable ||
			pgerrcode.IsConnectionException(pgErr.Code) {
			return matching.Retryable(op, err)
		}
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		if sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked {
			return matching.Retryable(op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// =============================================================================
// TRANSACTIONAL BRACKET
// =============================================================================

type sqlSession struct {
	tx    *sqlx.Tx
	owner *Store
}

// session validates the bracket handle.
func (st *Store) session(s matching.Session) (*sqlSession, error) {
	ses, ok := s.(*sqlSession)
	if !ok || ses == nil || ses.owner != st || ses.tx == nil {
		return nil, matching.ErrNoSession
	}
	return ses, nil
}

func (st *Store) Transact(ctx context.Context, fn func(ctx context.Context, s matching.Session) error) error {
	tx, err := st.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	ses := &sqlSession{tx: tx, owner: st}
	if err := fn(ctx, ses); err != nil {
		_ = tx.Rollback()
		ses.tx = nil
		return err
	}
	ses.tx = nil
	if err := tx.Commit(); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

// =============================================================================
// AMOUNT STORE - Relational strategy
// =============================================================================

func (st *Store) AmountAvailable(ctx context.Context, f *matching.CampaignFunding) (matching.Money, error) {
	var raw decimal.Decimal
	q := st.db.Rebind(`SELECT amount_available FROM campaign_fundings WHERE id = ?`)
	if err := st.db.GetContext(ctx, &raw, q, string(f.ID)); err != nil {
		return matching.Money{}, classify("read balance", err)
	}
	return matching.NewMoney(raw, f.Currency()), nil
}

// balanceForUpdate re-reads the row-locked balance inside the session's
// transaction. Cheap, and it makes Add safe even when the caller's read of
// the entity predates the transaction (the release path).
func (st *Store) balanceForUpdate(ctx context.Context, ses *sqlSession, f *matching.CampaignFunding) (decimal.Decimal, error) {
	var raw decimal.Decimal
	q := st.db.Rebind(`SELECT amount_available FROM campaign_fundings WHERE id = ?` + st.forUpdate())
	if err := ses.tx.GetContext(ctx, &raw, q, string(f.ID)); err != nil {
		return decimal.Decimal{}, err
	}
	return raw, nil
}

func (st *Store) writeBalance(ctx context.Context, ses *sqlSession, id matching.FundingID, balance decimal.Decimal) error {
	q := st.db.Rebind(`UPDATE campaign_fundings SET amount_available = ? WHERE id = ?`)
	_, err := ses.tx.ExecContext(ctx, q, balance, string(id))
	return err
}

func (st *Store) Add(ctx context.Context, s matching.Session, f *matching.CampaignFunding, amount matching.Money) (matching.Money, error) {
	ses, err := st.session(s)
	if err != nil {
		return matching.Money{}, err
	}
	current, err := st.balanceForUpdate(ctx, ses, f)
	if err != nil {
		return matching.Money{}, classify("add amount", err)
	}
	newBalance := current.Add(amount.Value)
	if err := st.writeBalance(ctx, ses, f.ID, newBalance); err != nil {
		return matching.Money{}, classify("add amount", err)
	}
	return matching.NewMoney(newBalance, f.Currency()), nil
}

func (st *Store) Subtract(ctx context.Context, s matching.Session, f *matching.CampaignFunding, amount matching.Money) (matching.Grant, error) {
	ses, err := st.session(s)
	if err != nil {
		return matching.Grant{}, err
	}
	current, err := st.balanceForUpdate(ctx, ses, f)
	if err != nil {
		return matching.Grant{}, classify("subtract amount", err)
	}

	// Grant what the locked row can give, never more, never below zero.
	granted := decimal.Min(current, amount.Value)
	if granted.IsNegative() {
		granted = decimal.Zero
	}
	newBalance := current.Sub(granted)
	if err := st.writeBalance(ctx, ses, f.ID, newBalance); err != nil {
		return matching.Grant{}, classify("subtract amount", err)
	}
	return matching.Grant{
		Requested:  amount,
		Granted:    matching.NewMoney(granted, amount.Currency),
		NewBalance: matching.NewMoney(newBalance, f.Currency()),
	}, nil
}
