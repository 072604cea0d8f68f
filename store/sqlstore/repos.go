/*
repos.go - Relational repositories: fundings, withdrawal ledger, donations

PURPOSE:
  The repository half of the sqlstore package. The funding queries carry the
  row-lock discipline (see AvailableFundings); the withdrawal ledger flush is
  the single atomic write the Allocator compensates against; the donation
  queries feed the periodic jobs.

WRITE HELPERS:
  SaveCampaign/SaveFunding/SaveDonation upsert reference data. In production
  those rows are written by the campaign-import and donation flows; the
  helpers exist for wiring, fixtures, and small deployments.
*/
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/warp/match-engine/matching"
)

// =============================================================================
// ROW TYPES
// =============================================================================

type fundingRow struct {
	ID              string          `db:"id"`
	CampaignID      string          `db:"campaign_id"`
	Amount          decimal.Decimal `db:"amount"`
	AmountAvailable decimal.Decimal `db:"amount_available"`
	AllocationOrder int             `db:"allocation_order"`
	Currency        string          `db:"currency"`
}

func (r fundingRow) toEntity() *matching.CampaignFunding {
	cur := matching.Currency(r.Currency)
	return &matching.CampaignFunding{
		ID:              matching.FundingID(r.ID),
		CampaignID:      matching.CampaignID(r.CampaignID),
		Amount:          matching.NewMoney(r.Amount, cur),
		AmountAvailable: matching.NewMoney(r.AmountAvailable, cur),
		AllocationOrder: r.AllocationOrder,
	}
}

type withdrawalRow struct {
	ID         string          `db:"id"`
	FundingID  string          `db:"funding_id"`
	DonationID string          `db:"donation_id"`
	Amount     decimal.Decimal `db:"amount"`
	CreatedAt  time.Time       `db:"created_at"`
}

func (r withdrawalRow) toEntity(cur matching.Currency) matching.FundingWithdrawal {
	return matching.FundingWithdrawal{
		ID:         matching.WithdrawalID(r.ID),
		FundingID:  matching.FundingID(r.FundingID),
		DonationID: matching.DonationID(r.DonationID),
		Amount:     matching.NewMoney(r.Amount, cur),
		CreatedAt:  r.CreatedAt,
	}
}

type donationRow struct {
	ID          string          `db:"id"`
	CampaignID  string          `db:"campaign_id"`
	Amount      decimal.Decimal `db:"amount"`
	Currency    string          `db:"currency"`
	Status      string          `db:"status"`
	CreatedAt   time.Time       `db:"created_at"`
	CollectedAt sql.NullTime    `db:"collected_at"`
}

func (r donationRow) toEntity() *matching.Donation {
	d := &matching.Donation{
		ID:         matching.DonationID(r.ID),
		CampaignID: matching.CampaignID(r.CampaignID),
		Amount:     matching.NewMoney(r.Amount, matching.Currency(r.Currency)),
		Status:     matching.DonationStatus(r.Status),
		CreatedAt:  r.CreatedAt,
	}
	if r.CollectedAt.Valid {
		d.CollectedAt = r.CollectedAt.Time
	}
	return d
}

const fundingColumns = `id, campaign_id, amount, amount_available, allocation_order, currency`

// =============================================================================
// FUNDING REPOSITORY
// =============================================================================

// AvailableFundings returns the campaign's fundings with a positive last-known
// balance, priority-ordered. Inside a relational bracket the rows are read
// FOR UPDATE, making the enclosing transaction the allocation critical
// section; under a fast-store session the read is unlocked and atomicity
// comes from the store itself.
func (st *Store) AvailableFundings(ctx context.Context, s matching.Session, campaignID matching.CampaignID) ([]*matching.CampaignFunding, error) {
	q := st.db.Rebind(`SELECT ` + fundingColumns + ` FROM campaign_fundings
		WHERE campaign_id = ? ORDER BY allocation_order, id`)

	var rows []fundingRow
	var err error
	if ses, sesErr := st.session(s); sesErr == nil {
		err = ses.tx.SelectContext(ctx, &rows, q+st.forUpdate(), string(campaignID))
	} else {
		err = st.db.SelectContext(ctx, &rows, q, string(campaignID))
	}
	if err != nil {
		return nil, classify("select available fundings", err)
	}

	out := make([]*matching.CampaignFunding, 0, len(rows))
	for _, r := range rows {
		f := r.toEntity()
		if f.AmountAvailable.IsPositive() {
			out = append(out, f)
		}
	}
	return out, nil
}

func (st *Store) CampaignFundings(ctx context.Context, campaignID matching.CampaignID) ([]*matching.CampaignFunding, error) {
	q := st.db.Rebind(`SELECT ` + fundingColumns + ` FROM campaign_fundings
		WHERE campaign_id = ? ORDER BY allocation_order, id`)
	var rows []fundingRow
	if err := st.db.SelectContext(ctx, &rows, q, string(campaignID)); err != nil {
		return nil, classify("select campaign fundings", err)
	}
	out := make([]*matching.CampaignFunding, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEntity())
	}
	return out, nil
}

func (st *Store) FundingsByID(ctx context.Context, ids []matching.FundingID) (map[matching.FundingID]*matching.CampaignFunding, error) {
	out := make(map[matching.FundingID]*matching.CampaignFunding, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	q, args, err := sqlx.In(`SELECT `+fundingColumns+` FROM campaign_fundings WHERE id IN (?)`, raw)
	if err != nil {
		return nil, fmt.Errorf("build fundings query: %w", err)
	}
	var rows []fundingRow
	if err := st.db.SelectContext(ctx, &rows, st.db.Rebind(q), args...); err != nil {
		return nil, classify("select fundings by id", err)
	}
	for _, r := range rows {
		f := r.toEntity()
		out[f.ID] = f
	}
	return out, nil
}

func (st *Store) AllFundings(ctx context.Context) ([]*matching.CampaignFunding, error) {
	var rows []fundingRow
	if err := st.db.SelectContext(ctx, &rows, `SELECT `+fundingColumns+` FROM campaign_fundings ORDER BY id`); err != nil {
		return nil, classify("select all fundings", err)
	}
	out := make([]*matching.CampaignFunding, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEntity())
	}
	return out, nil
}

// SaveBalances flushes the entities' balance snapshots. Like RecordAllocation
// it joins the relational session's transaction when there is one, and runs
// its own transaction under a fast-store session (the release and
// reconciliation paths, where the fast store has already committed the
// authoritative mutation).
func (st *Store) SaveBalances(ctx context.Context, s matching.Session, fundings []*matching.CampaignFunding) error {
	ses, sesErr := st.session(s)
	ownTx := sesErr != nil
	if ownTx {
		tx, err := st.db.BeginTxx(ctx, nil)
		if err != nil {
			return classify("begin balance flush", err)
		}
		ses = &sqlSession{tx: tx, owner: st}
		defer func() {
			if ses.tx != nil {
				_ = ses.tx.Rollback()
			}
		}()
	}

	for _, f := range fundings {
		if err := st.writeBalance(ctx, ses, f.ID, f.AmountAvailable.Value); err != nil {
			return classify("save balances", err)
		}
	}

	if ownTx {
		tx := ses.tx
		ses.tx = nil
		if err := tx.Commit(); err != nil {
			return classify("commit balance flush", err)
		}
	}
	return nil
}

// =============================================================================
// WITHDRAWAL LEDGER
// =============================================================================

// RecordAllocation writes the new ledger rows and the touched balance
// snapshots in one atomic flush. Inside a relational bracket it joins the
// session's transaction (one commit covers store mutation and ledger); under
// a fast-store session it runs its own transaction, and the Allocator's
// compensation protects the store if it fails.
func (st *Store) RecordAllocation(ctx context.Context, s matching.Session, d *matching.Donation, created []matching.FundingWithdrawal, touched []*matching.CampaignFunding) error {
	ses, sesErr := st.session(s)
	ownTx := sesErr != nil
	if ownTx {
		tx, err := st.db.BeginTxx(ctx, nil)
		if err != nil {
			return classify("begin ledger flush", err)
		}
		ses = &sqlSession{tx: tx, owner: st}
		defer func() {
			if ses.tx != nil {
				_ = ses.tx.Rollback()
			}
		}()
	}

	insert := st.db.Rebind(`INSERT INTO funding_withdrawals (id, funding_id, donation_id, amount, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	for _, w := range created {
		if _, err := ses.tx.ExecContext(ctx, insert,
			string(w.ID), string(w.FundingID), string(d.ID), w.Amount.Value, w.CreatedAt); err != nil {
			return classify("insert withdrawal", err)
		}
	}
	for _, f := range touched {
		if err := st.writeBalance(ctx, ses, f.ID, f.AmountAvailable.Value); err != nil {
			return classify("flush funding balance", err)
		}
	}

	if ownTx {
		tx := ses.tx
		ses.tx = nil
		if err := tx.Commit(); err != nil {
			return classify("commit ledger flush", err)
		}
	}
	return nil
}

func (st *Store) DeleteForDonation(ctx context.Context, donationID matching.DonationID) (int, error) {
	q := st.db.Rebind(`DELETE FROM funding_withdrawals WHERE donation_id = ?`)
	res, err := st.db.ExecContext(ctx, q, string(donationID))
	if err != nil {
		return 0, classify("delete withdrawals", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("delete withdrawals", err)
	}
	return int(n), nil
}

func (st *Store) TotalForFunding(ctx context.Context, f *matching.CampaignFunding) (matching.Money, error) {
	q := st.db.Rebind(`SELECT amount FROM funding_withdrawals WHERE funding_id = ?`)
	var amounts []decimal.Decimal
	if err := st.db.SelectContext(ctx, &amounts, q, string(f.ID)); err != nil {
		return matching.Money{}, classify("sum withdrawals", err)
	}
	// Summed in Go: exactness never depends on the column type.
	total := matching.Zero(f.Currency())
	for _, a := range amounts {
		total = total.Add(matching.NewMoney(a, f.Currency()))
	}
	return total, nil
}

// =============================================================================
// DONATION REPOSITORY
// =============================================================================

const donationColumns = `id, campaign_id, amount, currency, status, created_at, collected_at`

func (st *Store) Redistributable(ctx context.Context, campaignsClosedSince, collectedSince time.Time) ([]*matching.Donation, error) {
	q := st.db.Rebind(`SELECT d.id, d.campaign_id, d.amount, d.currency, d.status, d.created_at, d.collected_at
		FROM donations d
		JOIN campaigns c ON c.id = d.campaign_id
		WHERE d.status = ? AND d.collected_at >= ?
		  AND c.closed_at IS NOT NULL AND c.closed_at >= ?
		ORDER BY d.id`)
	var rows []donationRow
	if err := st.db.SelectContext(ctx, &rows, q, string(matching.DonationCollected), collectedSince, campaignsClosedSince); err != nil {
		return nil, classify("select redistributable donations", err)
	}
	donations, err := st.attachWithdrawals(ctx, rows)
	if err != nil {
		return nil, err
	}
	var out []*matching.Donation
	for _, d := range donations {
		if len(d.Withdrawals) > 0 {
			out = append(out, d)
		}
	}
	return out, nil
}

func (st *Store) PendingBefore(ctx context.Context, cutoff time.Time) ([]*matching.Donation, error) {
	q := st.db.Rebind(`SELECT ` + donationColumns + ` FROM donations
		WHERE status = ? AND created_at < ? ORDER BY id`)
	var rows []donationRow
	if err := st.db.SelectContext(ctx, &rows, q, string(matching.DonationPending), cutoff); err != nil {
		return nil, classify("select pending donations", err)
	}
	donations, err := st.attachWithdrawals(ctx, rows)
	if err != nil {
		return nil, err
	}
	var out []*matching.Donation
	for _, d := range donations {
		if len(d.Withdrawals) > 0 {
			out = append(out, d)
		}
	}
	return out, nil
}

func (st *Store) CollectedUnmatchedSince(ctx context.Context, since time.Time) ([]*matching.Donation, error) {
	q := st.db.Rebind(`SELECT ` + donationColumns + ` FROM donations
		WHERE status = ? AND collected_at >= ? ORDER BY id`)
	var rows []donationRow
	if err := st.db.SelectContext(ctx, &rows, q, string(matching.DonationCollected), since); err != nil {
		return nil, classify("select unmatched donations", err)
	}
	donations, err := st.attachWithdrawals(ctx, rows)
	if err != nil {
		return nil, err
	}
	var out []*matching.Donation
	for _, d := range donations {
		if !d.IsFullyMatched() {
			out = append(out, d)
		}
	}
	return out, nil
}

// attachWithdrawals loads each donation's ledger rows in one IN query.
func (st *Store) attachWithdrawals(ctx context.Context, rows []donationRow) ([]*matching.Donation, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	out := make([]*matching.Donation, 0, len(rows))
	byID := make(map[matching.DonationID]*matching.Donation, len(rows))
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		d := r.toEntity()
		out = append(out, d)
		byID[d.ID] = d
		ids = append(ids, string(d.ID))
	}

	q, args, err := sqlx.In(`SELECT id, funding_id, donation_id, amount, created_at
		FROM funding_withdrawals WHERE donation_id IN (?) ORDER BY created_at, id`, ids)
	if err != nil {
		return nil, fmt.Errorf("build withdrawals query: %w", err)
	}
	var wRows []withdrawalRow
	if err := st.db.SelectContext(ctx, &wRows, st.db.Rebind(q), args...); err != nil {
		return nil, classify("select withdrawals", err)
	}
	for _, r := range wRows {
		d := byID[matching.DonationID(r.DonationID)]
		if d == nil {
			continue
		}
		d.Withdrawals = append(d.Withdrawals, r.toEntity(d.Amount.Currency))
	}
	return out, nil
}

// =============================================================================
// REFERENCE-DATA WRITES
// =============================================================================

// SaveCampaign upserts a campaign and its close time.
func (st *Store) SaveCampaign(ctx context.Context, id matching.CampaignID, closedAt *time.Time) error {
	q := st.db.Rebind(`INSERT INTO campaigns (id, closed_at) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET closed_at = excluded.closed_at`)
	_, err := st.db.ExecContext(ctx, q, string(id), closedAt)
	return classify("save campaign", err)
}

// SaveFunding upserts a funding pot, including its available balance.
func (st *Store) SaveFunding(ctx context.Context, f *matching.CampaignFunding) error {
	q := st.db.Rebind(`INSERT INTO campaign_fundings (` + fundingColumns + `) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET amount = excluded.amount,
			amount_available = excluded.amount_available,
			allocation_order = excluded.allocation_order`)
	_, err := st.db.ExecContext(ctx, q,
		string(f.ID), string(f.CampaignID), f.Amount.Value, f.AmountAvailable.Value,
		f.AllocationOrder, string(f.Currency()))
	return classify("save funding", err)
}

// SaveDonation upserts a donation's engine-visible fields.
func (st *Store) SaveDonation(ctx context.Context, d *matching.Donation) error {
	var collectedAt *time.Time
	if !d.CollectedAt.IsZero() {
		collectedAt = &d.CollectedAt
	}
	q := st.db.Rebind(`INSERT INTO donations (` + donationColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, collected_at = excluded.collected_at`)
	_, err := st.db.ExecContext(ctx, q,
		string(d.ID), string(d.CampaignID), d.Amount.Value, string(d.Amount.Currency),
		string(d.Status), d.CreatedAt, collectedAt)
	return classify("save donation", err)
}
