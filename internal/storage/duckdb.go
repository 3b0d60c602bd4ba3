// Package storage persists price history, address labels, tax events and run
// records in DuckDB. One database file is shared by every worker on a host;
// writes are batched inside transactions with prepared statements.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainledger/chainledger/pkg/labels"
	"github.com/chainledger/chainledger/pkg/model"
	"github.com/chainledger/chainledger/pkg/pricing"
)

// Storage wraps the DuckDB connection.
type Storage struct {
	db     *sql.DB
	logger *zap.Logger
}

// New opens (or creates) the database at path and ensures the schema.
// An empty path opens an in-memory database, used by tests.
func New(path string, logger *zap.Logger) (*Storage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB at %q: %w", path, err)
	}
	s := &Storage{db: db, logger: logger}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	logger.Info("storage ready", zap.String("path", path))
	return s, nil
}

func (s *Storage) initialize() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS price_points (
			asset_key VARCHAR NOT NULL,
			at TIMESTAMP NOT NULL,
			price VARCHAR NOT NULL,
			source VARCHAR NOT NULL,
			PRIMARY KEY (asset_key, at)
		)`,
		`CREATE TABLE IF NOT EXISTS address_labels (
			chain VARCHAR NOT NULL,
			address VARCHAR NOT NULL,
			name VARCHAR NOT NULL,
			category VARCHAR NOT NULL,
			PRIMARY KEY (chain, address)
		)`,
		`CREATE TABLE IF NOT EXISTS tax_events (
			id VARCHAR PRIMARY KEY,
			wallet VARCHAR NOT NULL,
			asset_key VARCHAR NOT NULL,
			symbol VARCHAR NOT NULL,
			quantity VARCHAR NOT NULL,
			proceeds VARCHAR NOT NULL,
			cost_basis VARCHAR NOT NULL,
			gain VARCHAR NOT NULL,
			acquired_at TIMESTAMP NOT NULL,
			disposed_at TIMESTAMP NOT NULL,
			term VARCHAR NOT NULL,
			lot_id VARCHAR NOT NULL,
			acquire_tx_hash VARCHAR NOT NULL,
			dispose_tx_hash VARCHAR NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS quarantined_transfers (
			wallet VARCHAR NOT NULL,
			tx_id VARCHAR NOT NULL,
			asset_key VARCHAR NOT NULL,
			symbol VARCHAR NOT NULL,
			quantity VARCHAR NOT NULL,
			at TIMESTAMP NOT NULL,
			reason VARCHAR NOT NULL,
			PRIMARY KEY (wallet, tx_id, asset_key)
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id VARCHAR PRIMARY KEY,
			wallet VARCHAR NOT NULL,
			chain VARCHAR NOT NULL,
			status VARCHAR NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP,
			events INTEGER NOT NULL,
			quarantined INTEGER NOT NULL,
			unknown INTEGER NOT NULL,
			negative_balances INTEGER NOT NULL,
			warnings VARCHAR
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// SavePrices upserts a batch of price observations.
func (s *Storage) SavePrices(ctx context.Context, points []pricing.PricePoint) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO price_points (asset_key, at, price, source) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.Exec(p.AssetKey, p.At.UTC(), p.Price.String(), p.Source); err != nil {
			return fmt.Errorf("failed to insert price %s@%s: %w", p.AssetKey, p.At, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit price batch: %w", err)
	}
	s.logger.Debug("stored prices", zap.Int("count", len(points)))
	return nil
}

// NearestPrice returns the stored observation closest to at within
// tolerance. The boolean is false when the window is empty.
func (s *Storage) NearestPrice(ctx context.Context, assetKey string, at time.Time, tolerance time.Duration) (pricing.PricePoint, bool, error) {
	at = at.UTC()
	row := s.db.QueryRowContext(ctx, `
		SELECT at, price, source
		FROM price_points
		WHERE asset_key = ? AND at BETWEEN ? AND ?
		ORDER BY abs(epoch(at) - epoch(CAST(? AS TIMESTAMP)))
		LIMIT 1`,
		assetKey, at.Add(-tolerance), at.Add(tolerance), at)

	var (
		obsAt  time.Time
		priceS string
		source string
	)
	if err := row.Scan(&obsAt, &priceS, &source); err != nil {
		if err == sql.ErrNoRows {
			return pricing.PricePoint{}, false, nil
		}
		return pricing.PricePoint{}, false, fmt.Errorf("price lookup for %s failed: %w", assetKey, err)
	}
	price, err := decimal.NewFromString(priceS)
	if err != nil {
		return pricing.PricePoint{}, false, fmt.Errorf("corrupt stored price %q for %s: %w", priceS, assetKey, err)
	}
	return pricing.PricePoint{AssetKey: assetKey, At: obsAt.UTC(), Price: price, Source: source}, true, nil
}

// LookupLabel implements labels.Store.
func (s *Storage) LookupLabel(chain, address string) (labels.Label, bool, error) {
	row := s.db.QueryRow(
		`SELECT name, category FROM address_labels WHERE chain = ? AND lower(address) = lower(?)`,
		chain, address)

	l := labels.Label{Chain: chain, Address: address}
	if err := row.Scan(&l.Name, &l.Category); err != nil {
		if err == sql.ErrNoRows {
			return labels.Label{}, false, nil
		}
		return labels.Label{}, false, fmt.Errorf("label lookup %s:%s failed: %w", chain, address, err)
	}
	return l, true, nil
}

// BulkLoadLabels replaces or inserts a batch of curated labels.
func (s *Storage) BulkLoadLabels(ctx context.Context, ls []labels.Label) error {
	if len(ls) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO address_labels (chain, address, name, category) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, l := range ls {
		if err := labels.Validate(l); err != nil {
			return err
		}
		if _, err := stmt.Exec(l.Chain, l.Address, l.Name, l.Category); err != nil {
			return fmt.Errorf("failed to insert label %s:%s: %w", l.Chain, l.Address, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit label batch: %w", err)
	}
	s.logger.Info("loaded labels", zap.Int("count", len(ls)))
	return nil
}

// SaveTaxEvents upserts the events of one completed run. Event IDs are
// random per run; re-runs do not replay already-ledgered transactions (the
// checkpoint cursor skips them), so no duplicate rows arise from resuming.
func (s *Storage) SaveTaxEvents(ctx context.Context, events []model.TaxEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO tax_events (
		id, wallet, asset_key, symbol, quantity, proceeds, cost_basis, gain,
		acquired_at, disposed_at, term, lot_id, acquire_tx_hash, dispose_tx_hash
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		_, err := stmt.Exec(
			e.ID, e.Wallet, e.AssetKey, e.Symbol,
			e.Quantity.String(), e.Proceeds.String(), e.CostBasis.String(), e.Gain.String(),
			e.AcquiredAt.UTC(), e.DisposedAt.UTC(), string(e.Term),
			e.LotID, e.AcquireTxHash, e.DisposeTxHash,
		)
		if err != nil {
			return fmt.Errorf("failed to insert tax event %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tax events: %w", err)
	}
	s.logger.Info("stored tax events", zap.Int("count", len(events)))
	return nil
}

// TaxEventsForWallet returns the stored events for one wallet ordered by
// disposal time.
func (s *Storage) TaxEventsForWallet(ctx context.Context, wallet string) ([]model.TaxEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, wallet, asset_key, symbol, quantity, proceeds, cost_basis, gain,
		       acquired_at, disposed_at, term, lot_id, acquire_tx_hash, dispose_tx_hash
		FROM tax_events WHERE wallet = ? ORDER BY disposed_at, id`, wallet)
	if err != nil {
		return nil, fmt.Errorf("tax event query for %s failed: %w", wallet, err)
	}
	defer rows.Close()

	var out []model.TaxEvent
	for rows.Next() {
		var (
			e                                   model.TaxEvent
			qty, proceeds, basis, gain, termStr string
		)
		if err := rows.Scan(&e.ID, &e.Wallet, &e.AssetKey, &e.Symbol, &qty, &proceeds, &basis, &gain,
			&e.AcquiredAt, &e.DisposedAt, &termStr, &e.LotID, &e.AcquireTxHash, &e.DisposeTxHash); err != nil {
			return nil, fmt.Errorf("tax event scan failed: %w", err)
		}
		if e.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("corrupt quantity %q on %s: %w", qty, e.ID, err)
		}
		if e.Proceeds, err = decimal.NewFromString(proceeds); err != nil {
			return nil, fmt.Errorf("corrupt proceeds %q on %s: %w", proceeds, e.ID, err)
		}
		if e.CostBasis, err = decimal.NewFromString(basis); err != nil {
			return nil, fmt.Errorf("corrupt cost basis %q on %s: %w", basis, e.ID, err)
		}
		if e.Gain, err = decimal.NewFromString(gain); err != nil {
			return nil, fmt.Errorf("corrupt gain %q on %s: %w", gain, e.ID, err)
		}
		e.Term = model.HoldingTerm(termStr)
		e.AcquiredAt = e.AcquiredAt.UTC()
		e.DisposedAt = e.DisposedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// QuarantineRecord is one transfer withheld from lot accounting, persisted
// so it stays visible after the run that produced it.
type QuarantineRecord struct {
	Wallet   string
	TxID     string
	AssetKey string
	Symbol   string
	Quantity decimal.Decimal
	At       time.Time
	Reason   string
}

// SaveQuarantined upserts the quarantined transfers of one run. Re-running a
// wallet replaces rows by (wallet, tx_id, asset_key), so a transfer that
// prices successfully later simply stops being re-inserted.
func (s *Storage) SaveQuarantined(ctx context.Context, records []QuarantineRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO quarantined_transfers (
		wallet, tx_id, asset_key, symbol, quantity, at, reason
	) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.Exec(r.Wallet, r.TxID, r.AssetKey, r.Symbol, r.Quantity.String(), r.At.UTC(), r.Reason); err != nil {
			return fmt.Errorf("failed to insert quarantined transfer %s/%s: %w", r.TxID, r.AssetKey, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit quarantined transfers: %w", err)
	}
	s.logger.Info("stored quarantined transfers", zap.Int("count", len(records)))
	return nil
}

// QuarantinedForWallet lists the stored quarantined transfers for one wallet.
func (s *Storage) QuarantinedForWallet(ctx context.Context, wallet string) ([]QuarantineRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT wallet, tx_id, asset_key, symbol, quantity, at, reason
		FROM quarantined_transfers WHERE wallet = ? ORDER BY at, tx_id`, wallet)
	if err != nil {
		return nil, fmt.Errorf("quarantine query for %s failed: %w", wallet, err)
	}
	defer rows.Close()

	var out []QuarantineRecord
	for rows.Next() {
		var (
			r   QuarantineRecord
			qty string
		)
		if err := rows.Scan(&r.Wallet, &r.TxID, &r.AssetKey, &r.Symbol, &qty, &r.At, &r.Reason); err != nil {
			return nil, fmt.Errorf("quarantine scan failed: %w", err)
		}
		if r.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("corrupt quantity %q on %s: %w", qty, r.TxID, err)
		}
		r.At = r.At.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunRecord summarizes one processing run for audit.
type RunRecord struct {
	RunID            string
	Wallet           string
	Chain            string
	Status           string
	StartedAt        time.Time
	FinishedAt       time.Time
	Events           int
	Quarantined      int
	Unknown          int
	NegativeBalances int
	Warnings         string
}

// SaveRun records the outcome of one processing run.
func (s *Storage) SaveRun(ctx context.Context, r RunRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO runs (
		run_id, wallet, chain, status, started_at, finished_at,
		events, quarantined, unknown, negative_balances, warnings
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Wallet, r.Chain, r.Status, r.StartedAt.UTC(), r.FinishedAt.UTC(),
		r.Events, r.Quarantined, r.Unknown, r.NegativeBalances, r.Warnings)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", r.RunID, err)
	}
	return nil
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}
