package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"tradeharvest/internal/model"
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) RecordRows(ctx context.Context, runID string, query model.Query, rows []model.CanonicalRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trade_rows (
			run_id, flow, product_code, ref_period, reporter_desc, partner_desc,
			flow_desc, cmd_desc, cifvalue, fobvalue, primary_value, qty,
			net_wgt, gross_wgt, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, row := range rows {
		_, err = stmt.ExecContext(
			ctx,
			runID,
			string(query.Flow),
			row.ProductCode,
			row.RefPeriod,
			row.ReporterDesc,
			row.PartnerDesc,
			row.FlowDesc,
			row.CmdDesc,
			row.CIFValue,
			row.FOBValue,
			row.PrimaryValue,
			row.Qty,
			row.NetWgt,
			row.GrossWgt,
			now,
		)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) RecordOutcome(ctx context.Context, runID string, query model.Query, status string, attempts, rowCount int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fetch_log (
			run_id, period, reporter_code, commodity_code, flow, status,
			attempts, row_count, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		runID,
		query.Period,
		query.ReporterCode,
		query.CommodityCode,
		string(query.Flow),
		status,
		attempts,
		rowCount,
		time.Now().UTC(),
	)
	return err
}

func (s *Store) migrate() error {
	statements := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS trade_rows (
			run_id TEXT NOT NULL,
			flow TEXT NOT NULL,
			product_code TEXT NOT NULL,
			ref_period TEXT NOT NULL,
			reporter_desc TEXT,
			partner_desc TEXT,
			flow_desc TEXT,
			cmd_desc TEXT,
			cifvalue TEXT,
			fobvalue TEXT,
			primary_value TEXT,
			qty TEXT,
			net_wgt TEXT,
			gross_wgt TEXT,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS fetch_log (
			run_id TEXT NOT NULL,
			period TEXT NOT NULL,
			reporter_code TEXT NOT NULL,
			commodity_code TEXT NOT NULL,
			flow TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			row_count INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trade_rows_run ON trade_rows (run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_fetch_log_run ON fetch_log (run_id);`,
	}

	for _, statement := range statements {
		if _, err := s.db.Exec(statement); err != nil {
			return err
		}
	}

	return nil
}
