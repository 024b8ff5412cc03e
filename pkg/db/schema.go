package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS trade_records (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    account TEXT NOT NULL,
    server TEXT NOT NULL DEFAULT '',
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    volume REAL NOT NULL,
    open_price REAL NOT NULL DEFAULT 0,
    stop_loss REAL NOT NULL DEFAULT 0,
    take_profit REAL NOT NULL DEFAULT 0,
    open_time INTEGER NOT NULL,
    close_price REAL,
    close_time INTEGER,
    profit REAL NOT NULL DEFAULT 0,
    commission REAL NOT NULL DEFAULT 0,
    swap REAL NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'OPEN',
    ticket TEXT NOT NULL,
    CHECK (close_time IS NULL OR close_time >= open_time)
);

CREATE INDEX IF NOT EXISTS idx_trade_records_user ON trade_records(user_id, account, status);
CREATE INDEX IF NOT EXISTS idx_trade_records_ticket ON trade_records(ticket);

CREATE TABLE IF NOT EXISTS prediction_records (
    id TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL DEFAULT '',
    time INTEGER NOT NULL,
    direction TEXT NOT NULL,
    confidence REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
    entry_price REAL NOT NULL DEFAULT 0,
    stop_loss REAL NOT NULL DEFAULT 0,
    take_profit REAL NOT NULL DEFAULT 0,
    risk_reward REAL NOT NULL DEFAULT 0,
    market_regime TEXT NOT NULL DEFAULT '',
    outcome TEXT NOT NULL DEFAULT 'PENDING',
    profit_units REAL NOT NULL DEFAULT 0,
    resolved_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_prediction_records_symbol ON prediction_records(symbol, time);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Prediction linkage was added after the first release.
	if err := ensureColumn(d.DB, "trade_records", "prediction_id", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trade_records", "prediction_direction", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trade_records", "prediction_confidence", "REAL"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
