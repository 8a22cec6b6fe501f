package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tradefleet/internal/models"

	_ "github.com/mattn/go-sqlite3" // Import the sqlite3 driver
)

// Store is long-term trade and bot-state storage on SQLite. Trades are
// append-only; bot state is upserted per bot id.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection and creates necessary tables.
func Open(dataSourceName string) (*Store, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err = createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	// Trades are an append-only record of every closed simulated or live
	// trade; rows are never updated.
	createTradesTableSQL := `
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		market TEXT NOT NULL,
		direction TEXT NOT NULL,
		entry_time INTEGER NOT NULL,
		exit_time INTEGER NOT NULL,
		entry_price TEXT NOT NULL,
		exit_price TEXT NOT NULL,
		size TEXT NOT NULL,
		pnl TEXT NOT NULL,
		fee TEXT NOT NULL,
		exit_reason TEXT NOT NULL,
		recorded_at INTEGER NOT NULL
	);`

	if _, err := db.Exec(createTradesTableSQL); err != nil {
		return err
	}

	// Bot state is one row per bot, replaced on every lifecycle change.
	createBotStateTableSQL := `
	CREATE TABLE IF NOT EXISTS bot_state (
		bot_id TEXT PRIMARY KEY,
		strategy TEXT NOT NULL,
		strategy_version TEXT NOT NULL,
		state TEXT NOT NULL,
		risk_level INTEGER NOT NULL,
		params TEXT,
		last_error TEXT,
		last_sequence INTEGER NOT NULL,
		last_heartbeat INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`

	if _, err := db.Exec(createBotStateTableSQL); err != nil {
		return err
	}
	return nil
}

// PersistTrade appends one closed trade. Prices and sizes are stored as
// decimal strings so nothing is lost to float conversion.
func (s *Store) PersistTrade(trade *models.SimulatedTrade) error {
	query := `
	INSERT INTO trades (market, direction, entry_time, exit_time, entry_price, exit_price, size, pnl, fee, exit_reason, recorded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.Exec(query,
		trade.Market, string(trade.Direction),
		trade.EntryTime.UnixMilli(), trade.ExitTime.UnixMilli(),
		trade.EntryPrice.String(), trade.ExitPrice.String(),
		trade.Size.String(), trade.PnL.String(), trade.Fee.String(),
		string(trade.ExitReason), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade for %s: %w", trade.Market, err)
	}
	return nil
}

// PersistBotState upserts the bot's current record.
func (s *Store) PersistBotState(bot *models.Bot) error {
	params, err := json.Marshal(bot.Params)
	if err != nil {
		return fmt.Errorf("failed to encode params for bot %s: %w", bot.ID, err)
	}

	query := `
	INSERT INTO bot_state (bot_id, strategy, strategy_version, state, risk_level, params, last_error, last_sequence, last_heartbeat, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(bot_id) DO UPDATE SET
		strategy = excluded.strategy,
		strategy_version = excluded.strategy_version,
		state = excluded.state,
		risk_level = excluded.risk_level,
		params = excluded.params,
		last_error = excluded.last_error,
		last_sequence = excluded.last_sequence,
		last_heartbeat = excluded.last_heartbeat,
		updated_at = excluded.updated_at;`

	_, err = s.db.Exec(query,
		bot.ID, bot.Strategy, bot.StrategyVersion, string(bot.State),
		bot.RiskLevel, string(params), bot.LastError,
		bot.LastSequence, bot.LastHeartbeat.UnixMilli(), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save state for bot %s: %w", bot.ID, err)
	}
	return nil
}

// TradeCount returns the number of recorded trades for a market, or all
// markets when market is empty.
func (s *Store) TradeCount(market string) (int64, error) {
	var count int64
	var err error
	if market == "" {
		err = s.db.QueryRow("SELECT COUNT(*) FROM trades").Scan(&count)
	} else {
		err = s.db.QueryRow("SELECT COUNT(*) FROM trades WHERE market = ?", market).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count trades: %w", err)
	}
	return count, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
