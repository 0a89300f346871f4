// Package storage persists the trading record to SQLite: open positions for
// crash recovery, closed trades, daily and per-strategy performance, option
// chain snapshots for offline analysis, and operator settings (including the
// circuit-breaker latch).
//
// The database runs in WAL mode with NORMAL synchronous. Every timestamp is
// written as RFC3339 in IST so rows compare cleanly with the rest of the
// system.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"indiaoptions-bot/internal/clock"
	"indiaoptions-bot/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id             TEXT PRIMARY KEY,
	instrument_key TEXT NOT NULL,
	symbol         TEXT NOT NULL,
	direction      TEXT NOT NULL,
	strike         REAL NOT NULL,
	expiry         TEXT NOT NULL,
	quantity       INTEGER NOT NULL,
	entry_price    REAL NOT NULL,
	entry_time     TEXT NOT NULL,
	current_price  REAL NOT NULL,
	unrealized_pnl REAL NOT NULL,
	target_price   REAL NOT NULL,
	stop_loss      REAL NOT NULL,
	t1             REAL NOT NULL DEFAULT 0,
	t2             REAL NOT NULL DEFAULT 0,
	t3             REAL NOT NULL DEFAULT 0,
	ladders_done   INTEGER NOT NULL DEFAULT 0,
	state          TEXT NOT NULL,
	strategy_id    TEXT NOT NULL,
	entry_regime   TEXT NOT NULL DEFAULT '',
	entry_spot     REAL NOT NULL DEFAULT 0,
	entry_iv       REAL NOT NULL DEFAULT 0,
	entry_pcr      REAL NOT NULL DEFAULT 0,
	entry_vix      REAL NOT NULL DEFAULT 0,
	entry_hour     INTEGER NOT NULL DEFAULT 0,
	entry_minute   INTEGER NOT NULL DEFAULT 0,
	entry_weekday  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS trades (
	id             TEXT PRIMARY KEY,
	position_id    TEXT NOT NULL,
	instrument_key TEXT NOT NULL,
	symbol         TEXT NOT NULL,
	direction      TEXT NOT NULL,
	strike         REAL NOT NULL,
	expiry         TEXT NOT NULL,
	quantity       INTEGER NOT NULL,
	entry_price    REAL NOT NULL,
	entry_time     TEXT NOT NULL,
	exit_price     REAL NOT NULL,
	exit_time      TEXT NOT NULL,
	exit_reason    TEXT NOT NULL,
	gross_pnl      REAL NOT NULL,
	fees_json      TEXT NOT NULL,
	net_pnl        REAL NOT NULL,
	strategy_id    TEXT NOT NULL,
	entry_context  TEXT NOT NULL DEFAULT '{}',
	exit_context   TEXT NOT NULL DEFAULT '{}',
	hold_ms        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades(exit_time);
CREATE INDEX IF NOT EXISTS idx_trades_strategy ON trades(strategy_id);

CREATE TABLE IF NOT EXISTS daily_performance (
	day       TEXT PRIMARY KEY,
	trades    INTEGER NOT NULL DEFAULT 0,
	wins      INTEGER NOT NULL DEFAULT 0,
	losses    INTEGER NOT NULL DEFAULT 0,
	gross_pnl REAL NOT NULL DEFAULT 0,
	net_pnl   REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS strategy_performance (
	day         TEXT NOT NULL,
	strategy_id TEXT NOT NULL,
	signals     INTEGER NOT NULL DEFAULT 0,
	executed    INTEGER NOT NULL DEFAULT 0,
	wins        INTEGER NOT NULL DEFAULT 0,
	losses      INTEGER NOT NULL DEFAULT 0,
	net_pnl     REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (day, strategy_id)
);

CREATE TABLE IF NOT EXISTS option_chain_snapshots (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol     TEXT NOT NULL,
	expiry     TEXT NOT NULL,
	fetched_at TEXT NOT NULL,
	spot       REAL NOT NULL,
	chain_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chain_snapshots ON option_chain_snapshots(symbol, fetched_at);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS capital (
	day       TEXT PRIMARY KEY,
	starting  REAL NOT NULL,
	current   REAL NOT NULL,
	daily_pnl REAL NOT NULL
);
`

// DailyRow is one day of aggregate performance.
type DailyRow struct {
	Day      string
	Trades   int
	Wins     int
	Losses   int
	GrossPnL float64
	NetPnL   float64
}

// StrategyRow is one strategy's counters for one day.
type StrategyRow struct {
	Day        string
	StrategyID string
	Signals    int
	Executed   int
	Wins       int
	Losses     int
	NetPnL     float64
}

// Store wraps the SQLite connection.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates (or opens) the database at path and migrates the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The driver serialises access per connection; a single connection
	// avoids SQLITE_BUSY between loops.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db, logger: logger.With("component", "storage")}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ———————————————————————————————————————————————————————————— positions

// SavePosition upserts a position row. Called on open, on every state
// change, and on close (state CLOSED stays for the audit trail).
func (s *Store) SavePosition(p types.Position) error {
	_, err := s.db.Exec(`
		INSERT INTO positions (id, instrument_key, symbol, direction, strike, expiry,
			quantity, entry_price, entry_time, current_price, unrealized_pnl,
			target_price, stop_loss, t1, t2, t3, ladders_done, state, strategy_id,
			entry_regime, entry_spot, entry_iv, entry_pcr, entry_vix,
			entry_hour, entry_minute, entry_weekday)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			quantity=excluded.quantity, current_price=excluded.current_price,
			unrealized_pnl=excluded.unrealized_pnl, ladders_done=excluded.ladders_done,
			state=excluded.state`,
		p.ID, p.InstrumentKey, p.Symbol, string(p.Direction), p.Strike, p.Expiry,
		p.Quantity, p.EntryPrice, istString(p.EntryTime), p.CurrentPrice, p.UnrealizedPnL,
		p.TargetPrice, p.StopLoss, p.T1, p.T2, p.T3, p.LaddersDone, string(p.State), p.StrategyID,
		string(p.EntryRegime), p.EntryContext.Spot, p.EntryContext.IV, p.EntryContext.PCR,
		p.EntryVIX, p.EntryHour, p.EntryMinute, p.EntryWeekday,
	)
	if err != nil {
		return fmt.Errorf("save position %s: %w", p.ID, err)
	}
	return nil
}

// LoadOpenPositions returns positions not yet CLOSED, for restart recovery.
func (s *Store) LoadOpenPositions() ([]types.Position, error) {
	rows, err := s.db.Query(`
		SELECT id, instrument_key, symbol, direction, strike, expiry, quantity,
			entry_price, entry_time, current_price, unrealized_pnl, target_price,
			stop_loss, t1, t2, t3, ladders_done, state, strategy_id, entry_regime,
			entry_spot, entry_iv, entry_pcr, entry_vix,
			entry_hour, entry_minute, entry_weekday
		FROM positions WHERE state != ?`, string(types.PositionClosed))
	if err != nil {
		return nil, fmt.Errorf("load open positions: %w", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		var p types.Position
		var direction, entryTime, state, regime string
		if err := rows.Scan(&p.ID, &p.InstrumentKey, &p.Symbol, &direction, &p.Strike,
			&p.Expiry, &p.Quantity, &p.EntryPrice, &entryTime, &p.CurrentPrice,
			&p.UnrealizedPnL, &p.TargetPrice, &p.StopLoss, &p.T1, &p.T2, &p.T3,
			&p.LaddersDone, &state, &p.StrategyID, &regime,
			&p.EntryContext.Spot, &p.EntryContext.IV, &p.EntryContext.PCR, &p.EntryVIX,
			&p.EntryHour, &p.EntryMinute, &p.EntryWeekday); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.Direction = types.Side(direction)
		p.State = types.PositionState(state)
		p.EntryRegime = types.MarketRegime(regime)
		p.EntryContext.VIX = p.EntryVIX
		p.EntryTime = parseIST(entryTime)
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePosition removes a position row (used after archiving old days).
func (s *Store) DeletePosition(id string) error {
	_, err := s.db.Exec(`DELETE FROM positions WHERE id = ?`, id)
	return err
}

// ———————————————————————————————————————————————————————————— trades

// SaveTrade persists a closed trade. Trades are immutable; a duplicate ID is
// an error.
func (s *Store) SaveTrade(t types.Trade) error {
	fees, err := json.Marshal(t.Fees)
	if err != nil {
		return fmt.Errorf("marshal fees: %w", err)
	}
	entryCtx, _ := json.Marshal(t.EntryContext)
	exitCtx, _ := json.Marshal(t.ExitContext)

	_, err = s.db.Exec(`
		INSERT INTO trades (id, position_id, instrument_key, symbol, direction,
			strike, expiry, quantity, entry_price, entry_time, exit_price, exit_time,
			exit_reason, gross_pnl, fees_json, net_pnl, strategy_id, entry_context,
			exit_context, hold_ms)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.PositionID, t.InstrumentKey, t.Symbol, string(t.Direction),
		t.Strike, t.Expiry, t.Quantity, t.EntryPrice, istString(t.EntryTime),
		t.ExitPrice, istString(t.ExitTime), string(t.ExitReason), t.GrossPnL,
		string(fees), t.NetPnL, t.StrategyID, string(entryCtx), string(exitCtx),
		t.HoldDuration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("save trade %s: %w", t.ID, err)
	}
	return nil
}

// TradesOn returns the trades closed on the given IST day.
func (s *Store) TradesOn(day time.Time) ([]types.Trade, error) {
	prefix := day.In(clock.IST).Format("2006-01-02")
	rows, err := s.db.Query(`
		SELECT id, position_id, instrument_key, symbol, direction, strike, expiry,
			quantity, entry_price, entry_time, exit_price, exit_time, exit_reason,
			gross_pnl, fees_json, net_pnl, strategy_id, entry_context, exit_context, hold_ms
		FROM trades WHERE exit_time LIKE ? ORDER BY exit_time`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("trades on %s: %w", prefix, err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// RecentTrades returns up to limit trades, newest first.
func (s *Store) RecentTrades(limit int) ([]types.Trade, error) {
	rows, err := s.db.Query(`
		SELECT id, position_id, instrument_key, symbol, direction, strike, expiry,
			quantity, entry_price, entry_time, exit_price, exit_time, exit_reason,
			gross_pnl, fees_json, net_pnl, strategy_id, entry_context, exit_context, hold_ms
		FROM trades ORDER BY exit_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func scanTrades(rows *sql.Rows) ([]types.Trade, error) {
	var out []types.Trade
	for rows.Next() {
		var t types.Trade
		var direction, entryTime, exitTime, reason, fees, entryCtx, exitCtx string
		var holdMS int64
		if err := rows.Scan(&t.ID, &t.PositionID, &t.InstrumentKey, &t.Symbol,
			&direction, &t.Strike, &t.Expiry, &t.Quantity, &t.EntryPrice, &entryTime,
			&t.ExitPrice, &exitTime, &reason, &t.GrossPnL, &fees, &t.NetPnL,
			&t.StrategyID, &entryCtx, &exitCtx, &holdMS); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Direction = types.Side(direction)
		t.ExitReason = types.ExitReason(reason)
		t.EntryTime = parseIST(entryTime)
		t.ExitTime = parseIST(exitTime)
		t.HoldDuration = time.Duration(holdMS) * time.Millisecond
		json.Unmarshal([]byte(fees), &t.Fees)
		json.Unmarshal([]byte(entryCtx), &t.EntryContext)
		json.Unmarshal([]byte(exitCtx), &t.ExitContext)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ———————————————————————————————————————————————————— performance counters

// RecordDailyTrade folds one closed trade into the day's aggregate row.
func (s *Store) RecordDailyTrade(day time.Time, grossPnL, netPnL float64) error {
	d := day.In(clock.IST).Format("2006-01-02")
	win, loss := 0, 0
	if netPnL >= 0 {
		win = 1
	} else {
		loss = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO daily_performance (day, trades, wins, losses, gross_pnl, net_pnl)
		VALUES (?, 1, ?, ?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
			trades = trades + 1,
			wins = wins + excluded.wins,
			losses = losses + excluded.losses,
			gross_pnl = gross_pnl + excluded.gross_pnl,
			net_pnl = net_pnl + excluded.net_pnl`,
		d, win, loss, grossPnL, netPnL)
	if err != nil {
		return fmt.Errorf("record daily trade: %w", err)
	}
	return nil
}

// DailyPerformance returns the aggregate row for one IST day.
func (s *Store) DailyPerformance(day time.Time) (DailyRow, error) {
	d := day.In(clock.IST).Format("2006-01-02")
	row := DailyRow{Day: d}
	err := s.db.QueryRow(`
		SELECT trades, wins, losses, gross_pnl, net_pnl
		FROM daily_performance WHERE day = ?`, d).
		Scan(&row.Trades, &row.Wins, &row.Losses, &row.GrossPnL, &row.NetPnL)
	if errors.Is(err, sql.ErrNoRows) {
		return row, nil
	}
	if err != nil {
		return row, fmt.Errorf("daily performance %s: %w", d, err)
	}
	return row, nil
}

// RecordStrategySignal bumps the signal counter (and executed when the
// signal turned into an order) for one strategy on one day.
func (s *Store) RecordStrategySignal(day time.Time, strategyID string, executed bool) error {
	d := day.In(clock.IST).Format("2006-01-02")
	exec := 0
	if executed {
		exec = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO strategy_performance (day, strategy_id, signals, executed)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(day, strategy_id) DO UPDATE SET
			signals = signals + 1,
			executed = executed + excluded.executed`,
		d, strategyID, exec)
	if err != nil {
		return fmt.Errorf("record strategy signal: %w", err)
	}
	return nil
}

// RecordStrategyTrade folds one closed trade into the strategy's counters.
func (s *Store) RecordStrategyTrade(day time.Time, strategyID string, netPnL float64) error {
	d := day.In(clock.IST).Format("2006-01-02")
	win, loss := 0, 0
	if netPnL >= 0 {
		win = 1
	} else {
		loss = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO strategy_performance (day, strategy_id, wins, losses, net_pnl)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(day, strategy_id) DO UPDATE SET
			wins = wins + excluded.wins,
			losses = losses + excluded.losses,
			net_pnl = net_pnl + excluded.net_pnl`,
		d, strategyID, win, loss, netPnL)
	if err != nil {
		return fmt.Errorf("record strategy trade: %w", err)
	}
	return nil
}

// StrategyPerformance returns all strategy rows for one IST day.
func (s *Store) StrategyPerformance(day time.Time) ([]StrategyRow, error) {
	d := day.In(clock.IST).Format("2006-01-02")
	rows, err := s.db.Query(`
		SELECT day, strategy_id, signals, executed, wins, losses, net_pnl
		FROM strategy_performance WHERE day = ? ORDER BY strategy_id`, d)
	if err != nil {
		return nil, fmt.Errorf("strategy performance %s: %w", d, err)
	}
	defer rows.Close()

	var out []StrategyRow
	for rows.Next() {
		var r StrategyRow
		if err := rows.Scan(&r.Day, &r.StrategyID, &r.Signals, &r.Executed,
			&r.Wins, &r.Losses, &r.NetPnL); err != nil {
			return nil, fmt.Errorf("scan strategy row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ———————————————————————————————————————————————————— chain snapshots

// SaveChainSnapshot archives one option chain pull for offline analysis.
func (s *Store) SaveChainSnapshot(chain *types.OptionChain) error {
	if chain == nil {
		return nil
	}
	blob, err := json.Marshal(chain)
	if err != nil {
		return fmt.Errorf("marshal chain: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO option_chain_snapshots (symbol, expiry, fetched_at, spot, chain_json)
		VALUES (?, ?, ?, ?, ?)`,
		chain.Symbol, chain.Expiry, istString(chain.FetchedAt), chain.Spot, string(blob))
	if err != nil {
		return fmt.Errorf("save chain snapshot: %w", err)
	}
	return nil
}

// ChainSnapshotCount reports how many snapshots exist for a symbol.
func (s *Store) ChainSnapshotCount(symbol string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM option_chain_snapshots WHERE symbol = ?`, symbol).Scan(&n)
	return n, err
}

// ———————————————————————————————————————————————————— settings & capital

// SetSetting upserts an operator setting (also used for the breaker latch).
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// GetSetting returns the setting value and whether it exists.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return v, true, nil
}

// UpsertCapital records the day's capital line.
func (s *Store) UpsertCapital(day time.Time, starting, current, dailyPnL float64) error {
	d := day.In(clock.IST).Format("2006-01-02")
	_, err := s.db.Exec(`
		INSERT INTO capital (day, starting, current, daily_pnl) VALUES (?, ?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
			current = excluded.current, daily_pnl = excluded.daily_pnl`,
		d, starting, current, dailyPnL)
	if err != nil {
		return fmt.Errorf("upsert capital: %w", err)
	}
	return nil
}

// Capital returns the day's capital line; ok is false when absent.
func (s *Store) Capital(day time.Time) (starting, current, dailyPnL float64, ok bool, err error) {
	d := day.In(clock.IST).Format("2006-01-02")
	err = s.db.QueryRow(`SELECT starting, current, daily_pnl FROM capital WHERE day = ?`, d).
		Scan(&starting, &current, &dailyPnL)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, 0, false, fmt.Errorf("capital %s: %w", d, err)
	}
	return starting, current, dailyPnL, true, nil
}

func istString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.In(clock.IST).Format(time.RFC3339)
}

func parseIST(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.In(clock.IST)
}
