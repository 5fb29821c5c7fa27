package state

import (
	"database/sql"
	"time"

	"github.com/Masterminds/squirrel"
	_ "github.com/marcboeker/go-duckdb"

	"github.com/rxtech-lab/tradecore/internal/logger"
	"github.com/rxtech-lab/tradecore/internal/types"
	terrors "github.com/rxtech-lab/tradecore/pkg/errors"
)

// Index is an in-memory DuckDB-backed query surface over a saved Blob's
// orders, fills and daily position snapshots, so a saved snapshot can be
// queried by SQL instead of scanned linearly. It is a reporting
// convenience built on top of a Blob, never the source of truth for
// Save/Restore/Fork.
type Index struct {
	db  *sql.DB
	log *logger.Logger
	sq  squirrel.StatementBuilderType
}

// NewIndex opens an in-memory DuckDB handle and creates the orders,
// filled_orders and daily_snapshots tables.
func NewIndex(log *logger.Logger) (*Index, error) {
	db, err := sql.Open("duckdb", ":memory:")
	if err != nil {
		return nil, terrors.Wrap(terrors.ErrCodeStatePersistFailed, "opening duckdb index", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()

		return nil, terrors.Wrap(terrors.ErrCodeStatePersistFailed, "connecting to duckdb index", err)
	}

	idx := &Index{
		db:  db,
		log: log,
		sq:  squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
	}

	if err := idx.createTables(); err != nil {
		db.Close()

		return nil, err
	}

	return idx, nil
}

func (idx *Index) createTables() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			symbol TEXT,
			side TEXT,
			order_type TEXT,
			quantity BIGINT,
			status TEXT,
			created_at TIMESTAMP,
			created_bar_time TIMESTAMP,
			commission DOUBLE,
			reject_reason TEXT,
			name TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS filled_orders (
			order_id TEXT,
			symbol TEXT,
			side TEXT,
			position_type TEXT,
			quantity BIGINT,
			price DOUBLE,
			commission DOUBLE,
			executed_at TIMESTAMP,
			realized_pnl DOUBLE
		)`,
		`CREATE TABLE IF NOT EXISTS daily_snapshots (
			date TEXT,
			symbol TEXT,
			direction TEXT,
			quantity DOUBLE,
			close_price DOUBLE,
			market_value DOUBLE,
			daily_pnl DOUBLE,
			last_settle_price DOUBLE
		)`,
	}

	for _, stmt := range statements {
		if _, err := idx.db.Exec(stmt); err != nil {
			return terrors.Wrap(terrors.ErrCodeStatePersistFailed, "creating index table", err)
		}
	}

	return nil
}

// Load truncates and repopulates the index from blob, so the same Index can
// be reused across successive snapshots of a running session.
func (idx *Index) Load(blob Blob) error {
	if _, err := idx.db.Exec(`DELETE FROM orders; DELETE FROM filled_orders; DELETE FROM daily_snapshots;`); err != nil {
		return terrors.Wrap(terrors.ErrCodeStatePersistFailed, "clearing index tables", err)
	}

	for _, o := range blob.Orders {
		insert := idx.sq.Insert("orders").
			Columns("order_id", "symbol", "side", "order_type", "quantity", "status", "created_at", "created_bar_time", "commission", "reject_reason", "name").
			Values(o.ID, o.Symbol, string(o.Side), string(o.Type), o.Quantity, string(o.Status), o.CreatedAt, o.CreatedBarTime, o.Commission, o.RejectReason, o.Name).
			RunWith(idx.db)

		if _, err := insert.Exec(); err != nil {
			return terrors.Wrap(terrors.ErrCodeStatePersistFailed, "indexing order", err)
		}
	}

	for _, f := range blob.FilledOrders {
		insert := idx.sq.Insert("filled_orders").
			Columns("order_id", "symbol", "side", "position_type", "quantity", "price", "commission", "executed_at", "realized_pnl").
			Values(f.OrderID, f.Symbol, string(f.Side), string(f.PositionType), f.Quantity, f.Price, f.Commission, f.Time, f.RealizedPnL).
			RunWith(idx.db)

		if _, err := insert.Exec(); err != nil {
			return terrors.Wrap(terrors.ErrCodeStatePersistFailed, "indexing fill", err)
		}
	}

	for _, s := range blob.PositionSnapshots {
		insert := idx.sq.Insert("daily_snapshots").
			Columns("date", "symbol", "direction", "quantity", "close_price", "market_value", "daily_pnl", "last_settle_price").
			Values(s.Date, s.Symbol, string(s.Direction), s.Quantity, s.ClosePrice, s.MarketValue, s.DailyPnL, s.LastSettlePrice).
			RunWith(idx.db)

		if _, err := insert.Exec(); err != nil {
			return terrors.Wrap(terrors.ErrCodeStatePersistFailed, "indexing daily snapshot", err)
		}
	}

	return nil
}

// GetOrderByID returns the indexed order row for id, or (_, false, nil) if
// none was loaded.
func (idx *Index) GetOrderByID(id string) (order struct {
	ID, Symbol, Side, Type, Status, RejectReason, Name string
	Quantity                                           int64
	CreatedAt, CreatedBarTime                          time.Time
	Commission                                         float64
}, found bool, err error) {
	query := idx.sq.Select("order_id", "symbol", "side", "order_type", "quantity", "status", "created_at", "created_bar_time", "commission", "reject_reason", "name").
		From("orders").
		Where(squirrel.Eq{"order_id": id}).
		RunWith(idx.db)

	row := query.QueryRow()

	scanErr := row.Scan(&order.ID, &order.Symbol, &order.Side, &order.Type, &order.Quantity, &order.Status, &order.CreatedAt, &order.CreatedBarTime, &order.Commission, &order.RejectReason, &order.Name)
	if scanErr == sql.ErrNoRows {
		return order, false, nil
	}

	if scanErr != nil {
		return order, false, terrors.Wrap(terrors.ErrCodeStatePersistFailed, "querying order by id", scanErr)
	}

	return order, true, nil
}

// SymbolPnL returns the sum of realized_pnl across every indexed fill for
// symbol.
func (idx *Index) SymbolPnL(symbol string) (float64, error) {
	query := idx.sq.Select("COALESCE(SUM(realized_pnl), 0)").
		From("filled_orders").
		Where(squirrel.Eq{"symbol": symbol}).
		RunWith(idx.db)

	var total float64
	if err := query.QueryRow().Scan(&total); err != nil {
		return 0, terrors.Wrap(terrors.ErrCodeStatePersistFailed, "summing realized pnl", err)
	}

	return total, nil
}

// LatestSnapshot returns the most recent daily_snapshots row for symbol.
func (idx *Index) LatestSnapshot(symbol string) (types.DailySnapshot, bool, error) {
	query := idx.sq.Select("date", "symbol", "direction", "quantity", "close_price", "market_value", "daily_pnl", "last_settle_price").
		From("daily_snapshots").
		Where(squirrel.Eq{"symbol": symbol}).
		OrderBy("date DESC").
		Limit(1).
		RunWith(idx.db)

	var s types.DailySnapshot
	var direction string

	err := query.QueryRow().Scan(&s.Date, &s.Symbol, &direction, &s.Quantity, &s.ClosePrice, &s.MarketValue, &s.DailyPnL, &s.LastSettlePrice)
	if err == sql.ErrNoRows {
		return types.DailySnapshot{}, false, nil
	}

	if err != nil {
		return types.DailySnapshot{}, false, terrors.Wrap(terrors.ErrCodeStatePersistFailed, "querying latest snapshot", err)
	}

	s.Direction = types.Direction(direction)

	return s, true, nil
}

// Close releases the underlying DuckDB handle.
func (idx *Index) Close() error {
	if idx == nil || idx.db == nil {
		return nil
	}

	return idx.db.Close()
}
