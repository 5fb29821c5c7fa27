// Package dataprovider defines the external market-data contract the
// matching engine and scheduler pull from, plus an in-memory reference
// implementation for tests and small backtests.
package dataprovider

import (
	"sort"
	"sync"
	"time"

	"github.com/moznion/go-optional"

	"github.com/rxtech-lab/tradecore/internal/types"
)

// DataProvider is the three-operation, pure-read external contract described
// by the session: a trading calendar, a price-at-time lookup and a
// symbol-info-at-date lookup. Implementations must not mutate state.
type DataProvider interface {
	// GetTradingCalendar returns the sorted list of trading date strings
	// (YYYY-MM-DD) in [start, end], inclusive.
	GetTradingCalendar(start, end string) ([]string, error)

	// GetCurrentPrice returns the quote for symbol as of datetime, or
	// optional.None if no data exists at that point.
	GetCurrentPrice(symbol string, datetime time.Time) (optional.Option[types.MarketQuote], error)

	// GetSymbolInfo returns the static info for symbol as of date, or
	// optional.None if the symbol is unknown on that date.
	GetSymbolInfo(symbol string, date string) (optional.Option[types.SymbolInfo], error)
}

// Bar is one instant of loaded market data for InMemoryDataProvider.
type Bar struct {
	Symbol    string
	Time      time.Time
	Quote     types.MarketQuote
	Suspended bool
}

// InMemoryDataProvider preloads bars and a trading calendar into memory,
// indexed by symbol and sorted by timestamp, for point lookups in tests
// and small backtests.
type InMemoryDataProvider struct {
	mu sync.RWMutex

	calendar []string

	// bySymbol[symbol] holds that symbol's bars sorted by time.
	bySymbol map[string][]Bar
}

// NewInMemoryDataProvider builds an empty provider; use LoadCalendar and
// LoadBars (or AddBar) to populate it.
func NewInMemoryDataProvider() *InMemoryDataProvider {
	return &InMemoryDataProvider{
		bySymbol: make(map[string][]Bar),
	}
}

// LoadCalendar replaces the trading calendar with the given dates, sorted.
func (p *InMemoryDataProvider) LoadCalendar(dates []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sorted := append([]string(nil), dates...)
	sort.Strings(sorted)
	p.calendar = sorted
}

// AddBar appends one bar for a symbol; callers must add bars for a given
// symbol in non-decreasing time order (or call Reindex afterwards).
func (p *InMemoryDataProvider) AddBar(b Bar) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.bySymbol[b.Symbol] = append(p.bySymbol[b.Symbol], b)
}

// Reindex sorts every symbol's bar slice by time. Call after bulk-loading
// bars out of order.
func (p *InMemoryDataProvider) Reindex() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for symbol, bars := range p.bySymbol {
		sorted := append([]Bar(nil), bars...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })
		p.bySymbol[symbol] = sorted
	}
}

// GetTradingCalendar returns the preloaded calendar dates within [start, end].
func (p *InMemoryDataProvider) GetTradingCalendar(start, end string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]string, 0, len(p.calendar))
	for _, d := range p.calendar {
		if d >= start && d <= end {
			result = append(result, d)
		}
	}

	return result, nil
}

// GetCurrentPrice returns the quote for the bar at exactly datetime, or
// None if no bar exists for that symbol at that instant.
func (p *InMemoryDataProvider) GetCurrentPrice(symbol string, datetime time.Time) (optional.Option[types.MarketQuote], error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, b := range p.bySymbol[symbol] {
		if b.Time.Equal(datetime) {
			return optional.Some(b.Quote), nil
		}
	}

	return optional.None[types.MarketQuote](), nil
}

// GetSymbolInfo returns the suspension state of symbol as of date, derived
// from the last bar on or before that date.
func (p *InMemoryDataProvider) GetSymbolInfo(symbol string, date string) (optional.Option[types.SymbolInfo], error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	bars := p.bySymbol[symbol]
	var latest *Bar
	for i := range bars {
		d := bars[i].Time.Format("2006-01-02")
		if d > date {
			break
		}
		latest = &bars[i]
	}

	if latest == nil {
		return optional.None[types.SymbolInfo](), nil
	}

	return optional.Some(types.SymbolInfo{
		SymbolName:  symbol,
		IsSuspended: latest.Suspended,
	}), nil
}
