package types

import "github.com/moznion/go-optional"

// MarketQuote is the read-only price snapshot returned by the data
// provider's GetCurrentPrice. CurrentPrice is mandatory; the rest are
// tolerated as missing.
type MarketQuote struct {
	CurrentPrice float64                  `json:"current_price"`
	Ask1         optional.Option[float64] `json:"ask1"`
	Bid1         optional.Option[float64] `json:"bid1"`
	HighLimit    optional.Option[float64] `json:"high_limit"`
	LowLimit     optional.Option[float64] `json:"low_limit"`
}

// SymbolInfo is the read-only static-info snapshot returned by
// GetSymbolInfo.
type SymbolInfo struct {
	SymbolName  string `json:"symbol_name"`
	IsSuspended bool   `json:"is_suspended"`
}
