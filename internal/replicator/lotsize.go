package replicator

import "strings"

// lotSize resolves the lot-size quantisation unit for a trading symbol.
//
// This is a substring heuristic, not an instruments-catalogue lookup.
// Any symbol containing "NIFTY" uses 65; everything else uses 1.
//
// Note this does not match the real NIFTY 50 lot size (25) — it reflects
// a deliberate, user-specified override carried over from the source
// system — and the substring test also matches BANKNIFTY and FINNIFTY,
// which share the same lot size under this table.
func lotSize(tradingSymbol string) int64 {
	if strings.Contains(tradingSymbol, "NIFTY") {
		return 65
	}
	return 1
}
