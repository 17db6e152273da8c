// Package export renders the marketplace artifacts from the merged product
// table: template-preserving spreadsheets with byte-level integrity
// verification, flat text exports, and the stock-resolution rules shared by
// all of them.
package export

import "fmt"

// StockSource names which warehouse pool an exported quantity came from.
type StockSource string

const (
	SourceIT         StockSource = "IT"
	SourceEUFallback StockSource = "EU_FALLBACK"
	SourceNone       StockSource = "NONE"
)

// Resolution is the outcome of ResolveStock for one product.
type Resolution struct {
	Qty      int64
	LeadDays int
	Export   bool
	Source   StockSource
}

// ResolveStock decides what quantity a marketplace listing advertises.
// Domestic stock wins when it alone clears the two-unit floor; with
// cross-border fallback enabled, the combined pool may clear it instead at
// the EU lead time. Lead days are zero whenever nothing is exported.
//
// Pure by construction: equal inputs yield equal outputs. The golden cases
// below are checked on every export invocation to catch regressions here.
func ResolveStock(stockIT, stockEU int64, includeEU bool, daysIT, daysEU int) Resolution {
	if !includeEU {
		if stockIT >= 2 {
			return Resolution{Qty: stockIT, LeadDays: daysIT, Export: true, Source: SourceIT}
		}
		return Resolution{Source: SourceNone}
	}
	if stockIT >= 2 {
		return Resolution{Qty: stockIT, LeadDays: daysIT, Export: true, Source: SourceIT}
	}
	if stockIT+stockEU >= 2 {
		return Resolution{Qty: stockIT + stockEU, LeadDays: daysEU, Export: true, Source: SourceEUFallback}
	}
	return Resolution{Source: SourceNone}
}

type goldenCase struct {
	stockIT, stockEU int64
	includeEU        bool
	daysIT, daysEU   int
	want             Resolution
}

// One case per branch of ResolveStock.
var goldenCases = []goldenCase{
	{5, 0, false, 2, 7, Resolution{Qty: 5, LeadDays: 2, Export: true, Source: SourceIT}},
	{1, 9, false, 2, 7, Resolution{Source: SourceNone}},
	{3, 9, true, 2, 7, Resolution{Qty: 3, LeadDays: 2, Export: true, Source: SourceIT}},
	{1, 1, true, 3, 5, Resolution{Qty: 2, LeadDays: 5, Export: true, Source: SourceEUFallback}},
	{0, 2, true, 2, 7, Resolution{Qty: 2, LeadDays: 7, Export: true, Source: SourceEUFallback}},
	{1, 0, true, 2, 7, Resolution{Source: SourceNone}},
}

// VerifyGolden replays the fixed golden cases against ResolveStock. A
// non-nil error means the function regressed; callers log it but do not
// abort the export.
func VerifyGolden() error {
	for i, c := range goldenCases {
		got := ResolveStock(c.stockIT, c.stockEU, c.includeEU, c.daysIT, c.daysEU)
		if got != c.want {
			return fmt.Errorf("stock resolution golden case %d: got %+v, want %+v", i+1, got, c.want)
		}
	}
	return nil
}
