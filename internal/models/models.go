package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseMergeCheckpoint is the durable continuation state of a run's
// parse_merge step. One record per run, persisted as JSON in the checkpoint
// store and advanced by shallow merge patches only.
type ParseMergeCheckpoint struct {
	Phase         Phase `json:"phase"`
	Cursor        int64 `json:"cursor"`
	TotalBytes    int64 `json:"total_bytes"`
	ChunkCount    int   `json:"chunk_count"`
	FinalizeChunk int   `json:"finalize_chunk"`
	MaterialChunk int   `json:"material_chunk"`

	// Carry is the tail after the last newline of the previous fetch,
	// prepended to the next fetch so no line is split across invocations.
	// Raw bytes (base64 in JSON); bounded by the carry ceiling.
	Carry []byte `json:"carry,omitempty"`

	Skips        SkipCounters `json:"skips"`
	ProductCount int64        `json:"product_count"`
	StartedAt    time.Time    `json:"started_at"`
	LastError    string       `json:"last_error,omitempty"`

	// ArtifactRebuildAttempted is the one-shot guard: a missing index or
	// material-meta artifact resets the run to pending exactly once.
	ArtifactRebuildAttempted bool `json:"artifact_rebuild_attempted"`
}

// CheckpointPatch is a partial update to a ParseMergeCheckpoint. Only set
// fields are serialized, so the store's shallow JSON merge touches nothing
// else. Skips is replaced wholesale when present since the worker always
// sends the full cumulative set.
type CheckpointPatch struct {
	Phase                    *Phase        `json:"phase,omitempty"`
	Cursor                   *int64        `json:"cursor,omitempty"`
	TotalBytes               *int64        `json:"total_bytes,omitempty"`
	ChunkCount               *int          `json:"chunk_count,omitempty"`
	FinalizeChunk            *int          `json:"finalize_chunk,omitempty"`
	MaterialChunk            *int          `json:"material_chunk,omitempty"`
	Carry                    *[]byte       `json:"carry,omitempty"`
	Skips                    *SkipCounters `json:"skips,omitempty"`
	ProductCount             *int64        `json:"product_count,omitempty"`
	StartedAt                *time.Time    `json:"started_at,omitempty"`
	LastError                *string       `json:"last_error,omitempty"`
	ArtifactRebuildAttempted *bool         `json:"artifact_rebuild_attempted,omitempty"`
}

// SkipCounters accumulates rows dropped by the merge filter. Monotone
// non-decreasing within a run.
type SkipCounters struct {
	NoStock  int64 `json:"no_stock"`
	NoPrice  int64 `json:"no_price"`
	LowStock int64 `json:"low_stock"`
	NoValid  int64 `json:"no_valid"`
}

// Total returns the sum of all skip counters.
func (s SkipCounters) Total() int64 {
	return s.NoStock + s.NoPrice + s.LowStock + s.NoValid
}

// Add returns the element-wise sum of two counter sets.
func (s SkipCounters) Add(o SkipCounters) SkipCounters {
	return SkipCounters{
		NoStock:  s.NoStock + o.NoStock,
		NoPrice:  s.NoPrice + o.NoPrice,
		LowStock: s.LowStock + o.LowStock,
		NoValid:  s.NoValid + o.NoValid,
	}
}

// StepState is the checkpoint shape for single-invocation steps (mapping,
// pricing, overrides, exports). parse_merge uses ParseMergeCheckpoint.
type StepState struct {
	Status     StepStatus       `json:"status"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	LastError  string           `json:"last_error,omitempty"`
	Counters   map[string]int64 `json:"counters,omitempty"`
}

// StepStatePatch is a partial update to a StepState.
type StepStatePatch struct {
	Status     *StepStatus      `json:"status,omitempty"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	LastError  *string          `json:"last_error,omitempty"`
	Counters   map[string]int64 `json:"counters,omitempty"`
}

// Range modes for the material feed. Chunked is the fallback for origins
// that ignore Range headers: the feed is split once into numbered chunk
// files and the reader walks those instead.
const (
	RangeModeRange   = "range"
	RangeModeChunked = "chunked"
)

// MaterialMeta is the per-run material feed metadata written once at the
// end of the header probe.
type MaterialMeta struct {
	Delimiter  string `json:"delimiter"`
	MatnrCol   int    `json:"matnr_col"`
	MPNCol     int    `json:"mpn_col"`
	EANCol     int    `json:"ean_col"`
	DescCol    int    `json:"desc_col"`
	HeaderEnd  int64  `json:"header_end"`
	TotalBytes int64  `json:"total_bytes"`
	Bucket     string `json:"bucket"`
	Path       string `json:"path"`
	RangeMode  string `json:"range_mode"`
}

// PriceEntry is one material's price triple from the price feed.
type PriceEntry struct {
	ListPrice float64 `json:"lp"`
	BestPrice float64 `json:"bp"`
	Surcharge float64 `json:"sur"`
}

// Valid reports whether at least one of the two prices is positive. Rows
// where both are non-positive are filtered out of the product table.
func (p PriceEntry) Valid() bool {
	return p.ListPrice > 0 || p.BestPrice > 0
}

// ProductTableHeader is the fixed TSV header of the canonical product table.
const ProductTableHeader = "Matnr\tMPN\tEAN\tDesc\tStock\tLP\tCBP\tSur"

// PricedTableHeader extends the product table with the default sell price
// computed by the pricing step.
const PricedTableHeader = ProductTableHeader + "\tPrice"

// Product is one row of the canonical product table.
type Product struct {
	Matnr     string
	MPN       string
	EAN       string
	Desc      string
	Stock     int64
	ListPrice float64
	BestPrice float64
	Surcharge float64
}

// TSVRow renders the product in the fixed column order. Floats use the
// shortest exact representation so re-exports stay byte-identical.
func (p Product) TSVRow() string {
	return p.Matnr + "\t" + p.MPN + "\t" + p.EAN + "\t" + p.Desc + "\t" +
		strconv.FormatInt(p.Stock, 10) + "\t" +
		FormatPrice(p.ListPrice) + "\t" +
		FormatPrice(p.BestPrice) + "\t" +
		FormatPrice(p.Surcharge)
}

// ParseProductRow parses one body row of the product table.
func ParseProductRow(line string) (Product, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 8 {
		return Product{}, fmt.Errorf("product row has %d fields, want 8", len(fields))
	}
	stock, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return Product{}, fmt.Errorf("product row stock %q: %w", fields[4], err)
	}
	lp, err := strconv.ParseFloat(fields[5], 64)
	if err != nil {
		return Product{}, fmt.Errorf("product row lp %q: %w", fields[5], err)
	}
	cbp, err := strconv.ParseFloat(fields[6], 64)
	if err != nil {
		return Product{}, fmt.Errorf("product row cbp %q: %w", fields[6], err)
	}
	sur, err := strconv.ParseFloat(fields[7], 64)
	if err != nil {
		return Product{}, fmt.Errorf("product row sur %q: %w", fields[7], err)
	}
	return Product{
		Matnr:     fields[0],
		MPN:       fields[1],
		EAN:       fields[2],
		Desc:      fields[3],
		Stock:     stock,
		ListPrice: lp,
		BestPrice: cbp,
		Surcharge: sur,
	}, nil
}

// FormatPrice renders a price with the shortest decimal representation.
func FormatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Warehouse IDs used by the stock-location feed. 4242 is the domestic (IT)
// warehouse, 4254 the EU one. 4255 mirrors 4254 and is tracked but never
// summed into either split.
const (
	LocationIT       = "4242"
	LocationEU       = "4254"
	LocationEUMirror = "4255"
)

// LocationStock is the per-material warehouse split built from the
// stock-location feed.
type LocationStock struct {
	IT int64 `json:"it"`
	EU int64 `json:"eu"`
}

// WarningCounters lists structural anomalies seen while building the
// stock-location index or exporting from it. Recorded per run; never fatal.
type WarningCounters struct {
	MissingFile        int64 `json:"missing_file"`
	ParseFailure       int64 `json:"parse_failure"`
	MissingRow         int64 `json:"missing_row"`
	SplitDisagreement  int64 `json:"split_disagreement"`
	MultiMPN           int64 `json:"multi_mpn"`
	Orphan4255         int64 `json:"orphan_4255"`
	DecodeFallbackUsed int64 `json:"decode_fallback_used"`
	InvalidStockValue  int64 `json:"invalid_stock_value"`
}

// Any reports whether at least one counter is non-zero.
func (w WarningCounters) Any() bool {
	return w != WarningCounters{}
}

// Add returns the element-wise sum of two warning sets.
func (w WarningCounters) Add(o WarningCounters) WarningCounters {
	return WarningCounters{
		MissingFile:        w.MissingFile + o.MissingFile,
		ParseFailure:       w.ParseFailure + o.ParseFailure,
		MissingRow:         w.MissingRow + o.MissingRow,
		SplitDisagreement:  w.SplitDisagreement + o.SplitDisagreement,
		MultiMPN:           w.MultiMPN + o.MultiMPN,
		Orphan4255:         w.Orphan4255 + o.Orphan4255,
		DecodeFallbackUsed: w.DecodeFallbackUsed + o.DecodeFallbackUsed,
		InvalidStockValue:  w.InvalidStockValue + o.InvalidStockValue,
	}
}
