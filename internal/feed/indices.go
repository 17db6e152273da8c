package feed

import (
	"errors"
	"fmt"
	"strings"

	"feedmill/internal/models"
)

// Sentinel parse errors. The pipeline maps these onto its categorical
// failure kinds.
var (
	ErrHeaderAbsent   = errors.New("header absent")
	ErrRequiredColumn = errors.New("required column missing")
)

// StockIndexResult is the outcome of one pass over the stock feed.
type StockIndexResult struct {
	Index map[string]int64
	// InvalidValues counts body rows whose quantity did not parse; those
	// rows contribute zero stock.
	InvalidValues int64
}

// BuildStockIndex parses the stock feed into a material→quantity map.
// Multiple rows per material are summed.
func BuildStockIndex(data []byte) (StockIndexResult, error) {
	res := StockIndexResult{Index: make(map[string]int64)}
	text := DecodeText(StripBOM(data))

	header, body, err := splitHeader(text)
	if err != nil {
		return res, fmt.Errorf("stock feed: %w", err)
	}
	matCol, ok := header.Resolve(AliasMatnr)
	if !ok {
		return res, fmt.Errorf("stock feed: %w: matnr", ErrRequiredColumn)
	}
	qtyCol, ok := header.Resolve(AliasStock)
	if !ok {
		return res, fmt.Errorf("stock feed: %w: stock", ErrRequiredColumn)
	}

	EachBodyLine(body, func(line string) {
		fields := strings.Split(line, header.Delimiter)
		if len(fields) <= matCol || len(fields) <= qtyCol {
			res.InvalidValues++
			return
		}
		matnr := strings.TrimSpace(fields[matCol])
		if matnr == "" {
			return
		}
		qty, err := ParseQuantity(fields[qtyCol])
		if err != nil {
			res.InvalidValues++
			qty = 0
		}
		res.Index[matnr] += qty
	})
	return res, nil
}

// PriceIndexResult is the outcome of one pass over the price feed.
type PriceIndexResult struct {
	Index         map[string]models.PriceEntry
	InvalidValues int64
}

// BuildPriceIndex parses the price feed into a material→price-triple map.
// At least one of the three price columns must resolve; absent columns
// yield zero in that slot, as do unparseable values.
func BuildPriceIndex(data []byte) (PriceIndexResult, error) {
	res := PriceIndexResult{Index: make(map[string]models.PriceEntry)}
	text := DecodeText(StripBOM(data))

	header, body, err := splitHeader(text)
	if err != nil {
		return res, fmt.Errorf("price feed: %w", err)
	}
	matCol, ok := header.Resolve(AliasMatnr)
	if !ok {
		return res, fmt.Errorf("price feed: %w: matnr", ErrRequiredColumn)
	}
	lpCol, lpOK := header.Resolve(AliasListPrice)
	bpCol, bpOK := header.Resolve(AliasBestPrice)
	surCol, surOK := header.Resolve(AliasSurcharge)
	if !lpOK && !bpOK && !surOK {
		return res, fmt.Errorf("price feed: %w: no price column", ErrRequiredColumn)
	}

	parse := func(fields []string, col int, ok bool) float64 {
		if !ok || len(fields) <= col {
			return 0
		}
		v, err := ParseNumber(fields[col])
		if err != nil {
			res.InvalidValues++
			return 0
		}
		return v
	}

	EachBodyLine(body, func(line string) {
		fields := strings.Split(line, header.Delimiter)
		if len(fields) <= matCol {
			res.InvalidValues++
			return
		}
		matnr := strings.TrimSpace(fields[matCol])
		if matnr == "" {
			return
		}
		res.Index[matnr] = models.PriceEntry{
			ListPrice: parse(fields, lpCol, lpOK),
			BestPrice: parse(fields, bpCol, bpOK),
			Surcharge: parse(fields, surCol, surOK),
		}
	})
	return res, nil
}

// MappingResult holds the MPN→EAN map built from the mapping feed.
type MappingResult struct {
	Index         map[string]string
	InvalidValues int64
}

// BuildEANMapping parses the EAN mapping feed (columns mpn, ean).
func BuildEANMapping(data []byte) (MappingResult, error) {
	res := MappingResult{Index: make(map[string]string)}
	text := DecodeText(StripBOM(data))

	header, body, err := splitHeader(text)
	if err != nil {
		return res, fmt.Errorf("ean mapping feed: %w", err)
	}
	mpnCol, ok := header.Resolve(AliasMPN)
	if !ok {
		return res, fmt.Errorf("ean mapping feed: %w: mpn", ErrRequiredColumn)
	}
	eanCol, ok := header.Resolve(AliasEAN)
	if !ok {
		return res, fmt.Errorf("ean mapping feed: %w: ean", ErrRequiredColumn)
	}

	EachBodyLine(body, func(line string) {
		fields := strings.Split(line, header.Delimiter)
		if len(fields) <= mpnCol || len(fields) <= eanCol {
			res.InvalidValues++
			return
		}
		mpn := strings.TrimSpace(fields[mpnCol])
		ean := strings.TrimSpace(fields[eanCol])
		if mpn == "" || ean == "" {
			return
		}
		res.Index[mpn] = ean
	})
	return res, nil
}

func splitHeader(text string) (Header, string, error) {
	norm := NormalizeNewlines(text)
	headerLine := norm
	if i := strings.IndexByte(norm, '\n'); i >= 0 {
		headerLine = norm[:i]
	}
	if strings.TrimSpace(headerLine) == "" {
		return Header{}, "", ErrHeaderAbsent
	}
	h, err := ParseHeader(headerLine)
	if err != nil {
		return Header{}, "", err
	}
	return h, norm, nil
}
