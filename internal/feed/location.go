package feed

import (
	"strings"

	"feedmill/internal/models"
)

// LocationIndexResult is the stock split per material plus the structural
// anomalies found along the way. Location feed problems are never fatal:
// a broken feed only surfaces as warning counters on the run.
type LocationIndexResult struct {
	Index    map[string]models.LocationStock
	Warnings models.WarningCounters
}

// BuildLocationIndex parses the semicolon-delimited stock-location feed
// (columns matnr, stock, locationid). Rows for the same material and
// location are summed. Warehouse 4255 mirrors 4254: it is never summed,
// but a 4255 row without a 4254 sibling is an orphan and a 4255 total that
// disagrees with its sibling is a split disagreement.
func BuildLocationIndex(data []byte) LocationIndexResult {
	res := LocationIndexResult{Index: make(map[string]models.LocationStock)}

	text, fellBack := DecodeTextFallback(StripBOM(data))
	if fellBack {
		res.Warnings.DecodeFallbackUsed++
	}

	norm := NormalizeNewlines(text)
	headerLine := norm
	if i := strings.IndexByte(norm, '\n'); i >= 0 {
		headerLine = norm[:i]
	}
	header := Header{Delimiter: ";", Columns: nil}
	for _, c := range strings.Split(strings.TrimPrefix(headerLine, "\ufeff"), ";") {
		header.Columns = append(header.Columns, NormalizeColumn(c))
	}

	matCol, matOK := header.Resolve(AliasMatnr)
	qtyCol, qtyOK := header.Resolve(AliasStock)
	locCol, locOK := header.Resolve(AliasLocation)
	if !matOK || !qtyOK || !locOK {
		res.Warnings.ParseFailure++
		return res
	}
	need := matCol
	if qtyCol > need {
		need = qtyCol
	}
	if locCol > need {
		need = locCol
	}

	// Mirror-warehouse bookkeeping, resolved after the pass.
	type mirror struct {
		euSeen     bool
		mirrorSeen bool
		eu, mirror int64
	}
	mirrors := make(map[string]*mirror)
	mirrorFor := func(matnr string) *mirror {
		m := mirrors[matnr]
		if m == nil {
			m = &mirror{}
			mirrors[matnr] = m
		}
		return m
	}

	EachBodyLine(norm, func(line string) {
		fields := strings.Split(line, ";")
		if len(fields) <= need {
			res.Warnings.ParseFailure++
			return
		}
		matnr := strings.TrimSpace(fields[matCol])
		if matnr == "" {
			res.Warnings.ParseFailure++
			return
		}
		qty, err := ParseQuantity(fields[qtyCol])
		if err != nil {
			res.Warnings.InvalidStockValue++
			qty = 0
		}
		switch strings.TrimSpace(fields[locCol]) {
		case models.LocationIT:
			ls := res.Index[matnr]
			ls.IT += qty
			res.Index[matnr] = ls
		case models.LocationEU:
			ls := res.Index[matnr]
			ls.EU += qty
			res.Index[matnr] = ls
			m := mirrorFor(matnr)
			m.euSeen = true
			m.eu += qty
		case models.LocationEUMirror:
			m := mirrorFor(matnr)
			m.mirrorSeen = true
			m.mirror += qty
		}
	})

	for _, m := range mirrors {
		if !m.mirrorSeen {
			continue
		}
		if !m.euSeen {
			res.Warnings.Orphan4255++
		} else if m.mirror != m.eu {
			res.Warnings.SplitDisagreement++
		}
	}
	return res
}
