package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"feedmill/internal/feed"
	"feedmill/internal/models"
	"feedmill/internal/storage"
)

// contentRange is a parsed Content-Range header. Total is -1 for "*".
type contentRange struct {
	Start int64
	End   int64
	Total int64
}

func parseContentRange(h string) (contentRange, error) {
	cr := contentRange{Total: -1}
	rest, ok := strings.CutPrefix(strings.TrimSpace(h), "bytes ")
	if !ok {
		return cr, fmt.Errorf("malformed Content-Range %q", h)
	}
	span, total, ok := strings.Cut(rest, "/")
	if !ok {
		return cr, fmt.Errorf("malformed Content-Range %q", h)
	}
	startStr, endStr, ok := strings.Cut(span, "-")
	if !ok {
		return cr, fmt.Errorf("malformed Content-Range %q", h)
	}
	var err error
	if cr.Start, err = strconv.ParseInt(startStr, 10, 64); err != nil {
		return cr, fmt.Errorf("malformed Content-Range %q", h)
	}
	if cr.End, err = strconv.ParseInt(endStr, 10, 64); err != nil {
		return cr, fmt.Errorf("malformed Content-Range %q", h)
	}
	if total != "*" {
		if cr.Total, err = strconv.ParseInt(total, 10, 64); err != nil {
			return cr, fmt.Errorf("malformed Content-Range %q", h)
		}
	}
	return cr, nil
}

// loadParseArtifacts loads the two indices and the material metadata the
// chunker joins against. A clearly-missing artifact triggers the one-shot
// rebuild: the checkpoint resets to pending and the run replays its build
// phases. A second miss, or any error that is not a plain 404, is fatal.
func (w *Worker) loadParseArtifacts(ctx context.Context, inv Invocation, cp models.ParseMergeCheckpoint) (
	meta models.MaterialMeta, stock map[string]int64, price map[string]models.PriceEntry, rebuild bool, err error) {

	for _, a := range []struct {
		key string
		dst any
	}{
		{materialMetaKey(inv.RunID), &meta},
		{stockIndexKey(inv.RunID), &stock},
		{priceIndexKey(inv.RunID), &price},
	} {
		lerr := w.loadJSON(ctx, a.key, a.dst)
		switch {
		case lerr == nil:
		case storage.IsNotFound(lerr):
			if cp.ArtifactRebuildAttempted {
				return meta, nil, nil, false, models.Fatalf(models.KindArtifactMissing,
					"%s missing after rebuild", a.key)
			}
			return meta, nil, nil, true, nil
		default:
			// Permission trouble and corrupt JSON are not rebuildable;
			// loadJSON already classified corruption as fatal.
			if _, fatal := models.AsFatal(lerr); fatal {
				return meta, nil, nil, false, lerr
			}
			return meta, nil, nil, false, fmt.Errorf("load %s: %w", a.key, lerr)
		}
	}
	return meta, stock, price, false, nil
}

// resetForRebuild sends the run back to pending after a missing artifact,
// consuming the one-shot rebuild allowance.
func (w *Worker) resetForRebuild(ctx context.Context, inv Invocation) (models.StepStatus, error) {
	log.Printf("[parse_merge] run %s: artifact missing, resetting for one-shot rebuild", inv.RunID)
	if err := w.cp.LogEvent(ctx, inv.RunID, "warn", "parse_merge artifact missing, rebuilding", nil); err != nil {
		log.Printf("[parse_merge] run %s: log rebuild event: %v", inv.RunID, err)
	}
	phase := models.PhasePending
	var zero64 int64
	zero := 0
	empty := []byte{}
	attempted := true
	patch := models.CheckpointPatch{
		Phase:                    &phase,
		Cursor:                   &zero64,
		TotalBytes:               &zero64,
		ChunkCount:               &zero,
		FinalizeChunk:            &zero,
		MaterialChunk:            &zero,
		Carry:                    &empty,
		Skips:                    &models.SkipCounters{},
		ProductCount:             &zero64,
		ArtifactRebuildAttempted: &attempted,
	}
	if err := w.mergeParseMerge(ctx, inv, patch); err != nil {
		return "", err
	}
	return models.StatusInProgress, nil
}

// chunkOnce advances the material cursor by one fetch: at most fetchBytes of
// input, joined against the indices, emitted as at most one output chunk.
func (w *Worker) chunkOnce(ctx context.Context, inv Invocation, cp models.ParseMergeCheckpoint) (models.StepStatus, error) {
	meta, stock, price, rebuild, err := w.loadParseArtifacts(ctx, inv, cp)
	if err != nil {
		return "", err
	}
	if rebuild {
		return w.resetForRebuild(ctx, inv)
	}

	if cp.Cursor >= meta.TotalBytes && len(cp.Carry) == 0 {
		return w.enterFinalizing(ctx, inv)
	}

	var fetched []byte
	nextCursor := cp.Cursor
	nextMaterialChunk := cp.MaterialChunk
	atEOF := false

	if meta.RangeMode == models.RangeModeChunked {
		fetched, err = w.store.Download(ctx, w.exportsBucket, materialChunkKey(inv.RunID, cp.MaterialChunk))
		if err != nil {
			if storage.IsNotFound(err) {
				// Past the last chunk file: end of feed.
				atEOF = true
			} else {
				return "", fmt.Errorf("download material chunk %d: %w", cp.MaterialChunk, err)
			}
		} else {
			nextCursor = cp.Cursor + int64(len(fetched))
			nextMaterialChunk = cp.MaterialChunk + 1
		}
	} else {
		fetched, nextCursor, atEOF, err = w.rangeFetch(ctx, meta, cp.Cursor)
		if err != nil {
			return "", err
		}
	}
	if nextCursor >= meta.TotalBytes || (atEOF && len(fetched) == 0) {
		atEOF = true
	}

	if nextCursor < cp.Cursor {
		return "", models.Fatalf(models.KindCursorRegression,
			"cursor would move from %d to %d", cp.Cursor, nextCursor).
			WithDiag(map[string]any{"cursor": cp.Cursor, "next_cursor": nextCursor})
	}

	// Reassemble lines: the previous invocation's carry, then this fetch.
	// Everything up to the last LF is complete; the tail carries over,
	// except at end of feed where a missing trailing LF still terminates
	// the final line.
	buf := append(append([]byte{}, cp.Carry...), fetched...)
	var complete, carry []byte
	if i := bytes.LastIndexByte(buf, '\n'); i >= 0 {
		complete, carry = buf[:i+1], buf[i+1:]
	} else {
		carry = buf
	}
	if atEOF && len(carry) > 0 {
		complete = buf
		carry = nil
	}
	if len(carry) > carryLimit {
		return "", models.Fatalf(models.KindCarryOverflow,
			"line longer than %d bytes at cursor %d", carryLimit, cp.Cursor).
			WithDiag(map[string]any{"cursor": cp.Cursor, "carry_bytes": len(carry)})
	}

	rows, skips := mergeLines(complete, meta, stock, price)

	chunkCount := cp.ChunkCount
	if len(rows) > 0 {
		if chunkCount+1 > maxChunks {
			return "", models.Fatalf(models.KindChunkLimitExceeded,
				"run needs more than %d output chunks", maxChunks).
				WithDiag(map[string]any{"cursor": cp.Cursor, "chunk_index": chunkCount})
		}
		var out bytes.Buffer
		for _, r := range rows {
			out.WriteString(r)
			out.WriteByte('\n')
		}
		if err := w.store.Upload(ctx, w.exportsBucket, chunkKey(inv.RunID, chunkCount), out.Bytes(), "text/tab-separated-values"); err != nil {
			return "", fmt.Errorf("upload chunk %d: %w", chunkCount, err)
		}
		chunkCount++
	}

	newSkips := cp.Skips.Add(skips)
	productCount := cp.ProductCount + int64(len(rows))
	if carry == nil {
		carry = []byte{}
	}
	patch := models.CheckpointPatch{
		Cursor:        &nextCursor,
		ChunkCount:    &chunkCount,
		MaterialChunk: &nextMaterialChunk,
		Carry:         &carry,
		Skips:         &newSkips,
		ProductCount:  &productCount,
	}
	status := models.StatusInProgress
	if atEOF || (nextCursor >= meta.TotalBytes && len(carry) == 0) {
		phase := models.PhaseFinalizing
		patch.Phase = &phase
		status = models.StatusFinalizing
	}
	if err := w.mergeParseMerge(ctx, inv, patch); err != nil {
		return "", err
	}
	return status, nil
}

func (w *Worker) enterFinalizing(ctx context.Context, inv Invocation) (models.StepStatus, error) {
	phase := models.PhaseFinalizing
	if err := w.mergeParseMerge(ctx, inv, models.CheckpointPatch{Phase: &phase}); err != nil {
		return "", err
	}
	return models.StatusFinalizing, nil
}

// rangeFetch issues one bounded byte-range request against the material
// feed. The returned cursor is derived from Content-Range so resumption
// stays correct against origins that redirect or recompress; the plain byte
// count is the fallback only when the header is absent.
func (w *Worker) rangeFetch(ctx context.Context, meta models.MaterialMeta, cursor int64) (body []byte, nextCursor int64, atEOF bool, err error) {
	u, err := w.store.SignedURL(ctx, meta.Bucket, meta.Path, signedURLTTL)
	if err != nil {
		return nil, 0, false, fmt.Errorf("sign material url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, false, err
	}
	reqStart, reqEnd := cursor, cursor+fetchBytes-1
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", reqStart, reqEnd))
	resp, err := w.httpc.Do(req)
	if err != nil {
		return nil, 0, false, fmt.Errorf("range fetch at %d: %w", cursor, err)
	}
	defer resp.Body.Close()

	diag := func(extra map[string]any) map[string]any {
		d := map[string]any{
			"cursor":        cursor,
			"http_status":   resp.StatusCode,
			"content_range": resp.Header.Get("Content-Range"),
		}
		for k, v := range extra {
			d[k] = v
		}
		return d
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		body, err = io.ReadAll(io.LimitReader(resp.Body, fetchBytes+rangeTolerance+1))
		if err != nil {
			return nil, 0, false, fmt.Errorf("read range body at %d: %w", cursor, err)
		}
		cr, perr := parseContentRange(resp.Header.Get("Content-Range"))
		if perr != nil {
			return nil, 0, false, models.Fatalf(models.KindContentRangeMismatch, "%v", perr).WithDiag(diag(nil))
		}
		if cr.Start != reqStart || cr.End < cr.Start {
			return nil, 0, false, models.Fatalf(models.KindContentRangeMismatch,
				"requested start %d, got bytes %d-%d", reqStart, cr.Start, cr.End).WithDiag(diag(nil))
		}
		want := cr.End - cr.Start + 1
		if delta := int64(len(body)) - want; delta < -1 || delta > 1 {
			return nil, 0, false, models.Fatalf(models.KindContentRangeMismatch,
				"body is %d bytes, Content-Range declares %d", len(body), want).
				WithDiag(diag(map[string]any{"body_bytes": len(body)}))
		}
		nextCursor = cr.End + 1
		if cr.Total >= 0 && nextCursor >= cr.Total {
			atEOF = true
		}
		return body, nextCursor, atEOF, nil

	case http.StatusOK:
		// Only tolerable when the origin returned the whole (small) feed
		// for the very first fetch; the cursor then slices past the header.
		body, err = io.ReadAll(io.LimitReader(resp.Body, fetchBytes+rangeTolerance+1))
		if err != nil {
			return nil, 0, false, fmt.Errorf("read body at %d: %w", cursor, err)
		}
		if cursor != meta.HeaderEnd || int64(len(body)) > fetchBytes+rangeTolerance {
			return nil, 0, false, models.Fatalf(models.KindContentRangeMismatch,
				"HTTP 200 with %d bytes for ranged request at %d", len(body), cursor).
				WithDiag(diag(map[string]any{"body_bytes": len(body)}))
		}
		if int64(len(body)) <= cursor {
			return nil, cursor, true, nil
		}
		return body[cursor:], int64(len(body)), true, nil

	case http.StatusRequestedRangeNotSatisfiable:
		return nil, cursor, true, nil

	default:
		return nil, 0, false, models.Fatalf(models.KindContentRangeMismatch,
			"range fetch returned HTTP %d", resp.StatusCode).WithDiag(diag(nil))
	}
}

// mergeLines joins complete material lines against the indices and applies
// the survival filter. Returned rows are product-table TSV without
// newlines.
func mergeLines(complete []byte, meta models.MaterialMeta, stock map[string]int64, price map[string]models.PriceEntry) ([]string, models.SkipCounters) {
	var rows []string
	var skips models.SkipCounters

	text := feed.NormalizeNewlines(feed.DecodeText(complete))
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, meta.Delimiter)
		var matnr, mpn, ean, desc string
		if len(fields) > meta.MatnrCol {
			matnr = strings.TrimSpace(fields[meta.MatnrCol])
		}
		if len(fields) > meta.MPNCol {
			mpn = strings.TrimSpace(fields[meta.MPNCol])
		}
		if len(fields) > meta.EANCol {
			ean = strings.TrimSpace(fields[meta.EANCol])
		}
		if len(fields) > meta.DescCol {
			desc = strings.TrimSpace(fields[meta.DescCol])
		}

		qty, inStock := stock[matnr]
		if !inStock {
			skips.NoStock++
			continue
		}
		entry, hasPrice := price[matnr]
		if !hasPrice {
			skips.NoPrice++
			continue
		}
		if qty < 2 {
			skips.LowStock++
			continue
		}
		if !entry.Valid() {
			skips.NoValid++
			continue
		}
		p := models.Product{
			Matnr:     matnr,
			MPN:       mpn,
			EAN:       ean,
			Desc:      desc,
			Stock:     qty,
			ListPrice: entry.ListPrice,
			BestPrice: entry.BestPrice,
			Surcharge: entry.Surcharge,
		}
		rows = append(rows, p.TSVRow())
	}
	return rows, skips
}
