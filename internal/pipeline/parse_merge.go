package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"feedmill/internal/feed"
	"feedmill/internal/models"
	"feedmill/internal/storage"
)

// Feed folders in the import bucket.
const (
	stockPrefix    = "stock/"
	pricePrefix    = "price/"
	materialPrefix = "material/"
)

// runParseMerge advances the run's parse_merge state machine by one bounded
// invocation. The phase stored in the checkpoint names the work this
// invocation performs; index building and the material probe run one phase
// per invocation, chunking and finalizing repeat until done.
func (w *Worker) runParseMerge(ctx context.Context, inv Invocation) (models.StepStatus, error) {
	cp, err := w.loadParseMergeCheckpoint(ctx, inv.RunID)
	if err != nil {
		return "", err
	}
	if cp.Phase.Terminal() {
		// Repeating a completed (or failed) parse_merge is a no-op.
		return cp.Phase.Status(), nil
	}

	// Claim the run for this invocation. The orchestrator hands every
	// invocation a fresh lease id; later checkpoint merges assert it.
	var extra any
	if cp.Phase == models.PhasePending {
		phase := models.PhaseBuildingStockIndex
		now := time.Now().UTC()
		extra = models.CheckpointPatch{Phase: &phase, StartedAt: &now}
		cp.Phase = phase
		cp.StartedAt = now
	}
	if err := w.cp.SetStepInProgress(ctx, inv.RunID, inv.Step.String(), extra, inv.Lease); err != nil {
		return "", err
	}

	switch cp.Phase {
	case models.PhaseBuildingStockIndex:
		return w.buildStockIndexPhase(ctx, inv)
	case models.PhaseBuildingPriceIndex:
		return w.buildPriceIndexPhase(ctx, inv)
	case models.PhasePreparingMaterial:
		return w.prepareMaterialPhase(ctx, inv)
	case models.PhaseInProgress:
		return w.chunkOnce(ctx, inv, cp)
	case models.PhaseFinalizing:
		return w.finalizeOnce(ctx, inv, cp)
	}
	return "", models.Fatalf(models.KindArtifactInvalid, "run %s: unknown phase %q", inv.RunID, cp.Phase)
}

func (w *Worker) loadParseMergeCheckpoint(ctx context.Context, runID string) (models.ParseMergeCheckpoint, error) {
	var cp models.ParseMergeCheckpoint
	raw, err := w.cp.LoadStepRaw(ctx, runID, models.StepParseMerge.String())
	if err != nil {
		return cp, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		cp.Phase = models.PhasePending
		return cp, nil
	}
	if err := json.Unmarshal(raw, &cp); err != nil {
		return cp, models.Fatalf(models.KindArtifactInvalid, "run %s: checkpoint: %v", runID, err)
	}
	if cp.Phase == "" {
		cp.Phase = models.PhasePending
	}
	return cp, nil
}

func (w *Worker) mergeParseMerge(ctx context.Context, inv Invocation, patch models.CheckpointPatch) error {
	return w.cp.MergeStepPatch(ctx, inv.RunID, models.StepParseMerge.String(), patch, inv.Lease)
}

// newestUnder resolves the most recent feed file below a prefix in the
// import bucket. The supplier drops a new file per delivery; the newest one
// is authoritative.
func (w *Worker) newestUnder(ctx context.Context, prefix string) (storage.Object, error) {
	objs, err := w.store.List(ctx, w.importBucket, prefix)
	if err != nil {
		return storage.Object{}, fmt.Errorf("list %s: %w", prefix, err)
	}
	obj, ok := storage.Newest(objs)
	if !ok {
		return storage.Object{}, models.Fatalf(models.KindInputMissing, "no feed file under %s", prefix)
	}
	return obj, nil
}

// mapFeedErr translates feed parse errors into their categorical kinds.
func mapFeedErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, feed.ErrRequiredColumn) {
		return models.Fatalf(models.KindRequiredColumnMissing, "%v", err)
	}
	return models.Fatalf(models.KindInputMalformed, "%v", err)
}

func (w *Worker) buildStockIndexPhase(ctx context.Context, inv Invocation) (models.StepStatus, error) {
	obj, err := w.newestUnder(ctx, stockPrefix)
	if err != nil {
		return "", err
	}
	data, err := w.store.Download(ctx, w.importBucket, obj.Key)
	if err != nil {
		return "", fmt.Errorf("download stock feed: %w", err)
	}
	res, err := feed.BuildStockIndex(data)
	if err != nil {
		return "", mapFeedErr(err)
	}
	if err := w.saveJSON(ctx, stockIndexKey(inv.RunID), res.Index); err != nil {
		return "", err
	}
	if res.InvalidValues > 0 {
		metrics := map[string]int64{"stock_index_invalid_values": res.InvalidValues}
		if err := w.cp.MergeMetricsPatch(ctx, inv.RunID, metrics, inv.Lease); err != nil {
			return "", err
		}
	}
	log.Printf("[parse_merge] run %s: stock index built from %s (%d materials)", inv.RunID, obj.Key, len(res.Index))

	phase := models.PhaseBuildingPriceIndex
	if err := w.mergeParseMerge(ctx, inv, models.CheckpointPatch{Phase: &phase}); err != nil {
		return "", err
	}
	return models.StatusInProgress, nil
}

func (w *Worker) buildPriceIndexPhase(ctx context.Context, inv Invocation) (models.StepStatus, error) {
	obj, err := w.newestUnder(ctx, pricePrefix)
	if err != nil {
		return "", err
	}
	data, err := w.store.Download(ctx, w.importBucket, obj.Key)
	if err != nil {
		return "", fmt.Errorf("download price feed: %w", err)
	}
	res, err := feed.BuildPriceIndex(data)
	if err != nil {
		return "", mapFeedErr(err)
	}
	if err := w.saveJSON(ctx, priceIndexKey(inv.RunID), res.Index); err != nil {
		return "", err
	}
	if res.InvalidValues > 0 {
		metrics := map[string]int64{"price_index_invalid_values": res.InvalidValues}
		if err := w.cp.MergeMetricsPatch(ctx, inv.RunID, metrics, inv.Lease); err != nil {
			return "", err
		}
	}
	log.Printf("[parse_merge] run %s: price index built from %s (%d materials)", inv.RunID, obj.Key, len(res.Index))

	phase := models.PhasePreparingMaterial
	if err := w.mergeParseMerge(ctx, inv, models.CheckpointPatch{Phase: &phase}); err != nil {
		return "", err
	}
	return models.StatusInProgress, nil
}

// prepareMaterialPhase probes the material feed header without downloading
// the body: an 8 KiB range fetch yields the header line, the delimiter, the
// column layout and (from Content-Range) the total byte count. An origin
// that answers the probe with an oversized 200 does not support ranges; the
// feed is then split once into numbered chunk files the chunker walks
// instead.
func (w *Worker) prepareMaterialPhase(ctx context.Context, inv Invocation) (models.StepStatus, error) {
	obj, err := w.newestUnder(ctx, materialPrefix)
	if err != nil {
		return "", err
	}

	u, err := w.store.SignedURL(ctx, w.importBucket, obj.Key, signedURLTTL)
	if err != nil {
		return "", fmt.Errorf("sign material url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", headerProbeBytes-1))
	resp, err := w.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("material header probe: %w", err)
	}
	defer resp.Body.Close()

	var body []byte
	var totalBytes int64
	rangeMode := models.RangeModeRange

	switch resp.StatusCode {
	case http.StatusPartialContent:
		body, err = io.ReadAll(io.LimitReader(resp.Body, headerProbeBytes+1))
		if err != nil {
			return "", fmt.Errorf("read header slice: %w", err)
		}
		cr, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return "", models.Fatalf(models.KindContentRangeMismatch, "header probe: %v", err).
				WithDiag(map[string]any{"content_range": resp.Header.Get("Content-Range")})
		}
		totalBytes = cr.Total
		if totalBytes < 0 {
			totalBytes = obj.Size
		}
	case http.StatusOK:
		// Range ignored: the origin streams the whole feed. Keep it if it
		// fits the fallback ceiling; past that the run cannot proceed.
		body, err = io.ReadAll(io.LimitReader(resp.Body, chunkedFallbackLimit+1))
		if err != nil {
			return "", fmt.Errorf("read material body: %w", err)
		}
		if int64(len(body)) > chunkedFallbackLimit {
			return "", models.Fatalf(models.KindSizeLimitExceeded,
				"material feed exceeds %d byte fallback ceiling on a range-less origin", int64(chunkedFallbackLimit))
		}
		totalBytes = int64(len(body))
		if totalBytes > headerProbeBytes+rangeTolerance {
			rangeMode = models.RangeModeChunked
		}
	default:
		return "", models.Fatalf(models.KindContentRangeMismatch,
			"header probe returned HTTP %d", resp.StatusCode).
			WithDiag(map[string]any{"http_status": resp.StatusCode})
	}

	headerLine, headerEnd, ok := feed.FirstLine(body)
	if !ok {
		if int64(len(body)) < totalBytes {
			return "", models.Fatalf(models.KindInputMalformed,
				"material header exceeds %d byte probe", headerProbeBytes)
		}
		// Whole (tiny) feed without a trailing LF: the single line is the
		// header and there is no body.
		headerLine, headerEnd = string(body), int64(len(body))
	}
	h, err := feed.ParseHeader(headerLine)
	if err != nil {
		return "", mapFeedErr(err)
	}
	meta := models.MaterialMeta{
		Delimiter:  h.Delimiter,
		HeaderEnd:  headerEnd,
		TotalBytes: totalBytes,
		Bucket:     w.importBucket,
		Path:       obj.Key,
		RangeMode:  rangeMode,
	}
	var okCol bool
	if meta.MatnrCol, okCol = h.Resolve(feed.AliasMatnr); !okCol {
		return "", models.Fatalf(models.KindRequiredColumnMissing, "material feed: matnr")
	}
	if meta.MPNCol, okCol = h.Resolve(feed.AliasMPN); !okCol {
		return "", models.Fatalf(models.KindRequiredColumnMissing, "material feed: mpn")
	}
	if meta.EANCol, okCol = h.Resolve(feed.AliasEAN); !okCol {
		return "", models.Fatalf(models.KindRequiredColumnMissing, "material feed: ean")
	}
	if meta.DescCol, okCol = h.Resolve(feed.AliasDesc); !okCol {
		return "", models.Fatalf(models.KindRequiredColumnMissing, "material feed: desc")
	}

	if rangeMode == models.RangeModeChunked {
		if err := w.splitMaterialChunks(ctx, inv.RunID, body[headerEnd:]); err != nil {
			return "", err
		}
		log.Printf("[parse_merge] run %s: origin ignores ranges, using %d-byte chunk-file fallback",
			inv.RunID, totalBytes)
	}

	if err := w.saveJSON(ctx, materialMetaKey(inv.RunID), meta); err != nil {
		return "", err
	}
	log.Printf("[parse_merge] run %s: material %s, %d bytes, delimiter %q", inv.RunID, obj.Key, totalBytes, meta.Delimiter)

	phase := models.PhaseInProgress
	cursor := meta.HeaderEnd
	if err := w.mergeParseMerge(ctx, inv, models.CheckpointPatch{
		Phase:      &phase,
		Cursor:     &cursor,
		TotalBytes: &meta.TotalBytes,
	}); err != nil {
		return "", err
	}
	return models.StatusInProgress, nil
}

// splitMaterialChunks writes the material body (everything past the header)
// as numbered fetch-sized files for the chunk-file fallback.
func (w *Worker) splitMaterialChunks(ctx context.Context, runID string, body []byte) error {
	for idx := 0; len(body) > 0; idx++ {
		n := len(body)
		if n > fetchBytes {
			n = fetchBytes
		}
		if err := w.store.Upload(ctx, w.exportsBucket, materialChunkKey(runID, idx), body[:n], "application/octet-stream"); err != nil {
			return fmt.Errorf("upload material chunk %d: %w", idx, err)
		}
		body = body[n:]
	}
	return nil
}
