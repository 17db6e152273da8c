package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"feedmill/internal/models"
	"feedmill/internal/storage"
)

// finalizeOnce appends numbered output chunks to the product table until the
// soft budget expires or all chunks are in. The accumulator survives yields
// as finalize_partial.tsv; the checkpoint records the next chunk to append.
func (w *Worker) finalizeOnce(ctx context.Context, inv Invocation, cp models.ParseMergeCheckpoint) (models.StepStatus, error) {
	start := time.Now()

	if cp.ChunkCount > maxChunks {
		return "", models.Fatalf(models.KindChunkLimitExceeded,
			"%d chunks exceed the %d chunk ceiling", cp.ChunkCount, maxChunks)
	}

	var table []byte
	if cp.FinalizeChunk > 0 {
		partial, err := w.store.Download(ctx, w.exportsBucket, finalizePartialKey(inv.RunID))
		if err != nil {
			if storage.IsNotFound(err) {
				return "", models.Fatalf(models.KindArtifactMissing,
					"finalize partial missing at chunk %d", cp.FinalizeChunk)
			}
			return "", fmt.Errorf("download finalize partial: %w", err)
		}
		table = partial
	} else {
		table = []byte(models.ProductTableHeader + "\n")
	}

	for idx := cp.FinalizeChunk; idx < cp.ChunkCount; idx++ {
		chunk, err := w.store.Download(ctx, w.exportsBucket, chunkKey(inv.RunID, idx))
		if err != nil {
			if storage.IsNotFound(err) {
				return "", models.Fatalf(models.KindArtifactMissing, "chunk %d missing during finalize", idx)
			}
			return "", fmt.Errorf("download chunk %d: %w", idx, err)
		}
		table = append(table, chunk...)
		if int64(len(table)) > maxTableBytes {
			return "", models.Fatalf(models.KindSizeLimitExceeded,
				"product table exceeds %d bytes at chunk %d", int64(maxTableBytes), idx).
				WithDiag(map[string]any{"chunk_index": idx, "table_bytes": len(table)})
		}

		if time.Since(start) > w.budget && idx+1 < cp.ChunkCount {
			if err := w.store.Upload(ctx, w.exportsBucket, finalizePartialKey(inv.RunID), table, "text/tab-separated-values"); err != nil {
				return "", fmt.Errorf("upload finalize partial: %w", err)
			}
			next := idx + 1
			if err := w.mergeParseMerge(ctx, inv, models.CheckpointPatch{FinalizeChunk: &next}); err != nil {
				return "", err
			}
			log.Printf("[parse_merge] run %s: finalize yielding at chunk %d/%d", inv.RunID, next, cp.ChunkCount)
			return models.StatusFinalizing, nil
		}
	}

	if err := w.store.Upload(ctx, w.exportsBucket, productsKey(inv.RunID), table, "text/tab-separated-values"); err != nil {
		return "", fmt.Errorf("upload product table: %w", err)
	}
	w.cleanupTransients(ctx, inv.RunID, cp)

	phase := models.PhaseCompleted
	if err := w.mergeParseMerge(ctx, inv, models.CheckpointPatch{Phase: &phase}); err != nil {
		return "", err
	}
	log.Printf("[parse_merge] run %s: completed, %d products, %d skipped",
		inv.RunID, cp.ProductCount, cp.Skips.Total())
	return models.StatusCompleted, nil
}

// cleanupTransients removes the run's intermediate artifacts once the
// product table is durable. Best-effort: a leftover costs storage, not
// correctness.
func (w *Worker) cleanupTransients(ctx context.Context, runID string, cp models.ParseMergeCheckpoint) {
	keys := []string{
		stockIndexKey(runID),
		priceIndexKey(runID),
		materialMetaKey(runID),
		finalizePartialKey(runID),
	}
	for idx := 0; idx < cp.ChunkCount; idx++ {
		keys = append(keys, chunkKey(runID, idx))
	}
	for idx := 0; idx < cp.MaterialChunk; idx++ {
		keys = append(keys, materialChunkKey(runID, idx))
	}
	for _, key := range keys {
		if err := w.store.Remove(ctx, w.exportsBucket, key); err != nil {
			log.Printf("[parse_merge] run %s: cleanup %s: %v", runID, key, err)
		}
	}
}
