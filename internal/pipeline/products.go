package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"feedmill/internal/models"
	"feedmill/internal/storage"
)

// loadStepState reads the stored state of a single-invocation step. A run
// or step that does not exist yet yields the zero state. Legacy "success"
// spellings are normalized to completed on read.
func (w *Worker) loadStepState(ctx context.Context, runID string, step models.Step) (models.StepState, error) {
	var state models.StepState
	raw, err := w.cp.LoadStepRaw(ctx, runID, step.String())
	if err != nil {
		return state, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return state, nil
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return state, models.Fatalf(models.KindArtifactInvalid, "run %s: %s state: %v", runID, step, err)
	}
	state.Status = models.NormalizeStatus(string(state.Status))
	return state, nil
}

// runSimple wraps the shared lifecycle of the single-invocation steps:
// idempotence on completion, the in-progress claim, and the completed patch
// with the step's counters. fn does the actual work and reports counters.
func (w *Worker) runSimple(ctx context.Context, inv Invocation, fn func(ctx context.Context) (map[string]int64, error)) (models.StepStatus, error) {
	state, err := w.loadStepState(ctx, inv.RunID, inv.Step)
	if err != nil {
		return "", err
	}
	if state.Status == models.StatusCompleted {
		return models.StatusCompleted, nil
	}

	status := models.StatusInProgress
	now := time.Now().UTC()
	claim := models.StepStatePatch{Status: &status, StartedAt: &now}
	if err := w.cp.SetStepInProgress(ctx, inv.RunID, inv.Step.String(), claim, inv.Lease); err != nil {
		return "", err
	}

	counters, err := fn(ctx)
	if err != nil {
		return "", err
	}

	done := models.StatusCompleted
	finished := time.Now().UTC()
	patch := models.StepStatePatch{Status: &done, FinishedAt: &finished, Counters: counters}
	if err := w.cp.MergeStepPatch(ctx, inv.RunID, inv.Step.String(), patch, inv.Lease); err != nil {
		return "", err
	}
	return models.StatusCompleted, nil
}

// loadProductTable downloads and parses the canonical product table.
func (w *Worker) loadProductTable(ctx context.Context, runID, key string) ([]models.Product, error) {
	data, err := w.store.Download(ctx, w.exportsBucket, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, models.Fatalf(models.KindArtifactMissing, "%s not found; run parse_merge first", key)
		}
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "Matnr\t") {
		return nil, models.Fatalf(models.KindArtifactInvalid, "%s: missing product table header", key)
	}
	products := make([]models.Product, 0, len(lines)-1)
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		p, err := models.ParseProductRow(line)
		if err != nil {
			return nil, models.Fatalf(models.KindArtifactInvalid, "%s: %v", key, err)
		}
		products = append(products, p)
	}
	return products, nil
}

func renderProductTable(products []models.Product) []byte {
	var buf bytes.Buffer
	buf.WriteString(models.ProductTableHeader)
	buf.WriteByte('\n')
	for _, p := range products {
		buf.WriteString(p.TSVRow())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
