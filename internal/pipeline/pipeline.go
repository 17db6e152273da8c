// Package pipeline implements the per-step worker invoked by the external
// orchestrator. Each invocation loads the run's checkpoint, does a bounded
// amount of work for one step, writes a merged checkpoint patch and returns
// a step status. No in-memory state survives between invocations; everything
// a resumed invocation needs is in the checkpoint store or the exports
// bucket.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"feedmill/internal/eventbus"
	"feedmill/internal/models"
	"feedmill/internal/repository"
	"feedmill/internal/storage"
)

// Work bounds per invocation. The fetch size times the soft budget keeps a
// single invocation well under any plausible host CPU ceiling while letting
// a 500 MB feed finish in a few hundred invocations.
const (
	fetchBytes       = 2 << 20   // one range fetch
	carryLimit       = 256 << 10 // partial line carried between invocations
	rangeTolerance   = 64 << 10  // slack before a 200 counts as range-unsupported
	headerProbeBytes = 8 << 10   // material header slice

	maxChunks     = 50
	maxTableBytes = 40 << 20

	// chunkedFallbackLimit caps the one-shot full download taken for
	// origins without byte-range support.
	chunkedFallbackLimit = 256 << 20

	signedURLTTL      = 10 * time.Minute
	defaultSoftBudget = 8 * time.Second
)

// CheckpointStore is the durable-state surface the worker needs. The
// Postgres repository implements it; tests substitute an in-memory fake.
type CheckpointStore interface {
	SetStepInProgress(ctx context.Context, runID, step string, extra any, lease string) error
	MergeStepPatch(ctx context.Context, runID, step string, patch any, lease string) error
	MergeMetricsPatch(ctx context.Context, runID string, patch any, lease string) error
	LogEvent(ctx context.Context, runID, level, message string, details any) error
	LoadStepRaw(ctx context.Context, runID, step string) (json.RawMessage, error)
}

// Invocation is one orchestrator call: which run, which step, the fee
// parameters for pricing/export steps and the lease asserted on every
// checkpoint write.
type Invocation struct {
	RunID string
	Step  models.Step
	Fees  *models.FeeConfig
	Lease string
}

// Worker executes pipeline steps. One instance serves all runs; it holds no
// per-run state.
type Worker struct {
	cp    CheckpointStore
	store storage.Store
	bus   *eventbus.Bus
	httpc *http.Client

	importBucket  string
	exportsBucket string
	budget        time.Duration
}

// Option configures a Worker.
type Option func(*Worker)

// WithBudget overrides the soft per-invocation wall-clock budget. Tests use
// tiny budgets to force mid-feed yields.
func WithBudget(d time.Duration) Option {
	return func(w *Worker) { w.budget = d }
}

// WithHTTPClient overrides the client used for signed-URL range fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(w *Worker) { w.httpc = c }
}

// WithEventBus attaches a progress bus. Step and phase transitions are
// published as run_progress events.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(w *Worker) { w.bus = bus }
}

// New builds a Worker over the given checkpoint store and object store.
func New(cp CheckpointStore, store storage.Store, importBucket, exportsBucket string, opts ...Option) *Worker {
	w := &Worker{
		cp:            cp,
		store:         store,
		httpc:         &http.Client{Timeout: 30 * time.Second},
		importBucket:  importBucket,
		exportsBucket: exportsBucket,
		budget:        defaultSoftBudget,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run executes one invocation. Fatal pipeline errors are recorded on the
// checkpoint (diagnostic event first, then the failed status) before being
// returned; the API layer maps them to HTTP 500 and lease losses to 409.
func (w *Worker) Run(ctx context.Context, inv Invocation) (models.StepStatus, error) {
	status, err := w.dispatch(ctx, inv)
	if err == nil {
		w.publishProgress(ctx, inv, status)
		return status, nil
	}
	if errors.Is(err, repository.ErrLockLost) {
		return "", err
	}
	if fe, ok := models.AsFatal(err); ok {
		w.failStep(ctx, inv, fe)
		return models.StatusFailed, err
	}
	// Anything else (storage or database transport trouble) is left
	// unclassified: the checkpoint is untouched and the orchestrator may
	// retry the invocation as-is.
	return "", err
}

func (w *Worker) dispatch(ctx context.Context, inv Invocation) (models.StepStatus, error) {
	switch inv.Step {
	case models.StepParseMerge:
		return w.runParseMerge(ctx, inv)
	case models.StepEANMapping:
		return w.runEANMapping(ctx, inv)
	case models.StepPricing:
		return w.runPricing(ctx, inv)
	case models.StepOverrideProducts:
		return w.runOverrideProducts(ctx, inv)
	case models.StepExportEAN, models.StepExportEANXLSX, models.StepExportMediaworld,
		models.StepExportEprice, models.StepExportAmazon:
		return w.runExport(ctx, inv)
	case models.StepTemplateChecksums:
		return w.runTemplateChecksums(ctx, inv)
	}
	return "", fmt.Errorf("unknown step %q", inv.Step)
}

// failStep records a fatal error: a diagnostic event with whatever evidence
// the failure carries, then the failed status merged into the step state.
// Event logging is best-effort; the status write is what the orchestrator
// observes.
func (w *Worker) failStep(ctx context.Context, inv Invocation, fe *models.FatalError) {
	details := map[string]any{"kind": fe.Kind}
	if fe.Detail != "" {
		details["detail"] = fe.Detail
	}
	for k, v := range fe.Diag {
		details[k] = v
	}
	if err := w.cp.LogEvent(ctx, inv.RunID, "error", "step "+inv.Step.String()+" failed", details); err != nil {
		log.Printf("[%s] run %s: log failure event: %v", inv.Step, inv.RunID, err)
	}

	var patch any
	if inv.Step == models.StepParseMerge {
		phase := models.PhaseFailed
		patch = models.CheckpointPatch{Phase: &phase, LastError: &fe.Kind}
	} else {
		status := models.StatusFailed
		now := time.Now().UTC()
		patch = models.StepStatePatch{Status: &status, LastError: &fe.Kind, FinishedAt: &now}
	}
	if err := w.cp.MergeStepPatch(ctx, inv.RunID, inv.Step.String(), patch, inv.Lease); err != nil {
		log.Printf("[%s] run %s: mark failed: %v", inv.Step, inv.RunID, err)
	}
	log.Printf("[%s] run %s failed: %s", inv.Step, inv.RunID, fe.Error())
}

func (w *Worker) publishProgress(ctx context.Context, inv Invocation, status models.StepStatus) {
	if w.bus == nil {
		return
	}
	payload := map[string]any{
		"run_id": inv.RunID,
		"step":   inv.Step.String(),
		"status": string(status),
	}
	if inv.Step == models.StepParseMerge {
		if cp, err := w.loadParseMergeCheckpoint(ctx, inv.RunID); err == nil {
			payload["phase"] = string(cp.Phase)
			payload["cursor"] = cp.Cursor
			payload["total"] = cp.TotalBytes
		}
	}
	w.bus.Publish(eventbus.Event{
		Type:      eventbus.TypeRunProgress,
		RunID:     inv.RunID,
		Timestamp: time.Now().UTC(),
		Data:      payload,
	})
}

// --- Artifact layout ---
//
// Everything mutable is namespaced by run id under _pipeline/; the only
// cross-run shared objects are the read-only templates.

func pipelinePrefix(runID string) string { return "_pipeline/" + runID + "/" }

func stockIndexKey(runID string) string    { return pipelinePrefix(runID) + "stock_index.json" }
func priceIndexKey(runID string) string    { return pipelinePrefix(runID) + "price_index.json" }
func materialMetaKey(runID string) string  { return pipelinePrefix(runID) + "material_meta.json" }
func productsKey(runID string) string      { return pipelinePrefix(runID) + "products.tsv" }
func pricedKey(runID string) string        { return pipelinePrefix(runID) + "products_priced.tsv" }
func finalizePartialKey(runID string) string {
	return pipelinePrefix(runID) + "parse_merge_chunks/finalize_partial.tsv"
}

func chunkKey(runID string, idx int) string {
	return pipelinePrefix(runID) + "parse_merge_chunks/" + strconv.Itoa(idx) + ".tsv"
}

func materialChunkKey(runID string, idx int) string {
	return pipelinePrefix(runID) + "material_chunks/" + strconv.Itoa(idx) + ".bin"
}

// --- JSON artifact helpers ---

func (w *Worker) saveJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := w.store.Upload(ctx, w.exportsBucket, key, data, "application/json"); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func (w *Worker) loadJSON(ctx context.Context, key string, v any) error {
	data, err := w.store.Download(ctx, w.exportsBucket, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return models.Fatalf(models.KindArtifactInvalid, "%s: %v", key, err)
	}
	return nil
}
