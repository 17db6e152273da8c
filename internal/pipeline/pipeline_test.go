package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"feedmill/internal/models"
	"feedmill/internal/repository"
	"feedmill/internal/storage"
)

// --- In-memory checkpoint store ---

type fakeEvent struct {
	Level   string
	Message string
	Details map[string]any
}

// fakeCheckpoint mimics the repository's JSONB semantics: shallow merge per
// step, lease assertion on every merge, content-keyed event dedup skipped.
type fakeCheckpoint struct {
	mu            sync.Mutex
	lease         map[string]string
	steps         map[string]map[string]map[string]any
	metrics       map[string]map[string]any
	events        []fakeEvent
	forceLockLost bool
}

func newFakeCheckpoint() *fakeCheckpoint {
	return &fakeCheckpoint{
		lease:   make(map[string]string),
		steps:   make(map[string]map[string]map[string]any),
		metrics: make(map[string]map[string]any),
	}
}

func toMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		panic(err)
	}
	return m
}

func (f *fakeCheckpoint) merge(runID, step string, patch any) {
	if f.steps[runID] == nil {
		f.steps[runID] = make(map[string]map[string]any)
	}
	if f.steps[runID][step] == nil {
		f.steps[runID][step] = make(map[string]any)
	}
	for k, v := range toMap(patch) {
		f.steps[runID][step][k] = v
	}
}

func (f *fakeCheckpoint) SetStepInProgress(ctx context.Context, runID, step string, extra any, lease string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lease[runID] = lease
	if extra != nil {
		f.merge(runID, step, extra)
	} else if f.steps[runID] == nil || f.steps[runID][step] == nil {
		f.merge(runID, step, map[string]any{})
	}
	return nil
}

func (f *fakeCheckpoint) MergeStepPatch(ctx context.Context, runID, step string, patch any, lease string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forceLockLost || f.lease[runID] != lease {
		return repository.ErrLockLost
	}
	f.merge(runID, step, patch)
	return nil
}

func (f *fakeCheckpoint) MergeMetricsPatch(ctx context.Context, runID string, patch any, lease string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forceLockLost || f.lease[runID] != lease {
		return repository.ErrLockLost
	}
	if f.metrics[runID] == nil {
		f.metrics[runID] = make(map[string]any)
	}
	for k, v := range toMap(patch) {
		f.metrics[runID][k] = v
	}
	return nil
}

func (f *fakeCheckpoint) LogEvent(ctx context.Context, runID, level, message string, details any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var d map[string]any
	if details != nil {
		d = toMap(details)
	}
	f.events = append(f.events, fakeEvent{Level: level, Message: message, Details: d})
	return nil
}

func (f *fakeCheckpoint) LoadStepRaw(ctx context.Context, runID, step string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.steps[runID][step]
	if !ok {
		return nil, nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (f *fakeCheckpoint) parseMergeState(t *testing.T, runID string) models.ParseMergeCheckpoint {
	t.Helper()
	raw, err := f.LoadStepRaw(context.Background(), runID, models.StepParseMerge.String())
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	var cp models.ParseMergeCheckpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		t.Fatalf("unmarshal checkpoint: %v", err)
	}
	return cp
}

func (f *fakeCheckpoint) hasErrorEvent(kind string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.Level == "error" && ev.Details["kind"] == kind {
			return true
		}
	}
	return false
}

// --- Test environment ---

const (
	testImportBucket  = "ftp-import"
	testExportsBucket = "exports"
)

type testEnv struct {
	t       *testing.T
	w       *Worker
	cp      *fakeCheckpoint
	local   *storage.LocalStore
	mux     *http.ServeMux
	baseURL string
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	local := storage.NewLocalStore(t.TempDir(), ts.URL+"/storage", []byte("test-secret"))
	mux.Handle("/storage", local.Handler())

	cp := newFakeCheckpoint()
	return &testEnv{
		t:       t,
		w:       New(cp, local, testImportBucket, testExportsBucket, opts...),
		cp:      cp,
		local:   local,
		mux:     mux,
		baseURL: ts.URL,
	}
}

func (e *testEnv) put(bucket, key, content string) {
	e.t.Helper()
	if err := e.local.Upload(context.Background(), bucket, key, []byte(content), ""); err != nil {
		e.t.Fatalf("seed %s/%s: %v", bucket, key, err)
	}
}

func (e *testEnv) get(bucket, key string) string {
	e.t.Helper()
	data, err := e.local.Download(context.Background(), bucket, key)
	if err != nil {
		e.t.Fatalf("read %s/%s: %v", bucket, key, err)
	}
	return string(data)
}

// drive invokes the step with fresh leases until it completes.
func (e *testEnv) drive(runID string, step models.Step, fees *models.FeeConfig, max int) {
	e.t.Helper()
	for i := 0; i < max; i++ {
		status, err := e.w.Run(context.Background(), Invocation{
			RunID: runID,
			Step:  step,
			Fees:  fees,
			Lease: fmt.Sprintf("inv-%d", i),
		})
		if err != nil {
			e.t.Fatalf("invocation %d of %s: %v", i, step, err)
		}
		if status == models.StatusCompleted {
			return
		}
	}
	e.t.Fatalf("step %s not completed after %d invocations", step, max)
}

// --- Feed fixtures ---

const (
	stockFeed = "matnr;stock\nA;5\nB;1\nC;10\nD;4\nE;3\nG;5\n"
	priceFeed = "matnr;lp;cbp;sur\nA;10;8;0,50\nB;5;4;0\nC;0;0;0\nD;12,5;0;0\nE;7;6;0\n"
	// Last row has no trailing newline: end of feed still terminates it.
	materialFeed = "Matnr\tMPN\tEAN\tDesc\n" +
		"A\tMPN-A\t4006381333931\tWidget A\n" +
		"B\tMPN-B\t4006381333932\tWidget B\n" +
		"C\tMPN-C\t\tWidget C\n" +
		"F\tMPN-F\t\tWidget F\n" +
		"G\tMPN-G\t\tWidget G\n" +
		"D\tMPN-D\t\tWidget D\n" +
		"E\tMPN-E\t4006381333933\tWidget E"
)

func seedFeeds(e *testEnv) {
	e.put(testImportBucket, "stock/stock_20260825.csv", stockFeed)
	e.put(testImportBucket, "price/price_20260825.csv", priceFeed)
	e.put(testImportBucket, "material/material_20260825.txt", materialFeed)
}

func wantProductTable() string {
	return models.ProductTableHeader + "\n" +
		"A\tMPN-A\t4006381333931\tWidget A\t5\t10\t8\t0.5\n" +
		"D\tMPN-D\t\tWidget D\t4\t12.5\t0\t0\n" +
		"E\tMPN-E\t4006381333933\tWidget E\t3\t7\t6\t0\n"
}

// --- parse_merge scenarios ---

func TestParseMergeSmallFeed(t *testing.T) {
	e := newTestEnv(t)
	seedFeeds(e)

	e.drive("run-1", models.StepParseMerge, nil, 10)

	if got := e.get(testExportsBucket, productsKey("run-1")); got != wantProductTable() {
		t.Errorf("product table:\n%q\nwant:\n%q", got, wantProductTable())
	}

	cp := e.cp.parseMergeState(t, "run-1")
	if cp.Phase != models.PhaseCompleted {
		t.Errorf("phase = %q, want completed", cp.Phase)
	}
	if cp.ProductCount != 3 {
		t.Errorf("product_count = %d, want 3", cp.ProductCount)
	}
	want := models.SkipCounters{NoStock: 1, NoPrice: 1, LowStock: 1, NoValid: 1}
	if cp.Skips != want {
		t.Errorf("skips = %+v, want %+v", cp.Skips, want)
	}

	// Transient artifacts are cleaned up after completion.
	if _, err := e.local.Download(context.Background(), testExportsBucket, stockIndexKey("run-1")); !storage.IsNotFound(err) {
		t.Errorf("stock index not cleaned up: %v", err)
	}

	// Re-invoking a completed parse_merge is a no-op.
	status, err := e.w.Run(context.Background(), Invocation{
		RunID: "run-1", Step: models.StepParseMerge, Lease: "late",
	})
	if err != nil || status != models.StatusCompleted {
		t.Errorf("repeat invocation = %q, %v, want completed", status, err)
	}
}

func TestParseMergeHeaderOnlyFeed(t *testing.T) {
	e := newTestEnv(t)
	e.put(testImportBucket, "stock/s.csv", stockFeed)
	e.put(testImportBucket, "price/p.csv", priceFeed)
	e.put(testImportBucket, "material/m.txt", "Matnr\tMPN\tEAN\tDesc\n")

	e.drive("run-h", models.StepParseMerge, nil, 10)

	if got := e.get(testExportsBucket, productsKey("run-h")); got != models.ProductTableHeader+"\n" {
		t.Errorf("product table = %q, want header only", got)
	}
	cp := e.cp.parseMergeState(t, "run-h")
	if cp.ProductCount != 0 || cp.Skips.Total() != 0 {
		t.Errorf("counters = %d products, %d skips, want zero", cp.ProductCount, cp.Skips.Total())
	}
}

func TestParseMergeMissingFeed(t *testing.T) {
	e := newTestEnv(t)
	e.put(testImportBucket, "price/p.csv", priceFeed)
	e.put(testImportBucket, "material/m.txt", materialFeed)

	_, err := e.w.Run(context.Background(), Invocation{
		RunID: "run-m", Step: models.StepParseMerge, Lease: "inv-0",
	})
	fe, ok := models.AsFatal(err)
	if !ok || fe.Kind != models.KindInputMissing {
		t.Fatalf("err = %v, want fatal %s", err, models.KindInputMissing)
	}
	if cp := e.cp.parseMergeState(t, "run-m"); cp.Phase != models.PhaseFailed {
		t.Errorf("phase = %q, want failed", cp.Phase)
	}
}

func TestParseMergeMultiChunkResume(t *testing.T) {
	e := newTestEnv(t, WithBudget(0))
	e.put(testImportBucket, "stock/s.csv", "matnr;stock\nA;5\n")
	e.put(testImportBucket, "price/p.csv", "matnr;lp\nA;10\n")

	row := "A\tMPN-1\t4006381333931\tWidget model 4000\n"
	const rows = 65000 // ~2.4 MiB, forces a second range fetch
	var sb strings.Builder
	sb.WriteString("Matnr\tMPN\tEAN\tDesc\n")
	for i := 0; i < rows; i++ {
		sb.WriteString(row)
	}
	e.put(testImportBucket, "material/m.txt", sb.String())

	sawFinalizing := false
	for i := 0; i < 20; i++ {
		status, err := e.w.Run(context.Background(), Invocation{
			RunID: "run-big", Step: models.StepParseMerge, Lease: fmt.Sprintf("inv-%d", i),
		})
		if err != nil {
			t.Fatalf("invocation %d: %v", i, err)
		}
		if status == models.StatusFinalizing {
			sawFinalizing = true
		}
		if status == models.StatusCompleted {
			break
		}
	}
	if !sawFinalizing {
		t.Error("run never reported finalizing; zero budget should force a finalize yield")
	}

	cp := e.cp.parseMergeState(t, "run-big")
	if cp.Phase != models.PhaseCompleted {
		t.Fatalf("phase = %q, want completed", cp.Phase)
	}
	if cp.ProductCount != rows {
		t.Errorf("product_count = %d, want %d", cp.ProductCount, rows)
	}
	if cp.ChunkCount < 2 {
		t.Errorf("chunk_count = %d, want at least 2 for a multi-fetch feed", cp.ChunkCount)
	}

	table := e.get(testExportsBucket, productsKey("run-big"))
	if n := strings.Count(table, "\n"); n != rows+1 {
		t.Errorf("product table has %d lines, want %d", n, rows+1)
	}
}

func TestParseMergeContentRangeMismatch(t *testing.T) {
	e := newTestEnv(t)
	seedFeeds(e)

	// Origin that serves the right bytes but lies about the range start.
	material := []byte(materialFeed)
	e.mux.HandleFunc("/evil", func(w http.ResponseWriter, r *http.Request) {
		var start, end int64
		fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end)
		if end >= int64(len(material)) {
			end = int64(len(material)) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start+3, end+3, len(material)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(material[start : end+1])
	})
	e.w.store = urlOverrideStore{Store: e.local, url: e.baseURL + "/evil"}

	var lastErr error
	for i := 0; i < 10; i++ {
		_, err := e.w.Run(context.Background(), Invocation{
			RunID: "run-e", Step: models.StepParseMerge, Lease: fmt.Sprintf("inv-%d", i),
		})
		if err != nil {
			lastErr = err
			break
		}
	}
	fe, ok := models.AsFatal(lastErr)
	if !ok || fe.Kind != models.KindContentRangeMismatch {
		t.Fatalf("err = %v, want fatal %s", lastErr, models.KindContentRangeMismatch)
	}
	if cp := e.cp.parseMergeState(t, "run-e"); cp.Phase != models.PhaseFailed {
		t.Errorf("phase = %q, want failed", cp.Phase)
	}
	if !e.cp.hasErrorEvent(models.KindContentRangeMismatch) {
		t.Error("no diagnostic event recorded for the range mismatch")
	}
}

func TestParseMergeChunkedFallback(t *testing.T) {
	e := newTestEnv(t)
	e.local.IgnoreRanges = true
	e.put(testImportBucket, "stock/s.csv", "matnr;stock\nA;5\n")
	e.put(testImportBucket, "price/p.csv", "matnr;lp\nA;10\n")

	// Larger than probe size plus tolerance, so the 200 answer flips the
	// run into chunk-file mode.
	row := "A\tMPN-1\t4006381333931\tWidget model 4000\n"
	const rows = 3000 // ~110 KiB
	var sb strings.Builder
	sb.WriteString("Matnr\tMPN\tEAN\tDesc\n")
	for i := 0; i < rows; i++ {
		sb.WriteString(row)
	}
	e.put(testImportBucket, "material/m.txt", sb.String())

	e.drive("run-c", models.StepParseMerge, nil, 15)

	cp := e.cp.parseMergeState(t, "run-c")
	if cp.ProductCount != rows {
		t.Errorf("product_count = %d, want %d", cp.ProductCount, rows)
	}
	if cp.MaterialChunk == 0 {
		t.Error("material_chunk = 0; chunk-file fallback was not taken")
	}
}

func TestParseMergeRangelessSmallFeed(t *testing.T) {
	e := newTestEnv(t)
	e.local.IgnoreRanges = true
	seedFeeds(e)

	// The whole feed fits within the probe tolerance: the 200 answer is
	// accepted directly, no chunk files.
	e.drive("run-s", models.StepParseMerge, nil, 10)

	if got := e.get(testExportsBucket, productsKey("run-s")); got != wantProductTable() {
		t.Errorf("product table:\n%q\nwant:\n%q", got, wantProductTable())
	}
	if cp := e.cp.parseMergeState(t, "run-s"); cp.MaterialChunk != 0 {
		t.Errorf("material_chunk = %d, want 0 for an in-tolerance feed", cp.MaterialChunk)
	}
}

func TestParseMergeArtifactRebuildOnce(t *testing.T) {
	e := newTestEnv(t)
	seedFeeds(e)

	ctx := context.Background()
	// Run the three build phases, then lose an index artifact.
	for i := 0; i < 3; i++ {
		if _, err := e.w.Run(ctx, Invocation{
			RunID: "run-r", Step: models.StepParseMerge, Lease: fmt.Sprintf("inv-%d", i),
		}); err != nil {
			t.Fatalf("build phase %d: %v", i, err)
		}
	}
	if err := e.local.Remove(ctx, testExportsBucket, stockIndexKey("run-r")); err != nil {
		t.Fatalf("remove index: %v", err)
	}

	if _, err := e.w.Run(ctx, Invocation{
		RunID: "run-r", Step: models.StepParseMerge, Lease: "inv-3",
	}); err != nil {
		t.Fatalf("rebuild invocation: %v", err)
	}
	cp := e.cp.parseMergeState(t, "run-r")
	if cp.Phase != models.PhasePending || !cp.ArtifactRebuildAttempted {
		t.Fatalf("after miss: phase %q rebuild %v, want pending with the allowance consumed",
			cp.Phase, cp.ArtifactRebuildAttempted)
	}

	e.drive("run-r", models.StepParseMerge, nil, 10)
	if got := e.get(testExportsBucket, productsKey("run-r")); got != wantProductTable() {
		t.Errorf("rebuilt product table differs:\n%q", got)
	}
}

func TestParseMergeArtifactMissingAfterRebuild(t *testing.T) {
	e := newTestEnv(t)
	seedFeeds(e)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := e.w.Run(ctx, Invocation{
			RunID: "run-r2", Step: models.StepParseMerge, Lease: fmt.Sprintf("inv-%d", i),
		}); err != nil {
			t.Fatalf("build phase %d: %v", i, err)
		}
	}

	// Pretend the rebuild already happened, then lose an artifact again.
	attempted := true
	if err := e.cp.MergeStepPatch(ctx, "run-r2", models.StepParseMerge.String(),
		models.CheckpointPatch{ArtifactRebuildAttempted: &attempted}, "inv-2"); err != nil {
		t.Fatalf("mark rebuild attempted: %v", err)
	}
	if err := e.local.Remove(ctx, testExportsBucket, priceIndexKey("run-r2")); err != nil {
		t.Fatalf("remove index: %v", err)
	}

	_, err := e.w.Run(ctx, Invocation{
		RunID: "run-r2", Step: models.StepParseMerge, Lease: "inv-3",
	})
	fe, ok := models.AsFatal(err)
	if !ok || fe.Kind != models.KindArtifactMissing {
		t.Fatalf("err = %v, want fatal %s", err, models.KindArtifactMissing)
	}
}

func TestRunLockLost(t *testing.T) {
	e := newTestEnv(t)
	seedFeeds(e)
	e.cp.forceLockLost = true

	_, err := e.w.Run(context.Background(), Invocation{
		RunID: "run-l", Step: models.StepParseMerge, Lease: "inv-0",
	})
	if !errors.Is(err, repository.ErrLockLost) {
		t.Fatalf("err = %v, want lease loss", err)
	}
}

// urlOverrideStore redirects signed URLs to an arbitrary origin while
// delegating everything else to the wrapped store.
type urlOverrideStore struct {
	storage.Store
	url string
}

func (s urlOverrideStore) SignedURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return s.url, nil
}
