package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"feedmill/internal/export"
	"feedmill/internal/models"
)

func fptr(v float64) *float64 { return &v }

func baseFees() *models.FeeConfig {
	return &models.FeeConfig{
		FeeDrev:      fptr(0.02),
		FeeMkt:       fptr(0.05),
		ShippingCost: fptr(5.9),
	}
}

// zeroFees makes export prices equal base price plus surcharge, which keeps
// the expected file contents readable.
func zeroFees() *models.FeeConfig {
	return &models.FeeConfig{
		FeeDrev:            fptr(0),
		FeeMkt:             fptr(0),
		ShippingCost:       fptr(0),
		AmazonFeeDrev:      fptr(0),
		AmazonFeeMkt:       fptr(0),
		AmazonShippingCost: fptr(0),
		AmazonItPrepDays:   2,
		AmazonEuPrepDays:   7,
	}
}

func (e *testEnv) seedProducts(runID, table string) {
	e.t.Helper()
	e.put(testExportsBucket, productsKey(runID), table)
}

func stepState(t *testing.T, cp *fakeCheckpoint, runID string, step models.Step) models.StepState {
	t.Helper()
	raw, err := cp.LoadStepRaw(context.Background(), runID, step.String())
	if err != nil {
		t.Fatalf("load %s state: %v", step, err)
	}
	var state models.StepState
	if err := json.Unmarshal(raw, &state); err != nil {
		t.Fatalf("unmarshal %s state: %v", step, err)
	}
	return state
}

func runStep(t *testing.T, e *testEnv, runID string, step models.Step, fees *models.FeeConfig) (models.StepStatus, error) {
	t.Helper()
	return e.w.Run(context.Background(), Invocation{
		RunID: runID, Step: step, Fees: fees, Lease: "inv-" + string(step),
	})
}

func TestEANMapping(t *testing.T) {
	e := newTestEnv(t)
	e.seedProducts("run-1", wantProductTable()+
		"F\tMPN-F\t\tWidget F\t2\t5\t0\t0\n")
	e.put(testImportBucket, eanMappingPrefix+"map_20260825.csv", "mpn;ean\nMPN-D;4006381333999\n")

	status, err := runStep(t, e, "run-1", models.StepEANMapping, nil)
	if err != nil || status != models.StatusCompleted {
		t.Fatalf("status = %q, err = %v", status, err)
	}

	table := e.get(testExportsBucket, productsKey("run-1"))
	if !strings.Contains(table, "D\tMPN-D\t4006381333999\tWidget D") {
		t.Errorf("D's EAN not filled:\n%s", table)
	}
	if !strings.Contains(table, "F\tMPN-F\t\tWidget F") {
		t.Errorf("unmatched F should keep its empty EAN:\n%s", table)
	}

	state := stepState(t, e.cp, "run-1", models.StepEANMapping)
	if state.Counters["filled"] != 1 || state.Counters["unmatched"] != 1 {
		t.Errorf("counters = %v, want filled=1 unmatched=1", state.Counters)
	}
}

func TestPricing(t *testing.T) {
	e := newTestEnv(t)
	e.seedProducts("run-1", wantProductTable())

	status, err := runStep(t, e, "run-1", models.StepPricing, baseFees())
	if err != nil || status != models.StatusCompleted {
		t.Fatalf("status = %q, err = %v", status, err)
	}

	want := models.PricedTableHeader + "\n" +
		"A\tMPN-A\t4006381333931\tWidget A\t5\t10\t8\t0.5\t15.42\n" +
		"D\tMPN-D\t\tWidget D\t4\t12.5\t0\t0\t19.71\n" +
		"E\tMPN-E\t4006381333933\tWidget E\t3\t7\t6\t0\t12.74\n"
	if got := e.get(testExportsBucket, pricedKey("run-1")); got != want {
		t.Errorf("priced table:\n%q\nwant:\n%q", got, want)
	}
	if state := stepState(t, e.cp, "run-1", models.StepPricing); state.Counters["priced"] != 3 {
		t.Errorf("priced counter = %d, want 3", state.Counters["priced"])
	}
}

func TestPricingMissingFees(t *testing.T) {
	e := newTestEnv(t)
	e.seedProducts("run-1", wantProductTable())

	_, err := runStep(t, e, "run-1", models.StepPricing, nil)
	fe, ok := models.AsFatal(err)
	if !ok || fe.Kind != models.KindPricingConfigInvalid {
		t.Fatalf("err = %v, want fatal %s", err, models.KindPricingConfigInvalid)
	}
	if state := stepState(t, e.cp, "run-1", models.StepPricing); state.Status != models.StatusFailed {
		t.Errorf("status = %q, want failed", state.Status)
	}
}

func TestPricingWithoutProductTable(t *testing.T) {
	e := newTestEnv(t)

	_, err := runStep(t, e, "run-1", models.StepPricing, baseFees())
	fe, ok := models.AsFatal(err)
	if !ok || fe.Kind != models.KindArtifactMissing {
		t.Fatalf("err = %v, want fatal %s", err, models.KindArtifactMissing)
	}
}

func TestOverrideProducts(t *testing.T) {
	e := newTestEnv(t)
	e.seedProducts("run-1", wantProductTable())
	e.put(testExportsBucket, overridesKey,
		"matnr;stock;price;exclude\nA;10;;\nD;;;1\nE;;5,5;\n")

	status, err := runStep(t, e, "run-1", models.StepOverrideProducts, nil)
	if err != nil || status != models.StatusCompleted {
		t.Fatalf("status = %q, err = %v", status, err)
	}

	want := models.ProductTableHeader + "\n" +
		"A\tMPN-A\t4006381333931\tWidget A\t10\t10\t8\t0.5\n" +
		"E\tMPN-E\t4006381333933\tWidget E\t3\t7\t5.5\t0\n"
	if got := e.get(testExportsBucket, productsKey("run-1")); got != want {
		t.Errorf("product table:\n%q\nwant:\n%q", got, want)
	}

	state := stepState(t, e.cp, "run-1", models.StepOverrideProducts)
	for name, n := range map[string]int64{"excluded": 1, "stock_overridden": 1, "price_overridden": 1} {
		if state.Counters[name] != n {
			t.Errorf("counter %s = %d, want %d", name, state.Counters[name], n)
		}
	}
}

func TestOverrideProductsWithoutFile(t *testing.T) {
	e := newTestEnv(t)
	e.seedProducts("run-1", wantProductTable())

	status, err := runStep(t, e, "run-1", models.StepOverrideProducts, nil)
	if err != nil || status != models.StatusCompleted {
		t.Fatalf("status = %q, err = %v", status, err)
	}
	if got := e.get(testExportsBucket, productsKey("run-1")); got != wantProductTable() {
		t.Errorf("table changed without an override file:\n%q", got)
	}
	if state := stepState(t, e.cp, "run-1", models.StepOverrideProducts); state.Counters["missing_file"] != 1 {
		t.Errorf("counters = %v, want missing_file=1", state.Counters)
	}
}

func TestExportEANCatalogCSV(t *testing.T) {
	e := newTestEnv(t)
	e.seedProducts("run-1", wantProductTable()+
		"G\tMPN-G\t4006381333944\tWidget G\t1\t5\t0\t0\n")

	status, err := runStep(t, e, "run-1", models.StepExportEAN, zeroFees())
	if err != nil || status != models.StatusCompleted {
		t.Fatalf("status = %q, err = %v", status, err)
	}

	// A and E carry an EAN with enough stock; D has no EAN, G too little
	// stock.
	want := "EAN;Qty;Price\n" +
		"4006381333931;5;8.50\n" +
		"4006381333933;3;6.00\n"
	if got := e.get(testExportsBucket, runExportKey("run-1", "ean_catalog.csv")); got != want {
		t.Errorf("run-folder catalog:\n%q\nwant:\n%q", got, want)
	}
	if got := e.get(testExportsBucket, "ean_catalog.csv"); got != want {
		t.Errorf("root catalog:\n%q\nwant:\n%q", got, want)
	}

	state := stepState(t, e.cp, "run-1", models.StepExportEAN)
	if state.Counters["exported"] != 2 || state.Counters["no_ean"] != 1 {
		t.Errorf("counters = %v, want exported=2 no_ean=1", state.Counters)
	}
}

func TestExportAmazon(t *testing.T) {
	e := newTestEnv(t)
	e.seedProducts("run-1", wantProductTable())
	// A is domestic, E sits in the EU warehouse with an agreeing 4255
	// mirror, D has no location row and falls back to domestic stock.
	e.put(testImportBucket, locationFeedKey("run-1"),
		"matnr;stock;locationid\nA;5;4242\nE;3;4254\nE;3;4255\n")

	status, err := runStep(t, e, "run-1", models.StepExportAmazon, zeroFees())
	if err != nil || status != models.StatusCompleted {
		t.Fatalf("status = %q, err = %v", status, err)
	}

	want := "sku\tprice\tquantity\tleadtime-to-ship\n" +
		"A\t8.50\t5\t2\n" +
		"D\t12.50\t4\t2\n" +
		"E\t6.00\t3\t7\n"
	if got := e.get(testExportsBucket, runExportKey("run-1", "amazon_inventory.txt")); got != want {
		t.Errorf("inventory file:\n%q\nwant:\n%q", got, want)
	}

	e.cp.mu.Lock()
	_, warned := e.cp.metrics["run-1"]["export_amazon_warnings"]
	e.cp.mu.Unlock()
	if !warned {
		t.Error("missing location row for D did not record export warnings")
	}
}

func TestExportAmazonWithoutLocationFeed(t *testing.T) {
	e := newTestEnv(t)
	e.seedProducts("run-1", wantProductTable())

	status, err := runStep(t, e, "run-1", models.StepExportAmazon, zeroFees())
	if err != nil || status != models.StatusCompleted {
		t.Fatalf("status = %q, err = %v", status, err)
	}

	// Without a location feed every product counts as domestic stock.
	want := "sku\tprice\tquantity\tleadtime-to-ship\n" +
		"A\t8.50\t5\t2\n" +
		"D\t12.50\t4\t2\n" +
		"E\t6.00\t3\t2\n"
	if got := e.get(testExportsBucket, runExportKey("run-1", "amazon_inventory.txt")); got != want {
		t.Errorf("inventory file:\n%q\nwant:\n%q", got, want)
	}
}

func TestExportMediaworldRejectsMissingPrepDays(t *testing.T) {
	e := newTestEnv(t)
	e.seedProducts("run-1", wantProductTable())

	_, err := runStep(t, e, "run-1", models.StepExportMediaworld, zeroFees())
	fe, ok := models.AsFatal(err)
	if !ok || fe.Kind != models.KindPricingConfigInvalid {
		t.Fatalf("err = %v, want fatal %s", err, models.KindPricingConfigInvalid)
	}
	if !strings.Contains(fe.Detail, "mediaworldItPrepDays") {
		t.Errorf("detail %q does not name the offending field", fe.Detail)
	}
}

func TestTemplateChecksums(t *testing.T) {
	e := newTestEnv(t)
	for i, tpl := range export.Templates {
		e.put(testExportsBucket, tpl.Key, strings.Repeat("x", i+1))
	}

	status, err := runStep(t, e, "run-1", models.StepTemplateChecksums, nil)
	if err != nil || status != models.StatusCompleted {
		t.Fatalf("status = %q, err = %v", status, err)
	}

	sum := sha256.Sum256([]byte("x"))
	wantDigest := hex.EncodeToString(sum[:])
	var found bool
	e.cp.mu.Lock()
	for _, ev := range e.cp.events {
		if ev.Message == "template checksums computed" {
			found = true
			if ev.Details[export.Templates[0].Key] != wantDigest {
				t.Errorf("digest for %s = %v, want %s",
					export.Templates[0].Key, ev.Details[export.Templates[0].Key], wantDigest)
			}
		}
	}
	e.cp.mu.Unlock()
	if !found {
		t.Error("no checksum event recorded")
	}

	state := stepState(t, e.cp, "run-1", models.StepTemplateChecksums)
	if state.Counters["templates"] != int64(len(export.Templates)) {
		t.Errorf("templates counter = %d, want %d", state.Counters["templates"], len(export.Templates))
	}
}

func TestTemplateChecksumsMissingTemplate(t *testing.T) {
	e := newTestEnv(t)

	_, err := runStep(t, e, "run-1", models.StepTemplateChecksums, nil)
	fe, ok := models.AsFatal(err)
	if !ok || fe.Kind != models.KindTemplateInvalid {
		t.Fatalf("err = %v, want fatal %s", err, models.KindTemplateInvalid)
	}
}
