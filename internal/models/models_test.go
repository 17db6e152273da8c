package models

import (
	"encoding/json"
	"testing"
)

func TestParseStep(t *testing.T) {
	for _, s := range AllSteps {
		got, err := ParseStep(string(s))
		if err != nil || got != s {
			t.Errorf("ParseStep(%q) = %q, %v", s, got, err)
		}
	}
	if _, err := ParseStep("export_fnac"); err == nil {
		t.Error("ParseStep accepted unknown step")
	}
	if _, err := ParseStep(""); err == nil {
		t.Error("ParseStep accepted empty step")
	}
}

func TestNormalizeStatus(t *testing.T) {
	if got := NormalizeStatus("success"); got != StatusCompleted {
		t.Errorf("success normalized to %q, want completed", got)
	}
	if got := NormalizeStatus("in_progress"); got != StatusInProgress {
		t.Errorf("in_progress normalized to %q", got)
	}
}

func TestPhaseStatus(t *testing.T) {
	cases := []struct {
		phase Phase
		want  StepStatus
	}{
		{PhasePending, StatusInProgress},
		{PhaseBuildingStockIndex, StatusInProgress},
		{PhaseInProgress, StatusInProgress},
		{PhaseFinalizing, StatusFinalizing},
		{PhaseCompleted, StatusCompleted},
		{PhaseFailed, StatusFailed},
	}
	for _, c := range cases {
		if got := c.phase.Status(); got != c.want {
			t.Errorf("Status(%s) = %q, want %q", c.phase, got, c.want)
		}
	}
	if !PhaseCompleted.Terminal() || !PhaseFailed.Terminal() || PhaseFinalizing.Terminal() {
		t.Error("Terminal misclassifies phases")
	}
}

func TestProductRowRoundTrip(t *testing.T) {
	p := Product{
		Matnr:     "M1001",
		MPN:       "ABC-9",
		EAN:       "4006381333931",
		Desc:      "Widget, large",
		Stock:     7,
		ListPrice: 12.5,
		BestPrice: 9.99,
		Surcharge: 0.25,
	}
	got, err := ParseProductRow(p.TSVRow())
	if err != nil {
		t.Fatalf("ParseProductRow: %v", err)
	}
	if got != p {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, p)
	}

	if _, err := ParseProductRow("a\tb\tc"); err == nil {
		t.Error("short row accepted")
	}
	if _, err := ParseProductRow("a\tb\tc\td\tNaN\t1\t2\t3"); err == nil {
		t.Error("non-numeric stock accepted")
	}
}

func TestCheckpointPatchOmitsUnsetFields(t *testing.T) {
	cur := int64(42)
	b, err := json.Marshal(CheckpointPatch{Cursor: &cur})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"cursor":42}` {
		t.Errorf("patch serialized as %s", b)
	}

	empty := []byte{}
	b, err = json.Marshal(CheckpointPatch{Carry: &empty})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"carry":""}` {
		t.Errorf("carry reset serialized as %s, want explicit empty", b)
	}
}

func f(v float64) *float64 { return &v }

func TestFeeConfigValidate(t *testing.T) {
	valid := FeeConfig{
		FeeDrev:              f(0.02),
		FeeMkt:               f(0.07),
		ShippingCost:         f(5.9),
		MediaworldItPrepDays: 2,
		MediaworldEuPrepDays: 5,
		MediaworldIncludeEu:  true,
		EpriceItPrepDays:     1,
		AmazonFeeDrev:        f(0.02),
		AmazonFeeMkt:         f(0.15),
		AmazonShippingCost:   f(0),
		AmazonItPrepDays:     2,
		AmazonEuPrepDays:     6,
	}

	for _, step := range []Step{StepPricing, StepExportMediaworld, StepExportEprice, StepExportAmazon, StepExportEAN} {
		if bad := valid.Validate(step); len(bad) != 0 {
			t.Errorf("Validate(%s) flagged %v on valid config", step, bad)
		}
	}

	missing := FeeConfig{FeeMkt: f(0.07), ShippingCost: f(5.9)}
	bad := missing.Validate(StepPricing)
	if len(bad) != 1 || bad[0] != "feeDrev" {
		t.Errorf("missing feeDrev flagged as %v", bad)
	}

	negative := valid
	negative.ShippingCost = f(-1)
	if bad := negative.Validate(StepPricing); len(bad) != 1 || bad[0] != "shippingCost" {
		t.Errorf("negative shipping flagged as %v", bad)
	}

	noDays := valid
	noDays.MediaworldItPrepDays = 0
	if bad := noDays.Validate(StepExportMediaworld); len(bad) != 1 || bad[0] != "mediaworldItPrepDays" {
		t.Errorf("zero prep days flagged as %v", bad)
	}

	// EU prep days only matter when the export includes EU stock.
	noEu := valid
	noEu.MediaworldIncludeEu = false
	noEu.MediaworldEuPrepDays = 0
	if bad := noEu.Validate(StepExportMediaworld); len(bad) != 0 {
		t.Errorf("eu prep days flagged without includeEu: %v", bad)
	}

	badOverride := valid
	badOverride.MediaworldFeeDrev = f(-0.5)
	if bad := badOverride.Validate(StepExportMediaworld); len(bad) != 1 || bad[0] != "mediaworldFeeDrev" {
		t.Errorf("negative override flagged as %v", bad)
	}
}

func TestExportFees(t *testing.T) {
	cfg := FeeConfig{
		FeeDrev:            f(0.02),
		FeeMkt:             f(0.07),
		ShippingCost:       f(5.9),
		MediaworldFeeMkt:   f(0.10),
		AmazonFeeDrev:      f(0.03),
		AmazonFeeMkt:       f(0.15),
		AmazonShippingCost: f(4.5),
	}

	mw := cfg.ExportFees(StepExportMediaworld)
	if mw.Drev != 0.02 || mw.Mkt != 0.10 || mw.Shipping != 5.9 {
		t.Errorf("mediaworld fees = %+v", mw)
	}

	ep := cfg.ExportFees(StepExportEprice)
	if ep != cfg.BaseFees() {
		t.Errorf("eprice fees = %+v, want base", ep)
	}

	az := cfg.ExportFees(StepExportAmazon)
	if az.Drev != 0.03 || az.Mkt != 0.15 || az.Shipping != 4.5 {
		t.Errorf("amazon fees = %+v", az)
	}
}

func TestFeesPrice(t *testing.T) {
	fees := Fees{Drev: 0.02, Mkt: 0.07, Shipping: 5.9}
	// (100 + 0.5 + 5.9) * 1.02 * 1.07 = 116.12496
	if got := fees.Price(100, 0.5); got != 116.12 {
		t.Errorf("Price = %v, want 116.12", got)
	}
	if got := (Fees{}).Price(10, 0); got != 10 {
		t.Errorf("zero fees Price = %v", got)
	}
}

func TestPriceBase(t *testing.T) {
	if got := (Product{ListPrice: 12, BestPrice: 9}).PriceBase(); got != 9 {
		t.Errorf("PriceBase = %v, want best price", got)
	}
	if got := (Product{ListPrice: 12, BestPrice: 0}).PriceBase(); got != 12 {
		t.Errorf("PriceBase = %v, want list price fallback", got)
	}
}
