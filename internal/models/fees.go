package models

import "math"

// FeeConfig is the orchestrator-supplied pricing and export parameter set.
// Required numeric fields are pointers so a missing field is distinguishable
// from an explicit zero; Validate reports field names using their wire
// spelling so the error summary matches what the orchestrator sent.
type FeeConfig struct {
	FeeDrev      *float64 `json:"feeDrev"`
	FeeMkt       *float64 `json:"feeMkt"`
	ShippingCost *float64 `json:"shippingCost"`

	MediaworldIncludeEu    bool     `json:"mediaworldIncludeEu"`
	MediaworldItPrepDays   int      `json:"mediaworldItPrepDays"`
	MediaworldEuPrepDays   int      `json:"mediaworldEuPrepDays"`
	MediaworldFeeDrev      *float64 `json:"mediaworldFeeDrev,omitempty"`
	MediaworldFeeMkt       *float64 `json:"mediaworldFeeMkt,omitempty"`
	MediaworldShippingCost *float64 `json:"mediaworldShippingCost,omitempty"`

	EpriceIncludeEu    bool     `json:"epriceIncludeEu"`
	EpriceItPrepDays   int      `json:"epriceItPrepDays"`
	EpriceEuPrepDays   int      `json:"epriceEuPrepDays"`
	EpriceFeeDrev      *float64 `json:"epriceFeeDrev,omitempty"`
	EpriceFeeMkt       *float64 `json:"epriceFeeMkt,omitempty"`
	EpriceShippingCost *float64 `json:"epriceShippingCost,omitempty"`

	EanFeeDrev      *float64 `json:"eanFeeDrev,omitempty"`
	EanFeeMkt       *float64 `json:"eanFeeMkt,omitempty"`
	EanShippingCost *float64 `json:"eanShippingCost,omitempty"`

	AmazonFeeDrev      *float64 `json:"amazonFeeDrev"`
	AmazonFeeMkt       *float64 `json:"amazonFeeMkt"`
	AmazonShippingCost *float64 `json:"amazonShippingCost"`
	AmazonItPrepDays   int      `json:"amazonItPrepDays"`
	AmazonEuPrepDays   int      `json:"amazonEuPrepDays"`
}

// Fees is a resolved fee triple applied to one export.
type Fees struct {
	Drev     float64
	Mkt      float64
	Shipping float64
}

// Price computes the sell price for a product base price and surcharge.
// Rounded half away from zero to cents.
func (f Fees) Price(base, surcharge float64) float64 {
	return math.Round((base+surcharge+f.Shipping)*(1+f.Drev)*(1+f.Mkt)*100) / 100
}

// PriceBase selects the price the fee formula starts from: the current best
// price when positive, otherwise the list price.
func (p Product) PriceBase() float64 {
	if p.BestPrice > 0 {
		return p.BestPrice
	}
	return p.ListPrice
}

// Validate checks the fields the given step depends on. It returns the wire
// names of offending fields (missing, non-finite, or out of range); an empty
// slice means the config is usable for that step.
func (c *FeeConfig) Validate(step Step) []string {
	var bad []string

	base := func() {
		bad = appendBadFee(bad, "feeDrev", c.FeeDrev)
		bad = appendBadFee(bad, "feeMkt", c.FeeMkt)
		bad = appendBadFee(bad, "shippingCost", c.ShippingCost)
	}
	override := func(name string, v *float64) {
		if v != nil {
			bad = appendBadFee(bad, name, v)
		}
	}
	days := func(name string, v int) {
		if v < 1 {
			bad = append(bad, name)
		}
	}

	switch step {
	case StepPricing:
		base()
	case StepExportEAN, StepExportEANXLSX:
		base()
		override("eanFeeDrev", c.EanFeeDrev)
		override("eanFeeMkt", c.EanFeeMkt)
		override("eanShippingCost", c.EanShippingCost)
	case StepExportMediaworld:
		base()
		override("mediaworldFeeDrev", c.MediaworldFeeDrev)
		override("mediaworldFeeMkt", c.MediaworldFeeMkt)
		override("mediaworldShippingCost", c.MediaworldShippingCost)
		days("mediaworldItPrepDays", c.MediaworldItPrepDays)
		if c.MediaworldIncludeEu {
			days("mediaworldEuPrepDays", c.MediaworldEuPrepDays)
		}
	case StepExportEprice:
		base()
		override("epriceFeeDrev", c.EpriceFeeDrev)
		override("epriceFeeMkt", c.EpriceFeeMkt)
		override("epriceShippingCost", c.EpriceShippingCost)
		days("epriceItPrepDays", c.EpriceItPrepDays)
		if c.EpriceIncludeEu {
			days("epriceEuPrepDays", c.EpriceEuPrepDays)
		}
	case StepExportAmazon:
		bad = appendBadFee(bad, "amazonFeeDrev", c.AmazonFeeDrev)
		bad = appendBadFee(bad, "amazonFeeMkt", c.AmazonFeeMkt)
		bad = appendBadFee(bad, "amazonShippingCost", c.AmazonShippingCost)
		days("amazonItPrepDays", c.AmazonItPrepDays)
		days("amazonEuPrepDays", c.AmazonEuPrepDays)
	}
	return bad
}

func appendBadFee(bad []string, name string, v *float64) []string {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0 {
		return append(bad, name)
	}
	return bad
}

// BaseFees returns the default fee triple. Call only after Validate passed
// for a step that requires the base fields.
func (c *FeeConfig) BaseFees() Fees {
	return Fees{Drev: *c.FeeDrev, Mkt: *c.FeeMkt, Shipping: *c.ShippingCost}
}

// ExportFees resolves the fee triple for an export step: the per-export
// override where set, otherwise the base value. Amazon carries its own full
// triple and never falls back.
func (c *FeeConfig) ExportFees(step Step) Fees {
	if step == StepExportAmazon {
		return Fees{Drev: *c.AmazonFeeDrev, Mkt: *c.AmazonFeeMkt, Shipping: *c.AmazonShippingCost}
	}
	f := c.BaseFees()
	var drev, mkt, ship *float64
	switch step {
	case StepExportMediaworld:
		drev, mkt, ship = c.MediaworldFeeDrev, c.MediaworldFeeMkt, c.MediaworldShippingCost
	case StepExportEprice:
		drev, mkt, ship = c.EpriceFeeDrev, c.EpriceFeeMkt, c.EpriceShippingCost
	case StepExportEAN, StepExportEANXLSX:
		drev, mkt, ship = c.EanFeeDrev, c.EanFeeMkt, c.EanShippingCost
	}
	if drev != nil {
		f.Drev = *drev
	}
	if mkt != nil {
		f.Mkt = *mkt
	}
	if ship != nil {
		f.Shipping = *ship
	}
	return f
}
