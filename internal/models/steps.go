package models

import "fmt"

// Step names one unit of pipeline work. The set is closed: ParseStep rejects
// anything else at the API boundary, so downstream dispatch never sees an
// unknown step.
type Step string

const (
	StepParseMerge       Step = "parse_merge"
	StepEANMapping       Step = "ean_mapping"
	StepPricing          Step = "pricing"
	StepOverrideProducts Step = "override_products"

	StepExportEAN        Step = "export_ean"
	StepExportEANXLSX    Step = "export_ean_xlsx"
	StepExportMediaworld Step = "export_mediaworld"
	StepExportEprice     Step = "export_eprice"
	StepExportAmazon     Step = "export_amazon"

	StepTemplateChecksums Step = "compute_template_checksums"
)

// AllSteps lists every known step in pipeline order.
var AllSteps = []Step{
	StepParseMerge,
	StepEANMapping,
	StepPricing,
	StepOverrideProducts,
	StepExportEAN,
	StepExportEANXLSX,
	StepExportMediaworld,
	StepExportEprice,
	StepExportAmazon,
	StepTemplateChecksums,
}

// ParseStep validates a raw step name.
func ParseStep(raw string) (Step, error) {
	s := Step(raw)
	for _, known := range AllSteps {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown step %q", raw)
}

func (s Step) String() string { return string(s) }

// IsExport reports whether the step produces a marketplace artifact.
func (s Step) IsExport() bool {
	switch s {
	case StepExportEAN, StepExportEANXLSX, StepExportMediaworld, StepExportEprice, StepExportAmazon:
		return true
	}
	return false
}

// StepStatus is the externally visible state of a step within a run.
type StepStatus string

const (
	StatusCompleted  StepStatus = "completed"
	StatusInProgress StepStatus = "in_progress"
	StatusFinalizing StepStatus = "finalizing"
	StatusFailed     StepStatus = "failed"
)

// NormalizeStatus maps legacy status spellings onto the canonical set.
// Older writers recorded "success" for a finished step.
func NormalizeStatus(raw string) StepStatus {
	if raw == "success" {
		return StatusCompleted
	}
	return StepStatus(raw)
}

// Done reports whether the status is terminal for the step.
func (s StepStatus) Done() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Phase is the parse_merge sub-state machine. Externally the step reports a
// StepStatus; the phase records where inside the step a resumed invocation
// must pick up.
type Phase string

const (
	PhasePending            Phase = "pending"
	PhaseBuildingStockIndex Phase = "building_stock_index"
	PhaseBuildingPriceIndex Phase = "building_price_index"
	PhasePreparingMaterial  Phase = "preparing_material"
	PhaseInProgress         Phase = "in_progress"
	PhaseFinalizing         Phase = "finalizing"
	PhaseCompleted          Phase = "completed"
	PhaseFailed             Phase = "failed"
)

// Terminal reports whether the phase admits no further work.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Status maps the internal phase onto the step status reported to callers.
func (p Phase) Status() StepStatus {
	switch p {
	case PhaseCompleted:
		return StatusCompleted
	case PhaseFailed:
		return StatusFailed
	case PhaseFinalizing:
		return StatusFinalizing
	default:
		return StatusInProgress
	}
}
