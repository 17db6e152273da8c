package models

import (
	"errors"
	"fmt"
)

// Categorical failure kinds. Stable identifiers: they are persisted in
// checkpoints, surfaced in API responses and matched by the orchestrator's
// recovery policy, so renaming one is a breaking change.
const (
	KindContentRangeMismatch   = "content_range_mismatch"
	KindCursorRegression       = "cursor_regression"
	KindCarryOverflow          = "carry_overflow"
	KindChunkLimitExceeded     = "chunk_limit_exceeded"
	KindSizeLimitExceeded      = "size_limit_exceeded"
	KindArtifactMissing        = "artifact_missing"
	KindArtifactInvalid        = "artifact_invalid"
	KindInputMissing           = "input_missing"
	KindInputMalformed         = "input_malformed"
	KindRequiredColumnMissing  = "required_column_missing"
	KindPricingConfigInvalid   = "pricing_config_invalid"
	KindTemplateInvalid        = "template_invalid"
	KindTemplateDigestMismatch = "template_digest_mismatch"
	KindSheetMissing           = "sheet_missing"
	KindHeadersModified        = "headers_modified"
	KindStylesMismatch         = "styles_mismatch"
	KindSheetViewsMismatch     = "sheet_views_mismatch"
	KindProtectedSheetMismatch = "protected_sheet_mismatch"
	KindExportInvalid          = "export_invalid"
)

// FatalError is a non-retryable pipeline failure. Kind is one of the
// categorical identifiers above; Detail is a safe human-readable summary
// (no feed contents beyond what diagnosis needs). Diag carries protocol
// evidence (cursor, HTTP status, Content-Range header) for the diagnostic
// event written before the checkpoint is marked failed.
type FatalError struct {
	Kind   string
	Detail string
	Diag   map[string]any
}

// WithDiag attaches diagnostic evidence and returns the error.
func (e *FatalError) WithDiag(diag map[string]any) *FatalError {
	e.Diag = diag
	return e
}

func (e *FatalError) Error() string {
	if e.Detail == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Detail
}

// Fatalf builds a FatalError with a formatted detail.
func Fatalf(kind, format string, args ...any) *FatalError {
	return &FatalError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// AsFatal unwraps err to a FatalError if it carries one.
func AsFatal(err error) (*FatalError, bool) {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
