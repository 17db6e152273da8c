package export

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/xuri/excelize/v2"

	"feedmill/internal/models"
	"feedmill/internal/storage"
)

// Cell is one written data cell, addressed by 0-based column within the
// data sheet.
type Cell struct {
	Col     int
	Text    string
	Number  float64
	Numeric bool
}

// TextCell builds a string cell.
func TextCell(col int, v string) Cell { return Cell{Col: col, Text: v} }

// NumberCell builds a numeric cell.
func NumberCell(col int, v float64) Cell { return Cell{Col: col, Number: v, Numeric: true} }

// Row is one product's worth of data cells.
type Row []Cell

// Engine renders marketplace spreadsheets from pinned templates. It writes
// only value cells into the declared data region; styles, widths, freeze
// panes and the protected sheets pass through untouched, and the ZIP-level
// verifier proves it.
type Engine struct {
	Store  storage.Store
	Bucket string
}

// Render produces the serialized workbook for one export: template load and
// digest check, header snapshot, data-region clear, cell writes, snapshot
// verification, then the archive-level and lightweight validations against
// the template bytes. Any failure is fatal for the step; nothing is
// uploaded here.
func (e *Engine) Render(ctx context.Context, spec TemplateSpec, rows []Row) ([]byte, error) {
	tpl, err := e.loadTemplate(ctx, spec)
	if err != nil {
		return nil, err
	}
	out, err := renderInto(tpl, spec, rows)
	if err != nil {
		return nil, err
	}
	if err := verifyArchive(tpl, out, spec); err != nil {
		return nil, err
	}
	if err := validateOutput(tpl, out, spec, rows); err != nil {
		return nil, err
	}
	return out, nil
}

// loadTemplate downloads the pinned template and proves it is the exact
// object the digest in source was computed from.
func (e *Engine) loadTemplate(ctx context.Context, spec TemplateSpec) ([]byte, error) {
	if spec.Digest == "" {
		return nil, models.Fatalf(models.KindTemplateInvalid, "%s: no pinned digest", spec.Name)
	}
	data, err := e.Store.Download(ctx, e.Bucket, spec.Key)
	if err != nil {
		return nil, models.Fatalf(models.KindTemplateInvalid, "%s: download %s: %v", spec.Name, spec.Key, err)
	}
	if len(data) == 0 {
		return nil, models.Fatalf(models.KindTemplateInvalid, "%s: template is empty", spec.Name)
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != spec.Digest {
		return nil, models.Fatalf(models.KindTemplateDigestMismatch, "%s: template digest %s", spec.Name, got).
			WithDiag(map[string]any{"expected": spec.Digest, "got": got})
	}
	return data, nil
}

// renderInto writes the data rows into the template's data sheet and
// serializes the workbook.
//
// The write path deliberately never touches the style API: excelize keeps
// every part it has not deserialized byte-for-byte, so styles.xml and the
// protected sheets survive serialization untouched as long as only cell
// values change. Written cells inherit their column's template style, which
// is where the text format for EAN columns and the numeric formats live.
func renderInto(tpl []byte, spec TemplateSpec, rows []Row) ([]byte, error) {
	f, err := excelize.OpenReader(bytes.NewReader(tpl))
	if err != nil {
		return nil, models.Fatalf(models.KindTemplateInvalid, "%s: open workbook: %v", spec.Name, err)
	}
	defer f.Close()

	for _, name := range requiredSheets(spec) {
		idx, err := f.GetSheetIndex(name)
		if err != nil || idx < 0 {
			return nil, models.Fatalf(models.KindSheetMissing, "%s: sheet %q missing", spec.Name, name)
		}
	}

	snapshot, err := readHeaderRegion(f, spec)
	if err != nil {
		return nil, err
	}

	if err := clearDataRegion(f, spec); err != nil {
		return nil, err
	}

	for i, row := range rows {
		rowNum := spec.FirstDataRow + i
		for _, c := range row {
			cell, err := excelize.CoordinatesToCellName(c.Col+1, rowNum)
			if err != nil {
				return nil, fmt.Errorf("%s: cell name col %d row %d: %w", spec.Name, c.Col, rowNum, err)
			}
			if c.Numeric && !spec.EANColumns[c.Col] {
				err = f.SetCellFloat(spec.DataSheet, cell, c.Number, -1, 64)
			} else if c.Numeric {
				err = f.SetCellStr(spec.DataSheet, cell, strconv.FormatFloat(c.Number, 'f', -1, 64))
			} else {
				err = f.SetCellStr(spec.DataSheet, cell, c.Text)
			}
			if err != nil {
				return nil, fmt.Errorf("%s: write %s: %w", spec.Name, cell, err)
			}
		}
	}

	lastRow := spec.HeaderRows
	if len(rows) > 0 {
		lastRow = spec.FirstDataRow + len(rows) - 1
	}
	endCol, err := excelize.ColumnNumberToName(spec.Columns)
	if err != nil {
		return nil, fmt.Errorf("%s: column name %d: %w", spec.Name, spec.Columns, err)
	}
	if err := f.SetSheetDimension(spec.DataSheet, "A1:"+endCol+strconv.Itoa(lastRow)); err != nil {
		return nil, fmt.Errorf("%s: set dimension: %w", spec.Name, err)
	}

	after, err := readHeaderRegion(f, spec)
	if err != nil {
		return nil, err
	}
	if diff := headerDiff(snapshot, after); diff != "" {
		return nil, models.Fatalf(models.KindHeadersModified, "%s: %s", spec.Name, diff)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("%s: serialize workbook: %w", spec.Name, err)
	}
	return buf.Bytes(), nil
}

func requiredSheets(spec TemplateSpec) []string {
	if len(spec.RequiredSheets) > 0 {
		return spec.RequiredSheets
	}
	return []string{spec.DataSheet}
}

// readHeaderRegion reads the header rows of the data sheet as a value
// matrix. The streaming row iterator stops after the header, so templates
// carrying thousands of sample rows cost nothing here.
func readHeaderRegion(f *excelize.File, spec TemplateSpec) ([][]string, error) {
	rows, err := f.Rows(spec.DataSheet)
	if err != nil {
		return nil, models.Fatalf(models.KindTemplateInvalid, "%s: read %s: %v", spec.Name, spec.DataSheet, err)
	}
	defer rows.Close()

	region := make([][]string, 0, spec.HeaderRows)
	for i := 0; i < spec.HeaderRows && rows.Next(); i++ {
		cols, err := rows.Columns()
		if err != nil {
			return nil, models.Fatalf(models.KindTemplateInvalid, "%s: header row %d: %v", spec.Name, i+1, err)
		}
		region = append(region, cols)
	}
	return region, nil
}

// headerDiff compares two header snapshots cell-for-cell. Shorter rows are
// padded: a trailing empty cell and an absent cell are the same value.
func headerDiff(before, after [][]string) string {
	if len(before) != len(after) {
		return fmt.Sprintf("header has %d rows, template had %d", len(after), len(before))
	}
	for r := range before {
		n := len(before[r])
		if len(after[r]) > n {
			n = len(after[r])
		}
		for c := 0; c < n; c++ {
			var b, a string
			if c < len(before[r]) {
				b = before[r][c]
			}
			if c < len(after[r]) {
				a = after[r][c]
			}
			if a != b {
				return fmt.Sprintf("header cell row %d col %d changed from %q to %q", r+1, c+1, b, a)
			}
		}
	}
	return ""
}

// clearDataRegion removes every pre-existing row below the header so stale
// template content (sample rows, leftovers) never reaches the output.
func clearDataRegion(f *excelize.File, spec TemplateSpec) error {
	dim, err := f.GetSheetDimension(spec.DataSheet)
	if err != nil {
		return models.Fatalf(models.KindTemplateInvalid, "%s: sheet dimension: %v", spec.Name, err)
	}
	_, end, ok := cutRange(dim)
	if !ok {
		return nil // single-cell dimension, nothing below the header
	}
	_, endRow, err := excelize.CellNameToCoordinates(end)
	if err != nil {
		return models.Fatalf(models.KindTemplateInvalid, "%s: dimension %q: %v", spec.Name, dim, err)
	}
	for r := endRow; r >= spec.FirstDataRow; r-- {
		if err := f.RemoveRow(spec.DataSheet, spec.FirstDataRow); err != nil {
			return fmt.Errorf("%s: clear row: %w", spec.Name, err)
		}
	}
	return nil
}

func cutRange(ref string) (start, end string, ok bool) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == ':' {
			return ref[:i], ref[i+1:], true
		}
	}
	return ref, "", false
}
