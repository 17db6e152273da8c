package export

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"

	"feedmill/internal/models"
)

// validateOutput runs the always-on lightweight checks over the rendered
// workbook: sheet list, header values, autofilter range, column widths,
// number formats on every data row, and the EAN shape rules. All reads are
// against throwaway reader instances; nothing here mutates the output.
func validateOutput(tpl, out []byte, spec TemplateSpec, rows []Row) error {
	tplFile, err := excelize.OpenReader(bytes.NewReader(tpl))
	if err != nil {
		return models.Fatalf(models.KindTemplateInvalid, "%s: reopen template: %v", spec.Name, err)
	}
	defer tplFile.Close()
	outFile, err := excelize.OpenReader(bytes.NewReader(out))
	if err != nil {
		return models.Fatalf(models.KindExportInvalid, "%s: reopen output: %v", spec.Name, err)
	}
	defer outFile.Close()

	if err := compareSheetLists(tplFile, outFile, spec); err != nil {
		return err
	}
	if err := compareHeaders(tplFile, outFile, spec); err != nil {
		return err
	}
	if err := compareSheetParts(tpl, out, spec); err != nil {
		return err
	}
	if err := checkDataRows(tplFile, outFile, spec, rows); err != nil {
		return err
	}
	return nil
}

func compareSheetLists(tplFile, outFile *excelize.File, spec TemplateSpec) error {
	tplSheets := tplFile.GetSheetList()
	outSheets := outFile.GetSheetList()
	if len(tplSheets) != len(outSheets) {
		return models.Fatalf(models.KindExportInvalid,
			"%s: output has %d sheets, template %d", spec.Name, len(outSheets), len(tplSheets))
	}
	for i := range tplSheets {
		if tplSheets[i] != outSheets[i] {
			return models.Fatalf(models.KindExportInvalid,
				"%s: sheet %d is %q, template has %q", spec.Name, i, outSheets[i], tplSheets[i])
		}
	}
	return nil
}

func compareHeaders(tplFile, outFile *excelize.File, spec TemplateSpec) error {
	tplHeader, err := readHeaderRegion(tplFile, spec)
	if err != nil {
		return err
	}
	outHeader, err := readHeaderRegion(outFile, spec)
	if err != nil {
		return err
	}
	if diff := headerDiff(tplHeader, outHeader); diff != "" {
		return models.Fatalf(models.KindHeadersModified, "%s: %s", spec.Name, diff)
	}
	return nil
}

// compareSheetParts checks autofilter range and column widths on the raw
// worksheet XML, plus column-count equality for shared-width templates.
func compareSheetParts(tpl, out []byte, spec TemplateSpec) error {
	tplZip, err := openArchive(tpl)
	if err != nil {
		return models.Fatalf(models.KindTemplateInvalid, "%s: template archive: %v", spec.Name, err)
	}
	outZip, err := openArchive(out)
	if err != nil {
		return models.Fatalf(models.KindExportInvalid, "%s: output archive: %v", spec.Name, err)
	}
	tplWS, err := tplZip.sheetXML(spec.DataSheet)
	if err != nil {
		return models.Fatalf(models.KindTemplateInvalid, "%s: %v", spec.Name, err)
	}
	outWS, err := outZip.sheetXML(spec.DataSheet)
	if err != nil {
		return models.Fatalf(models.KindExportInvalid, "%s: %v", spec.Name, err)
	}

	if !bytes.Equal(autoFilterSlice(tplWS), autoFilterSlice(outWS)) {
		return models.Fatalf(models.KindExportInvalid,
			"%s: autofilter range differs from template", spec.Name)
	}
	if !bytes.Equal(colsSlice(tplWS), colsSlice(outWS)) {
		return models.Fatalf(models.KindExportInvalid,
			"%s: column widths differ from template", spec.Name)
	}
	return nil
}

func checkDataRows(tplFile, outFile *excelize.File, spec TemplateSpec, rows []Row) error {
	// Resolve the template's per-column number formats once; every data
	// row must carry them.
	colFormat := make(map[int]string)
	for col := range spec.NumberFormats {
		fmtStr, err := columnFormat(tplFile, spec.DataSheet, col)
		if err != nil {
			return models.Fatalf(models.KindTemplateInvalid, "%s: column %d format: %v", spec.Name, col, err)
		}
		colFormat[col] = fmtStr
	}
	for col := range spec.EANColumns {
		fmtStr, err := columnFormat(tplFile, spec.DataSheet, col)
		if err != nil {
			return models.Fatalf(models.KindTemplateInvalid, "%s: column %d format: %v", spec.Name, col, err)
		}
		colFormat[col] = fmtStr
	}

	for i, row := range rows {
		rowNum := spec.FirstDataRow + i
		for _, c := range row {
			cell, err := excelize.CoordinatesToCellName(c.Col+1, rowNum)
			if err != nil {
				return fmt.Errorf("%s: cell name: %w", spec.Name, err)
			}
			if want, tracked := colFormat[c.Col]; tracked {
				got, err := cellFormat(outFile, spec.DataSheet, cell)
				if err != nil {
					return models.Fatalf(models.KindExportInvalid, "%s: %s format: %v", spec.Name, cell, err)
				}
				if got != want {
					return models.Fatalf(models.KindExportInvalid,
						"%s: %s has number format %q, template column declares %q", spec.Name, cell, got, want)
				}
			}
			if spec.EANColumns[c.Col] {
				if err := checkEANCell(outFile, spec, cell); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func checkEANCell(outFile *excelize.File, spec TemplateSpec, cell string) error {
	v, err := outFile.GetCellValue(spec.DataSheet, cell)
	if err != nil {
		return models.Fatalf(models.KindExportInvalid, "%s: read %s: %v", spec.Name, cell, err)
	}
	if v == "" {
		return nil
	}
	ct, err := outFile.GetCellType(spec.DataSheet, cell)
	if err != nil {
		return models.Fatalf(models.KindExportInvalid, "%s: type of %s: %v", spec.Name, cell, err)
	}
	if ct != excelize.CellTypeSharedString && ct != excelize.CellTypeInlineString {
		return models.Fatalf(models.KindExportInvalid,
			"%s: EAN cell %s is not a string cell", spec.Name, cell)
	}
	if len(v) < 12 || len(v) > 14 {
		return models.Fatalf(models.KindExportInvalid,
			"%s: EAN cell %s has %d digits, want 12-14", spec.Name, cell, len(v))
	}
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return models.Fatalf(models.KindExportInvalid,
				"%s: EAN cell %s contains non-digit characters", spec.Name, cell)
		}
	}
	return nil
}

// columnFormat returns the number format a template column applies to new
// cells, via its declared column style.
func columnFormat(f *excelize.File, sheet string, col int) (string, error) {
	name, err := excelize.ColumnNumberToName(col + 1)
	if err != nil {
		return "", err
	}
	styleID, err := f.GetColStyle(sheet, name)
	if err != nil {
		return "", err
	}
	return formatOfStyle(f, styleID)
}

func cellFormat(f *excelize.File, sheet, cell string) (string, error) {
	styleID, err := f.GetCellStyle(sheet, cell)
	if err != nil {
		return "", err
	}
	return formatOfStyle(f, styleID)
}

// Built-in OOXML number format codes this worker cares about.
var builtinNumFmts = map[int]string{
	0:  "General",
	1:  "0",
	2:  "0.00",
	49: "@",
}

func formatOfStyle(f *excelize.File, styleID int) (string, error) {
	style, err := f.GetStyle(styleID)
	if err != nil {
		return "", err
	}
	if style.CustomNumFmt != nil {
		return *style.CustomNumFmt, nil
	}
	if s, ok := builtinNumFmts[style.NumFmt]; ok {
		return s, nil
	}
	return fmt.Sprintf("numFmt:%d", style.NumFmt), nil
}
