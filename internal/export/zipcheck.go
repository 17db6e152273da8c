package export

import (
	"bytes"
	"crypto/sha256"
	"encoding/xml"
	"fmt"
	"io"

	"github.com/klauspost/compress/zip"

	"feedmill/internal/models"
)

// verifyArchive proves the properties the workbook library cannot: the
// rendered archive's styles part, every protected sheet's worksheet XML and
// the data sheet's <sheetViews> element (freeze-pane state) are
// byte-identical to the template's. Only the few parts named here are ever
// decompressed.
func verifyArchive(tpl, out []byte, spec TemplateSpec) error {
	tplZip, err := openArchive(tpl)
	if err != nil {
		return models.Fatalf(models.KindTemplateInvalid, "%s: template archive: %v", spec.Name, err)
	}
	outZip, err := openArchive(out)
	if err != nil {
		return models.Fatalf(models.KindExportInvalid, "%s: output archive: %v", spec.Name, err)
	}

	tplStyles, err := tplZip.part("xl/styles.xml")
	if err != nil {
		return models.Fatalf(models.KindTemplateInvalid, "%s: %v", spec.Name, err)
	}
	outStyles, err := outZip.part("xl/styles.xml")
	if err != nil {
		return models.Fatalf(models.KindStylesMismatch, "%s: %v", spec.Name, err)
	}
	if !bytesEqualByDigest(tplStyles, outStyles) {
		return models.Fatalf(models.KindStylesMismatch,
			"%s: styles.xml differs from template (%d vs %d bytes)", spec.Name, len(tplStyles), len(outStyles))
	}

	for _, sheet := range spec.ProtectedSheets {
		tplPart, err := tplZip.sheetXML(sheet)
		if err != nil {
			return models.Fatalf(models.KindTemplateInvalid, "%s: %v", spec.Name, err)
		}
		outPart, err := outZip.sheetXML(sheet)
		if err != nil {
			return models.Fatalf(models.KindProtectedSheetMismatch, "%s: %v", spec.Name, err)
		}
		if !bytesEqualByDigest(tplPart, outPart) {
			return models.Fatalf(models.KindProtectedSheetMismatch,
				"%s: protected sheet %q differs from template", spec.Name, sheet)
		}
	}

	tplData, err := tplZip.sheetXML(spec.DataSheet)
	if err != nil {
		return models.Fatalf(models.KindTemplateInvalid, "%s: %v", spec.Name, err)
	}
	outData, err := outZip.sheetXML(spec.DataSheet)
	if err != nil {
		return models.Fatalf(models.KindExportInvalid, "%s: %v", spec.Name, err)
	}
	if !bytes.Equal(sheetViewsSlice(tplData), sheetViewsSlice(outData)) {
		return models.Fatalf(models.KindSheetViewsMismatch,
			"%s: <sheetViews> of %q differs from template", spec.Name, spec.DataSheet)
	}
	return nil
}

// archive is a lazily decompressed view of one OOXML container.
type archive struct {
	files map[string]*zip.File
	// sheet name → worksheet part path, resolved through xl/workbook.xml
	// and its relationships once on first use.
	sheets map[string]string
}

func openArchive(data []byte) (*archive, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	a := &archive{files: make(map[string]*zip.File, len(zr.File))}
	for _, f := range zr.File {
		a.files[f.Name] = f
	}
	return a, nil
}

func (a *archive) part(name string) ([]byte, error) {
	f, ok := a.files[name]
	if !ok {
		return nil, fmt.Errorf("archive part %s missing", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// sheetXML returns the worksheet part for a sheet name, resolving the name
// through the workbook's sheet list and relationship table.
func (a *archive) sheetXML(sheet string) ([]byte, error) {
	if a.sheets == nil {
		if err := a.resolveSheets(); err != nil {
			return nil, err
		}
	}
	path, ok := a.sheets[sheet]
	if !ok {
		return nil, fmt.Errorf("sheet %q not in workbook", sheet)
	}
	return a.part(path)
}

func (a *archive) resolveSheets() error {
	wb, err := a.part("xl/workbook.xml")
	if err != nil {
		return err
	}
	var workbook struct {
		Sheets struct {
			Sheet []struct {
				Name string `xml:"name,attr"`
				RID  string `xml:"id,attr"`
			} `xml:"sheet"`
		} `xml:"sheets"`
	}
	if err := xml.Unmarshal(wb, &workbook); err != nil {
		return fmt.Errorf("parse workbook.xml: %w", err)
	}

	rels, err := a.part("xl/_rels/workbook.xml.rels")
	if err != nil {
		return err
	}
	var relationships struct {
		Relationship []struct {
			ID     string `xml:"Id,attr"`
			Target string `xml:"Target,attr"`
		} `xml:"Relationship"`
	}
	if err := xml.Unmarshal(rels, &relationships); err != nil {
		return fmt.Errorf("parse workbook rels: %w", err)
	}
	targets := make(map[string]string, len(relationships.Relationship))
	for _, rel := range relationships.Relationship {
		targets[rel.ID] = rel.Target
	}

	a.sheets = make(map[string]string, len(workbook.Sheets.Sheet))
	for _, s := range workbook.Sheets.Sheet {
		target, ok := targets[s.RID]
		if !ok {
			return fmt.Errorf("sheet %q: relationship %s missing", s.Name, s.RID)
		}
		if len(target) > 0 && target[0] == '/' {
			a.sheets[s.Name] = target[1:]
		} else {
			a.sheets[s.Name] = "xl/" + target
		}
	}
	return nil
}

// sheetViewsSlice extracts the raw <sheetViews> element from worksheet XML
// by scanning only the prefix before the <sheetData> sentinel. The data
// sheet's full XML may run to tens of MB; the prefix never does.
func sheetViewsSlice(ws []byte) []byte {
	prefix := ws
	if i := bytes.Index(ws, []byte("<sheetData")); i >= 0 {
		prefix = ws[:i]
	}
	start := bytes.Index(prefix, []byte("<sheetViews"))
	if start < 0 {
		return nil
	}
	end := bytes.Index(prefix[start:], []byte("</sheetViews>"))
	if end < 0 {
		// Self-closing or truncated; take through the next close angle.
		if j := bytes.IndexByte(prefix[start:], '>'); j >= 0 {
			return prefix[start : start+j+1]
		}
		return prefix[start:]
	}
	return prefix[start : start+end+len("</sheetViews>")]
}

// colsSlice extracts the raw <cols> element (column widths) from the
// worksheet XML prefix.
func colsSlice(ws []byte) []byte {
	prefix := ws
	if i := bytes.Index(ws, []byte("<sheetData")); i >= 0 {
		prefix = ws[:i]
	}
	start := bytes.Index(prefix, []byte("<cols"))
	if start < 0 {
		return nil
	}
	end := bytes.Index(prefix[start:], []byte("</cols>"))
	if end < 0 {
		if j := bytes.IndexByte(prefix[start:], '>'); j >= 0 {
			return prefix[start : start+j+1]
		}
		return prefix[start:]
	}
	return prefix[start : start+end+len("</cols>")]
}

// autoFilterSlice extracts the <autoFilter .../> element. It appears after
// <sheetData> in the schema, so this scans from the end of the part where
// the element sits within a few hundred bytes.
func autoFilterSlice(ws []byte) []byte {
	start := bytes.LastIndex(ws, []byte("<autoFilter"))
	if start < 0 {
		return nil
	}
	if j := bytes.Index(ws[start:], []byte("</autoFilter>")); j >= 0 {
		return ws[start : start+j+len("</autoFilter>")]
	}
	if j := bytes.IndexByte(ws[start:], '>'); j >= 0 {
		return ws[start : start+j+1]
	}
	return ws[start:]
}

// bytesEqualByDigest short-circuits on length, then compares SHA-256
// digests rather than the raw bytes.
func bytesEqualByDigest(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	da, db := sha256.Sum256(a), sha256.Sum256(b)
	return da == db
}
