// Package feed parses the delimited supplier feeds: delimiter detection,
// alias-based header resolution, tolerant number parsing and the
// stock-location index. Feeds arrive as raw bytes; byte-range plumbing and
// phase orchestration live in the pipeline package.
package feed

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Candidate delimiters in tie-break order. Highest count in the header line
// wins; equal counts resolve to the earliest entry.
var delimiters = []string{"\t", ";", ",", "|"}

// DetectDelimiter scores the candidate delimiters against a header line.
// A header containing none of them is malformed: every feed this worker
// reads has at least two columns.
func DetectDelimiter(header string) (string, error) {
	best := ""
	bestCount := 0
	for _, d := range delimiters {
		if n := strings.Count(header, d); n > bestCount {
			best, bestCount = d, n
		}
	}
	if bestCount == 0 {
		return "", fmt.Errorf("no delimiter detectable in header %q", truncate(header, 80))
	}
	return best, nil
}

// Header is a parsed feed header: the detected delimiter and the normalized
// column names in file order.
type Header struct {
	Delimiter string
	Columns   []string
}

// ParseHeader detects the delimiter of the first line and normalizes its
// column names. The line must not include the trailing newline.
func ParseHeader(line string) (Header, error) {
	line = strings.TrimPrefix(line, "\ufeff")
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return Header{}, fmt.Errorf("header line is empty")
	}
	delim, err := DetectDelimiter(line)
	if err != nil {
		return Header{}, err
	}
	parts := strings.Split(line, delim)
	cols := make([]string, len(parts))
	for i, p := range parts {
		cols[i] = NormalizeColumn(p)
	}
	return Header{Delimiter: delim, Columns: cols}, nil
}

// Resolve finds the column index for a canonical name given its alias list.
// Exact normalized match wins; otherwise the first column containing an
// alias as a substring. Aliases must already be normalized.
func (h Header) Resolve(aliases []string) (int, bool) {
	for _, a := range aliases {
		for i, c := range h.Columns {
			if c == a {
				return i, true
			}
		}
	}
	for _, a := range aliases {
		for i, c := range h.Columns {
			if strings.Contains(c, a) {
				return i, true
			}
		}
	}
	return 0, false
}

// NormalizeColumn case-folds a raw column name and strips quoting, spaces
// and separator punctuation so alias matching is layout-insensitive.
func NormalizeColumn(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case ' ', '\t', '-', '_', '.':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Alias lists per canonical column. The supplier rotates between export
// layouts, so these cover every spelling seen in practice.
var (
	AliasMatnr = []string{"matnr", "materialnumber", "material", "artikelnummer", "artnr", "sku", "itemno", "item"}
	AliasMPN   = []string{"mpn", "manufacturerpartnumber", "herstellernummer", "partnumber", "hstnr"}
	AliasEAN   = []string{"ean", "gtin", "barcode"}
	AliasDesc  = []string{"desc", "description", "bezeichnung", "descrizione", "shorttext", "name"}

	AliasStock = []string{"stock", "qty", "quantity", "menge", "bestand", "giacenza", "disponibile"}

	AliasListPrice = []string{"lp", "listprice", "listino", "uvp", "vk"}
	AliasBestPrice = []string{"cbp", "bestprice", "currentbestprice", "nettonetto", "prezzo", "nn"}
	AliasSurcharge = []string{"sur", "surcharge", "zuschlag", "weee", "raee", "eco"}

	AliasLocation = []string{"locationid", "location", "lgort", "warehouse"}
)

// ParseNumber parses a feed numeric field, accepting a comma as the decimal
// separator. Fields are whitespace-trimmed first; empty is zero.
func ParseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if strings.Contains(s, ",") && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	return strconv.ParseFloat(s, 64)
}

// ParseQuantity parses an integer stock value, tolerating decimal notation
// by truncation.
func ParseQuantity(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := ParseNumber(s)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

// StripBOM removes a leading UTF-8 byte order mark.
func StripBOM(b []byte) []byte {
	return bytes.TrimPrefix(b, []byte{0xEF, 0xBB, 0xBF})
}

// DecodeText interprets raw feed bytes as UTF-8, lossily replacing invalid
// sequences. Newlines are left alone.
func DecodeText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}

// DecodeTextFallback decodes feed bytes as UTF-8, retrying the whole buffer
// as Windows-1252 when it is not valid UTF-8. The second return reports
// whether the fallback was taken.
func DecodeTextFallback(b []byte) (string, bool) {
	if utf8.Valid(b) {
		return string(b), false
	}
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		// Windows-1252 maps every byte, so this is unreachable in
		// practice; keep the lossy UTF-8 result if it ever fails.
		return DecodeText(b), false
	}
	return string(decoded), true
}

// NormalizeNewlines rewrites CRLF and bare CR to LF.
func NormalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// EachBodyLine calls fn for every non-empty line after the first. Used by
// the index builders, which always hold the whole (small) feed in memory.
func EachBodyLine(text string, fn func(line string)) {
	lines := strings.Split(NormalizeNewlines(text), "\n")
	for i, line := range lines {
		if i == 0 {
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		fn(line)
	}
}

// FirstLine returns the first line of text without its newline, and the
// byte offset just past the LF. ok is false when no LF terminates the line.
func FirstLine(b []byte) (line string, end int64, ok bool) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return "", 0, false
	}
	return string(b[:i]), int64(i) + 1, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
