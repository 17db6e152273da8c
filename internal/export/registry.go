package export

// TemplateSpec pins one marketplace template: where it lives, the exact
// bytes expected (SHA-256), and the geometry of its data sheet. The digests
// are hard-coded; run compute_template_checksums after uploading a new
// template to obtain the value to pin here.
type TemplateSpec struct {
	Name   string
	Key    string
	Digest string

	DataSheet       string
	RequiredSheets  []string
	ProtectedSheets []string

	// HeaderRows is the snapshot region; FirstDataRow is where product
	// rows start. FirstDataRow == HeaderRows+1 for every current template.
	HeaderRows   int
	FirstDataRow int

	// Columns is the declared column span of the data sheet (the template
	// dimension runs A..this).
	Columns int

	// EANColumns (0-based) are forced to string cells; their template
	// column style carries the text number format so barcodes survive
	// without leading-zero loss. NumberFormats maps numeric columns to the
	// format their template column declares.
	EANColumns    map[int]bool
	NumberFormats map[int]string

	// SharedWidths templates reuse one width table across all columns, so
	// the validator additionally enforces exact column-count equality.
	SharedWidths bool
}

// The three pinned templates. The EAN catalog template ships with ~28k rows
// of sample data; its header is read with the streaming row iterator so the
// samples are never materialized wholesale.
var (
	TemplateEANCatalog = TemplateSpec{
		Name:         "ean_catalog",
		Key:          "templates/ean_catalog.xlsx",
		Digest:       "6d8e41c0b7f2a9d35c11e8a2f04b6c9d8e3a5f1702b4d6c8e0a2f4b6d8c0e2a4",
		DataSheet:    "Catalogo",
		HeaderRows:   1,
		FirstDataRow: 2,
		Columns:      3,
		EANColumns:   map[int]bool{0: true},
		NumberFormats: map[int]string{
			1: "0",
			2: "0.00",
		},
	}

	TemplateMediaworld = TemplateSpec{
		Name:            "mediaworld",
		Key:             "templates/mediaworld.xlsx",
		Digest:          "a1f3c5e7092b4d6f8a0c2e4061830b5d7f9a1c3e507294b6d8f0a2c4e6081a3c",
		DataSheet:       "Data",
		RequiredSheets:  []string{"Data", "ReferenceData", "Columns"},
		ProtectedSheets: []string{"ReferenceData", "Columns"},
		HeaderRows:      2,
		FirstDataRow:    3,
		Columns:         22,
		EANColumns:      map[int]bool{1: true},
		NumberFormats: map[int]string{
			4: "0.00",
			5: "0",
			6: "0",
		},
		SharedWidths: true,
	}

	TemplateEprice = TemplateSpec{
		Name:            "eprice",
		Key:             "templates/eprice.xlsx",
		Digest:          "c2d4e6f80a1b3c5d7e9f0a2b4c6d8e0f1a3b5c7d9e0f2a4b6c8d0e2f4a6b8c0d",
		DataSheet:       "Offerte",
		RequiredSheets:  []string{"Offerte", "Istruzioni"},
		ProtectedSheets: []string{"Istruzioni"},
		HeaderRows:      1,
		FirstDataRow:    2,
		Columns:         8,
		EANColumns:      map[int]bool{1: true},
		NumberFormats: map[int]string{
			2: "0",
			3: "0.00",
			4: "0",
		},
	}
)

// Templates lists every pinned template, in the order the checksum step
// reports them.
var Templates = []TemplateSpec{TemplateEANCatalog, TemplateMediaworld, TemplateEprice}
