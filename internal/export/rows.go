package export

import (
	"bytes"
	"strconv"

	"feedmill/internal/models"
)

// Listing is one exportable product after stock resolution and pricing:
// the shared input of every marketplace renderer.
type Listing struct {
	Matnr    string
	MPN      string
	EAN      string
	Desc     string
	Qty      int64
	Price    float64
	LeadDays int
}

func money(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }

// EANCatalogRow lays out one listing for the EAN catalog template:
// EAN, quantity, price.
func EANCatalogRow(l Listing) Row {
	return Row{
		TextCell(0, l.EAN),
		NumberCell(1, float64(l.Qty)),
		NumberCell(2, l.Price),
	}
}

// MediaworldRow lays out one listing for the mediaworld Data sheet. The
// sheet spans 22 columns; the columns past the offer block belong to
// optional attributes the feed does not carry and stay empty.
func MediaworldRow(l Listing) Row {
	return Row{
		TextCell(0, l.Matnr),
		TextCell(1, l.EAN),
		TextCell(2, l.Desc),
		TextCell(3, l.MPN),
		NumberCell(4, l.Price),
		NumberCell(5, float64(l.Qty)),
		NumberCell(6, float64(l.LeadDays)),
	}
}

// EpriceRow lays out one listing for the eprice Offerte sheet.
func EpriceRow(l Listing) Row {
	return Row{
		TextCell(0, l.Matnr),
		TextCell(1, l.EAN),
		NumberCell(2, float64(l.Qty)),
		NumberCell(3, l.Price),
		NumberCell(4, float64(l.LeadDays)),
	}
}

// EANCatalogCSV renders the flat semicolon catalog: one line per listing,
// EAN;Qty;Price.
func EANCatalogCSV(listings []Listing) []byte {
	var buf bytes.Buffer
	buf.WriteString("EAN;Qty;Price\n")
	for _, l := range listings {
		buf.WriteString(l.EAN)
		buf.WriteByte(';')
		buf.WriteString(strconv.FormatInt(l.Qty, 10))
		buf.WriteByte(';')
		buf.WriteString(money(l.Price))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// AmazonTSV renders the Amazon inventory loader file. Amazon takes a plain
// tab-separated upload, no template.
func AmazonTSV(listings []Listing) []byte {
	var buf bytes.Buffer
	buf.WriteString("sku\tprice\tquantity\tleadtime-to-ship\n")
	for _, l := range listings {
		buf.WriteString(l.Matnr)
		buf.WriteByte('\t')
		buf.WriteString(money(l.Price))
		buf.WriteByte('\t')
		buf.WriteString(strconv.FormatInt(l.Qty, 10))
		buf.WriteByte('\t')
		buf.WriteString(strconv.Itoa(l.LeadDays))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// ListingFromProduct applies the effective fee triple to a product. Stock
// and lead time are the caller's concern; they depend on the marketplace's
// stock-resolution inputs.
func ListingFromProduct(p models.Product, fees models.Fees) Listing {
	return Listing{
		Matnr: p.Matnr,
		MPN:   p.MPN,
		EAN:   p.EAN,
		Desc:  p.Desc,
		Price: fees.Price(p.PriceBase(), p.Surcharge),
	}
}
