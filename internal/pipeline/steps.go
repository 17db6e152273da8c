package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"feedmill/internal/feed"
	"feedmill/internal/models"
	"feedmill/internal/storage"
)

const (
	eanMappingPrefix = "ean_mapping/"
	overridesKey     = "overrides/products.csv"
)

// runEANMapping fills empty EANs in the product table from the supplier's
// MPN→EAN mapping feed and rewrites the table in place.
func (w *Worker) runEANMapping(ctx context.Context, inv Invocation) (models.StepStatus, error) {
	return w.runSimple(ctx, inv, func(ctx context.Context) (map[string]int64, error) {
		obj, err := w.newestUnder(ctx, eanMappingPrefix)
		if err != nil {
			return nil, err
		}
		data, err := w.store.Download(ctx, w.importBucket, obj.Key)
		if err != nil {
			return nil, fmt.Errorf("download mapping feed: %w", err)
		}
		mapping, err := feed.BuildEANMapping(data)
		if err != nil {
			return nil, mapFeedErr(err)
		}

		products, err := w.loadProductTable(ctx, inv.RunID, productsKey(inv.RunID))
		if err != nil {
			return nil, err
		}
		var filled, unmatched int64
		for i := range products {
			if products[i].EAN != "" {
				continue
			}
			if ean, ok := mapping.Index[products[i].MPN]; ok {
				products[i].EAN = ean
				filled++
			} else {
				unmatched++
			}
		}
		if err := w.store.Upload(ctx, w.exportsBucket, productsKey(inv.RunID), renderProductTable(products), "text/tab-separated-values"); err != nil {
			return nil, fmt.Errorf("upload product table: %w", err)
		}
		log.Printf("[ean_mapping] run %s: %d filled, %d unmatched", inv.RunID, filled, unmatched)
		return map[string]int64{"filled": filled, "unmatched": unmatched}, nil
	})
}

// runPricing validates the fee configuration and writes the priced product
// table: the canonical columns plus the default sell price.
func (w *Worker) runPricing(ctx context.Context, inv Invocation) (models.StepStatus, error) {
	return w.runSimple(ctx, inv, func(ctx context.Context) (map[string]int64, error) {
		fees, err := requireFees(inv, models.StepPricing)
		if err != nil {
			return nil, err
		}
		products, err := w.loadProductTable(ctx, inv.RunID, productsKey(inv.RunID))
		if err != nil {
			return nil, err
		}

		var buf bytes.Buffer
		buf.WriteString(models.PricedTableHeader)
		buf.WriteByte('\n')
		for _, p := range products {
			buf.WriteString(p.TSVRow())
			buf.WriteByte('\t')
			buf.WriteString(strconv.FormatFloat(fees.Price(p.PriceBase(), p.Surcharge), 'f', 2, 64))
			buf.WriteByte('\n')
		}
		if err := w.store.Upload(ctx, w.exportsBucket, pricedKey(inv.RunID), buf.Bytes(), "text/tab-separated-values"); err != nil {
			return nil, fmt.Errorf("upload priced table: %w", err)
		}
		return map[string]int64{"priced": int64(len(products))}, nil
	})
}

// requireFees validates the invocation's fee configuration for a step. The
// failure lists only the offending field names, never their values.
func requireFees(inv Invocation, step models.Step) (models.Fees, error) {
	if inv.Fees == nil {
		return models.Fees{}, models.Fatalf(models.KindPricingConfigInvalid, "fee_config missing")
	}
	if bad := inv.Fees.Validate(step); len(bad) > 0 {
		return models.Fees{}, models.Fatalf(models.KindPricingConfigInvalid,
			"invalid fields: %s", strings.Join(bad, ", "))
	}
	if step == models.StepPricing {
		return inv.Fees.BaseFees(), nil
	}
	return inv.Fees.ExportFees(step), nil
}

// runOverrideProducts applies the manually maintained override file to the
// product table: per-material stock and price overrides plus exclusions.
// The file is optional; a run without it completes as a no-op.
func (w *Worker) runOverrideProducts(ctx context.Context, inv Invocation) (models.StepStatus, error) {
	return w.runSimple(ctx, inv, func(ctx context.Context) (map[string]int64, error) {
		data, err := w.store.Download(ctx, w.exportsBucket, overridesKey)
		if err != nil {
			if storage.IsNotFound(err) {
				return map[string]int64{"missing_file": 1}, nil
			}
			return nil, fmt.Errorf("download overrides: %w", err)
		}
		overrides, err := parseOverrides(data)
		if err != nil {
			return nil, err
		}

		products, err := w.loadProductTable(ctx, inv.RunID, productsKey(inv.RunID))
		if err != nil {
			return nil, err
		}
		var excluded, stockSet, priceSet int64
		kept := products[:0]
		for _, p := range products {
			o, ok := overrides[p.Matnr]
			if !ok {
				kept = append(kept, p)
				continue
			}
			if o.exclude {
				excluded++
				continue
			}
			if o.stock != nil {
				p.Stock = *o.stock
				stockSet++
			}
			if o.price != nil {
				p.BestPrice = *o.price
				priceSet++
			}
			kept = append(kept, p)
		}
		if err := w.store.Upload(ctx, w.exportsBucket, productsKey(inv.RunID), renderProductTable(kept), "text/tab-separated-values"); err != nil {
			return nil, fmt.Errorf("upload product table: %w", err)
		}
		log.Printf("[override_products] run %s: %d excluded, %d stock, %d price",
			inv.RunID, excluded, stockSet, priceSet)
		return map[string]int64{
			"excluded":         excluded,
			"stock_overridden": stockSet,
			"price_overridden": priceSet,
		}, nil
	})
}

type productOverride struct {
	stock   *int64
	price   *float64
	exclude bool
}

// parseOverrides reads the semicolon-delimited override file with columns
// matnr;stock;price;exclude. Empty stock/price cells leave the product
// value untouched.
func parseOverrides(data []byte) (map[string]productOverride, error) {
	text := feed.NormalizeNewlines(feed.DecodeText(feed.StripBOM(data)))
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, models.Fatalf(models.KindInputMalformed, "override file: header absent")
	}
	header := feed.Header{Delimiter: ";"}
	for _, c := range strings.Split(lines[0], ";") {
		header.Columns = append(header.Columns, feed.NormalizeColumn(c))
	}
	matCol, ok := header.Resolve(feed.AliasMatnr)
	if !ok {
		return nil, models.Fatalf(models.KindRequiredColumnMissing, "override file: matnr")
	}
	stockCol, stockOK := header.Resolve([]string{"stock"})
	priceCol, priceOK := header.Resolve([]string{"price"})
	exclCol, exclOK := header.Resolve([]string{"exclude"})

	out := make(map[string]productOverride)
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, ";")
		if len(fields) <= matCol {
			continue
		}
		matnr := strings.TrimSpace(fields[matCol])
		if matnr == "" {
			continue
		}
		var o productOverride
		if stockOK && len(fields) > stockCol {
			if v := strings.TrimSpace(fields[stockCol]); v != "" {
				n, err := feed.ParseQuantity(v)
				if err != nil {
					return nil, models.Fatalf(models.KindInputMalformed, "override stock for %s", matnr)
				}
				o.stock = &n
			}
		}
		if priceOK && len(fields) > priceCol {
			if v := strings.TrimSpace(fields[priceCol]); v != "" {
				f, err := feed.ParseNumber(v)
				if err != nil {
					return nil, models.Fatalf(models.KindInputMalformed, "override price for %s", matnr)
				}
				o.price = &f
			}
		}
		if exclOK && len(fields) > exclCol {
			switch strings.ToLower(strings.TrimSpace(fields[exclCol])) {
			case "1", "true", "x":
				o.exclude = true
			}
		}
		out[matnr] = o
	}
	return out, nil
}
