package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"feedmill/internal/export"
	"feedmill/internal/feed"
	"feedmill/internal/models"
	"feedmill/internal/storage"
)

// locationFeedKey is the per-run stock-location feed in the import bucket.
func locationFeedKey(runID string) string { return "stock-location/runs/" + runID + ".txt" }

// Output paths: every export lands under the run's folder and, for the
// consumers that poll a fixed name, at the bucket root.
func runExportKey(runID, name string) string { return "runs/" + runID + "/" + name }

// runExport dispatches one marketplace export. The stock-resolution golden
// cases run first on every invocation: a regression there is logged and
// recorded but never aborts the export.
func (w *Worker) runExport(ctx context.Context, inv Invocation) (models.StepStatus, error) {
	if err := export.VerifyGolden(); err != nil {
		log.Printf("[%s] run %s: %v", inv.Step, inv.RunID, err)
		if lerr := w.cp.LogEvent(ctx, inv.RunID, "warn", "stock resolution golden case failed",
			map[string]any{"error": err.Error()}); lerr != nil {
			log.Printf("[%s] run %s: log golden failure: %v", inv.Step, inv.RunID, lerr)
		}
	}

	return w.runSimple(ctx, inv, func(ctx context.Context) (map[string]int64, error) {
		switch inv.Step {
		case models.StepExportEAN:
			return w.exportEANCatalog(ctx, inv, false)
		case models.StepExportEANXLSX:
			return w.exportEANCatalog(ctx, inv, true)
		case models.StepExportMediaworld:
			return w.exportMarketplace(ctx, inv, export.TemplateMediaworld)
		case models.StepExportEprice:
			return w.exportMarketplace(ctx, inv, export.TemplateEprice)
		case models.StepExportAmazon:
			return w.exportAmazon(ctx, inv)
		}
		return nil, fmt.Errorf("not an export step: %s", inv.Step)
	})
}

// exportEANCatalog renders the EAN price catalog, flat CSV or through the
// spreadsheet template. Only products with an EAN and at least two units
// qualify.
func (w *Worker) exportEANCatalog(ctx context.Context, inv Invocation, asWorkbook bool) (map[string]int64, error) {
	fees, err := requireFees(inv, inv.Step)
	if err != nil {
		return nil, err
	}
	products, err := w.loadProductTable(ctx, inv.RunID, productsKey(inv.RunID))
	if err != nil {
		return nil, err
	}

	var listings []export.Listing
	var noEAN int64
	for _, p := range products {
		if p.Stock < 2 {
			continue
		}
		if p.EAN == "" {
			noEAN++
			continue
		}
		l := export.ListingFromProduct(p, fees)
		l.Qty = p.Stock
		listings = append(listings, l)
	}

	var data []byte
	name := "ean_catalog.csv"
	contentType := "text/csv"
	if asWorkbook {
		engine := &export.Engine{Store: w.store, Bucket: w.exportsBucket}
		rows := make([]export.Row, len(listings))
		for i, l := range listings {
			rows[i] = export.EANCatalogRow(l)
		}
		data, err = engine.Render(ctx, export.TemplateEANCatalog, rows)
		if err != nil {
			return nil, err
		}
		name = "ean_catalog.xlsx"
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	} else {
		data = export.EANCatalogCSV(listings)
	}

	if err := w.uploadExport(ctx, inv.RunID, name, data, contentType); err != nil {
		return nil, err
	}
	log.Printf("[%s] run %s: %d listings exported", inv.Step, inv.RunID, len(listings))
	return map[string]int64{"exported": int64(len(listings)), "no_ean": noEAN}, nil
}

// marketplaceParams extracts the per-marketplace stock settings from the
// fee configuration.
func marketplaceParams(step models.Step, c *models.FeeConfig) (includeEU bool, daysIT, daysEU int) {
	switch step {
	case models.StepExportMediaworld:
		return c.MediaworldIncludeEu, c.MediaworldItPrepDays, c.MediaworldEuPrepDays
	case models.StepExportEprice:
		return c.EpriceIncludeEu, c.EpriceItPrepDays, c.EpriceEuPrepDays
	case models.StepExportAmazon:
		// Amazon always sells the combined pool.
		return true, c.AmazonItPrepDays, c.AmazonEuPrepDays
	}
	return false, 0, 0
}

// exportMarketplace renders a template-bound marketplace export
// (mediaworld or eprice) with per-warehouse stock resolution.
func (w *Worker) exportMarketplace(ctx context.Context, inv Invocation, spec export.TemplateSpec) (map[string]int64, error) {
	fees, err := requireFees(inv, inv.Step)
	if err != nil {
		return nil, err
	}
	includeEU, daysIT, daysEU := marketplaceParams(inv.Step, inv.Fees)

	products, err := w.loadProductTable(ctx, inv.RunID, productsKey(inv.RunID))
	if err != nil {
		return nil, err
	}
	locations, warnings, err := w.loadLocationIndex(ctx, inv.RunID)
	if err != nil {
		return nil, err
	}
	warnings.MultiMPN += countMultiMPN(products)

	var rows []export.Row
	var skipped int64
	for _, p := range products {
		it, eu := splitStock(p, locations, &warnings)
		res := export.ResolveStock(it, eu, includeEU, daysIT, daysEU)
		if !res.Export {
			skipped++
			continue
		}
		l := export.ListingFromProduct(p, fees)
		l.Qty = res.Qty
		l.LeadDays = res.LeadDays

		switch inv.Step {
		case models.StepExportMediaworld:
			rows = append(rows, export.MediaworldRow(l))
		case models.StepExportEprice:
			rows = append(rows, export.EpriceRow(l))
		}
	}

	engine := &export.Engine{Store: w.store, Bucket: w.exportsBucket}
	data, err := engine.Render(ctx, spec, rows)
	if err != nil {
		return nil, err
	}
	name := spec.Name + ".xlsx"
	if err := w.uploadExport(ctx, inv.RunID, name, data,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"); err != nil {
		return nil, err
	}
	if err := w.recordWarnings(ctx, inv, warnings); err != nil {
		return nil, err
	}
	log.Printf("[%s] run %s: %d rows exported, %d skipped", inv.Step, inv.RunID, len(rows), skipped)
	return map[string]int64{"exported": int64(len(rows)), "skipped": skipped}, nil
}

// exportAmazon renders the flat Amazon inventory file. Same stock
// resolution as the template exports, Amazon's own fee triple.
func (w *Worker) exportAmazon(ctx context.Context, inv Invocation) (map[string]int64, error) {
	fees, err := requireFees(inv, inv.Step)
	if err != nil {
		return nil, err
	}
	includeEU, daysIT, daysEU := marketplaceParams(inv.Step, inv.Fees)

	products, err := w.loadProductTable(ctx, inv.RunID, productsKey(inv.RunID))
	if err != nil {
		return nil, err
	}
	locations, warnings, err := w.loadLocationIndex(ctx, inv.RunID)
	if err != nil {
		return nil, err
	}

	var listings []export.Listing
	var skipped int64
	for _, p := range products {
		it, eu := splitStock(p, locations, &warnings)
		res := export.ResolveStock(it, eu, includeEU, daysIT, daysEU)
		if !res.Export {
			skipped++
			continue
		}
		l := export.ListingFromProduct(p, fees)
		l.Qty = res.Qty
		l.LeadDays = res.LeadDays
		listings = append(listings, l)
	}

	data := export.AmazonTSV(listings)
	if err := w.uploadExport(ctx, inv.RunID, "amazon_inventory.txt", data, "text/tab-separated-values"); err != nil {
		return nil, err
	}
	if err := w.recordWarnings(ctx, inv, warnings); err != nil {
		return nil, err
	}
	log.Printf("[export_amazon] run %s: %d listings exported, %d skipped", inv.RunID, len(listings), skipped)
	return map[string]int64{"exported": int64(len(listings)), "skipped": skipped}, nil
}

// uploadExport writes the artifact under the run folder and at the bucket
// root, where the marketplace upload jobs poll fixed names.
func (w *Worker) uploadExport(ctx context.Context, runID, name string, data []byte, contentType string) error {
	if err := w.store.Upload(ctx, w.exportsBucket, runExportKey(runID, name), data, contentType); err != nil {
		return fmt.Errorf("upload %s: %w", runExportKey(runID, name), err)
	}
	if err := w.store.Upload(ctx, w.exportsBucket, name, data, contentType); err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	return nil
}

// loadLocationIndex builds the per-warehouse split from the run's
// stock-location feed. The feed is best-effort: a missing file only sets
// the warning counter and every product falls back to domestic stock.
func (w *Worker) loadLocationIndex(ctx context.Context, runID string) (map[string]models.LocationStock, models.WarningCounters, error) {
	data, err := w.store.Download(ctx, w.importBucket, locationFeedKey(runID))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, models.WarningCounters{MissingFile: 1}, nil
		}
		return nil, models.WarningCounters{}, fmt.Errorf("download location feed: %w", err)
	}
	res := feed.BuildLocationIndex(data)
	return res.Index, res.Warnings, nil
}

// splitStock resolves a product's IT/EU split. Without a location row the
// product's merged stock counts as domestic, with the warning recorded.
func splitStock(p models.Product, locations map[string]models.LocationStock, warnings *models.WarningCounters) (it, eu int64) {
	if locations != nil {
		if ls, ok := locations[p.Matnr]; ok {
			return ls.IT, ls.EU
		}
		warnings.MissingRow++
	}
	return p.Stock, 0
}

// countMultiMPN counts materials appearing with more than one distinct MPN.
func countMultiMPN(products []models.Product) int64 {
	mpns := make(map[string]string, len(products))
	flagged := make(map[string]bool)
	for _, p := range products {
		prev, seen := mpns[p.Matnr]
		if !seen {
			mpns[p.Matnr] = p.MPN
			continue
		}
		if prev != p.MPN && !flagged[p.Matnr] {
			flagged[p.Matnr] = true
		}
	}
	return int64(len(flagged))
}

// recordWarnings merges the step's warning counters into the run metrics,
// keyed by step so repeated exports do not clobber each other.
func (w *Worker) recordWarnings(ctx context.Context, inv Invocation, warnings models.WarningCounters) error {
	if !warnings.Any() {
		return nil
	}
	patch := map[string]models.WarningCounters{inv.Step.String() + "_warnings": warnings}
	return w.cp.MergeMetricsPatch(ctx, inv.RunID, patch, inv.Lease)
}

// runTemplateChecksums downloads every pinned template concurrently,
// computes its SHA-256 and records the digests. Run after a template
// deploy to obtain the values to pin in the registry.
func (w *Worker) runTemplateChecksums(ctx context.Context, inv Invocation) (models.StepStatus, error) {
	return w.runSimple(ctx, inv, func(ctx context.Context) (map[string]int64, error) {
		digests := make([]string, len(export.Templates))
		g, gctx := errgroup.WithContext(ctx)
		for i, tpl := range export.Templates {
			g.Go(func() error {
				data, err := w.store.Download(gctx, w.exportsBucket, tpl.Key)
				if err != nil {
					return fmt.Errorf("download %s: %w", tpl.Key, err)
				}
				sum := sha256.Sum256(data)
				digests[i] = hex.EncodeToString(sum[:])
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, models.Fatalf(models.KindTemplateInvalid, "%v", err)
		}

		details := make(map[string]any, len(export.Templates))
		for i, tpl := range export.Templates {
			details[tpl.Key] = digests[i]
			log.Printf("[compute_template_checksums] %s sha256=%s", tpl.Key, digests[i])
		}
		if err := w.cp.LogEvent(ctx, inv.RunID, "info", "template checksums computed", details); err != nil {
			return nil, err
		}
		return map[string]int64{"templates": int64(len(export.Templates))}, nil
	})
}
