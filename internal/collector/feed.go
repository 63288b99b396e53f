package collector

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openpolicy/civicsync/internal/fetcher"
	"github.com/openpolicy/civicsync/internal/model"
)

// FeedOptions configures a FeedCollector.
type FeedOptions struct {
	// DefaultKind applies to rows without a "kind" field.
	DefaultKind model.RecordKind
	// Format forces a feed format; empty means detect per payload.
	Format fetcher.Format
	// XMLElement names the repeating element in XML feeds.
	XMLElement string
	// Rename maps source column names to record field names, e.g.
	// "elected_office" -> "role".
	Rename map[string]string
}

// FeedCollector collects records from sources that publish structured feeds
// (JSON APIs, CSV/XLSX open-data exports, XML). Feeds that answer 304 to a
// conditional request contribute no records.
type FeedCollector struct {
	fetch fetcher.Fetcher
	opts  FeedOptions

	mu    sync.Mutex
	etags map[string]string
}

// NewFeedCollector creates a feed collector.
func NewFeedCollector(f fetcher.Fetcher, opts FeedOptions) *FeedCollector {
	if opts.DefaultKind == "" {
		opts.DefaultKind = model.KindBill
	}
	return &FeedCollector{fetch: f, opts: opts, etags: make(map[string]string)}
}

// Collect implements Collector. Per-endpoint failures are reported in the
// result; the call errors only when every endpoint failed.
func (fc *FeedCollector) Collect(ctx context.Context, j model.Jurisdiction) (model.CollectorResult, error) {
	if len(j.Endpoints) == 0 {
		return model.CollectorResult{}, eris.Errorf("feed: jurisdiction %s has no endpoints", j.ID)
	}

	var res model.CollectorResult
	failed := 0
	for _, ep := range j.Endpoints {
		records, err := fc.collectEndpoint(ctx, ep)
		if err != nil {
			if ctx.Err() != nil {
				return model.CollectorResult{}, ctx.Err()
			}
			failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", ep, err))
			zap.L().Warn("feed endpoint failed",
				zap.String("jurisdiction", j.ID),
				zap.String("endpoint", ep),
				zap.Error(err),
			)
			continue
		}
		res.Records = append(res.Records, records...)
	}

	if failed == len(j.Endpoints) {
		return model.CollectorResult{}, eris.Errorf("feed: all %d endpoints failed: %s", failed, strings.Join(res.Errors, "; "))
	}
	return res, nil
}

func (fc *FeedCollector) collectEndpoint(ctx context.Context, endpoint string) ([]model.Record, error) {
	fc.mu.Lock()
	etag := fc.etags[endpoint]
	fc.mu.Unlock()

	p, err := fc.fetch.Fetch(ctx, endpoint, etag)
	if err != nil {
		return nil, err
	}
	if p.NotModified {
		return nil, nil
	}

	format := fc.opts.Format
	if format == "" {
		format = fetcher.DetectFormat(endpoint, p.ContentType)
	}
	rows, err := fetcher.Decode(p.Body, format, fetcher.DecodeOptions{XMLElement: fc.opts.XMLElement})
	if err != nil {
		return nil, err
	}

	records := make([]model.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, fc.toRecord(endpoint, row))
	}

	// Only remember the ETag once the payload decoded.
	if p.ETag != "" {
		fc.mu.Lock()
		fc.etags[endpoint] = p.ETag
		fc.mu.Unlock()
	}
	return records, nil
}

func (fc *FeedCollector) toRecord(endpoint string, row fetcher.Row) model.Record {
	fields := make(map[string]any, len(row))
	for k, v := range row {
		if to, ok := fc.opts.Rename[k]; ok {
			k = to
		}
		fields[k] = v
	}

	rec := model.Record{
		Kind:      fc.opts.DefaultKind,
		SourceURL: endpoint,
		Fields:    fields,
	}
	if k, ok := takeString(fields, "kind"); ok && k != "" {
		rec.Kind = model.RecordKind(strings.ToLower(k))
	}
	if id, ok := takeString(fields, "external_id"); ok {
		rec.ExternalID = id
	} else if id, ok := fields["id"]; ok && id != nil {
		rec.ExternalID = strings.TrimSpace(fmt.Sprint(id))
	}
	if u, ok := fields["source_url"].(string); ok && u != "" {
		rec.SourceURL = u
	} else if u, ok := fields["url"].(string); ok && u != "" {
		rec.SourceURL = u
	}
	return rec
}

// takeString removes key from fields and returns it as a trimmed string.
func takeString(fields map[string]any, key string) (string, bool) {
	v, ok := fields[key]
	if !ok || v == nil {
		return "", false
	}
	delete(fields, key)
	return strings.TrimSpace(fmt.Sprint(v)), true
}
