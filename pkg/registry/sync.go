package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/germanamz/toolrelay/pkg/toolservice"
)

const tracerName = "github.com/germanamz/toolrelay/pkg/registry"

// ServiceStatus is the outcome of syncing one service.
type ServiceStatus string

const (
	// StatusOK means the catalog was fetched.
	StatusOK ServiceStatus = "ok"
	// StatusFailed means the fetch failed; the previous entries, if any,
	// were retained.
	StatusFailed ServiceStatus = "failed"
	// StatusStale means the fetch failed on a cold start and the cached
	// catalog was used instead.
	StatusStale ServiceStatus = "stale"
)

// ServiceReport describes what one sync did to one service.
type ServiceReport struct {
	Service  string        `json:"service"`
	Endpoint string        `json:"endpoint,omitempty"`
	Status   ServiceStatus `json:"status"`
	Error    string        `json:"error,omitempty"`
	Tools    int           `json:"tools"`
	Retained int           `json:"retained,omitempty"`
	Added    []string      `json:"added,omitempty"`
	Updated  []string      `json:"updated,omitempty"`
	Removed  []string      `json:"removed,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`

	// Diff is a unified diff of the input schemas of updated tools.
	Diff string `json:"diff,omitempty"`
}

// Conflict records a tool name offered by more than one service. The
// service listed first in the sync wins.
type Conflict struct {
	Tool    string `json:"tool"`
	Kept    string `json:"kept"`
	Dropped string `json:"dropped"`
}

// SyncReport summarizes one Sync call.
type SyncReport struct {
	Version    uint64          `json:"version"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
	Services   []ServiceReport `json:"services"`
	Conflicts  []Conflict      `json:"conflicts,omitempty"`
}

// Failed returns the reports of services whose fetch did not succeed.
func (r SyncReport) Failed() []ServiceReport {
	var out []ServiceReport
	for _, s := range r.Services {
		if s.Status != StatusOK {
			out = append(out, s)
		}
	}

	return out
}

// Changed reports whether the sync added, updated or removed any tool.
func (r SyncReport) Changed() bool {
	for _, s := range r.Services {
		if len(s.Added)+len(s.Updated)+len(s.Removed) > 0 {
			return true
		}
	}

	return false
}

type fetchResult struct {
	catalog toolservice.Catalog
	err     error
}

// Sync fetches every source's catalog concurrently and publishes a new
// snapshot built from them. A source that fails keeps its entries from the
// previous snapshot. When two sources offer the same tool name, the one
// earlier in sources wins. Sync never fails as a whole; problems are in the
// report.
func (r *Registry) Sync(ctx context.Context, sources ...toolservice.CatalogSource) SyncReport {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "registry.sync")
	defer span.End()

	prev := r.current.Load()
	report := SyncReport{Version: prev.Version + 1, StartedAt: r.now()}

	results := make([]fetchResult, len(sources))

	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Go(func() {
			cat, err := src.Catalog(ctx)
			results[i] = fetchResult{catalog: cat, err: err}
		})
	}
	wg.Wait()

	now := r.now()
	owner := map[string]string{}
	seenService := map[string]bool{}

	var merged []ToolDescriptor

	for i, src := range sources {
		name := src.Name()
		rep := ServiceReport{Service: name}

		if seenService[name] {
			rep.Status = StatusFailed
			rep.Error = "duplicate service name"
			report.Services = append(report.Services, rep)
			continue
		}
		seenService[name] = true

		descs := r.serviceDescriptors(ctx, name, results[i], prev, now, &rep)

		kept := descs[:0]
		for _, d := range descs {
			if winner, taken := owner[d.Name]; taken {
				report.Conflicts = append(report.Conflicts, Conflict{Tool: d.Name, Kept: winner, Dropped: name})
				continue
			}
			owner[d.Name] = name
			kept = append(kept, d)
		}

		if rep.Status != StatusFailed {
			diffService(prev.Service(name), kept, &rep)
		}
		rep.Tools = len(kept)

		merged = append(merged, kept...)
		report.Services = append(report.Services, rep)
	}

	next := newSnapshot(report.Version, now, merged)
	r.current.Store(next)

	report.FinishedAt = r.now()

	failed := len(report.Failed())
	span.SetAttributes(
		attribute.Int("registry.sources", len(sources)),
		attribute.Int("registry.tools", next.Len()),
		attribute.Int("registry.failed", failed),
		attribute.Int("registry.conflicts", len(report.Conflicts)),
	)
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d services failed", failed, len(sources)))
	}

	r.log.InfoContext(ctx, "registry synced",
		"version", report.Version,
		"tools", next.Len(),
		"services", len(sources),
		"failed", failed,
		"conflicts", len(report.Conflicts),
	)

	return report
}

// serviceDescriptors returns the entries one service contributes to the
// next snapshot and fills in the status part of its report.
func (r *Registry) serviceDescriptors(
	ctx context.Context,
	name string,
	res fetchResult,
	prev *Snapshot,
	now time.Time,
	rep *ServiceReport,
) []ToolDescriptor {
	if res.err == nil {
		rep.Status = StatusOK
		rep.Endpoint = res.catalog.ServiceEndpoint

		cat := res.catalog
		if err := r.cache.Set(ctx, name, &cat, r.cacheTTL); err != nil {
			r.log.WarnContext(ctx, "registry: cache catalog", "service", name, "error", err)
		}

		return r.buildDescriptors(name, res.catalog, now, rep)
	}

	rep.Error = res.err.Error()

	if retained := prev.Service(name); len(retained) > 0 {
		rep.Status = StatusFailed
		rep.Retained = len(retained)
		rep.Endpoint = retained[0].EndpointURL

		r.log.WarnContext(ctx, "registry: sync failed, keeping previous tools",
			"service", name, "tools", len(retained), "error", res.err)

		return retained
	}

	cached, err := r.cache.Get(ctx, name)
	if err != nil {
		r.log.WarnContext(ctx, "registry: read catalog cache", "service", name, "error", err)
	}
	if cached == nil {
		rep.Status = StatusFailed

		r.log.WarnContext(ctx, "registry: sync failed", "service", name, "error", res.err)

		return nil
	}

	rep.Status = StatusStale
	rep.Endpoint = cached.ServiceEndpoint

	r.log.WarnContext(ctx, "registry: sync failed, using cached catalog",
		"service", name, "tools", len(cached.Tools), "error", res.err)

	return r.buildDescriptors(name, *cached, now, rep)
}

func (r *Registry) buildDescriptors(name string, cat toolservice.Catalog, now time.Time, rep *ServiceReport) []ToolDescriptor {
	// The source's configured name identifies the service even when the
	// remote reports a different one.
	cat.ServiceName = name

	seen := map[string]bool{}
	descs := make([]ToolDescriptor, 0, len(cat.Tools))

	for _, tool := range cat.Tools {
		if seen[tool.Name] {
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("duplicate tool %q in catalog", tool.Name))
			continue
		}
		seen[tool.Name] = true

		d, warnings := newDescriptor(cat, tool, r.projection, now)
		rep.Warnings = append(rep.Warnings, warnings...)
		descs = append(descs, d)
	}

	return descs
}

// diffService fills in the added, updated and removed names of a service and
// a schema diff for the updated ones.
func diffService(before, after []ToolDescriptor, rep *ServiceReport) {
	old := make(map[string]ToolDescriptor, len(before))
	for _, d := range before {
		old[d.Name] = d
	}

	present := make(map[string]bool, len(after))
	var diff bytes.Buffer

	for _, d := range after {
		present[d.Name] = true

		prior, ok := old[d.Name]
		switch {
		case !ok:
			rep.Added = append(rep.Added, d.Name)
		case !sameDefinition(prior, d):
			rep.Updated = append(rep.Updated, d.Name)
			diff.WriteString(schemaDiff(d.Name, prior.InputSchema, d.InputSchema))
		}
	}

	for _, d := range before {
		if !present[d.Name] {
			rep.Removed = append(rep.Removed, d.Name)
		}
	}

	rep.Diff = diff.String()
}

func schemaDiff(name string, before, after json.RawMessage) string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(indent(before)),
		B:        difflib.SplitLines(indent(after)),
		FromFile: name + " (before)",
		ToFile:   name + " (after)",
		Context:  2,
	}

	result, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return fmt.Sprintf("(diff error: %v)\n", err)
	}

	return result
}

func indent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw) + "\n"
	}
	buf.WriteByte('\n')

	return buf.String()
}
