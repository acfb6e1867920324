// Package market reconciles the installed plugin set against a remote
// catalog: installing plugins the host has never seen, updating ones whose
// published version has moved on, and leaving the rest alone. A single
// entry's failure is isolated and recorded in the Report; it never aborts
// the rest of the pass, the same discovery-loop idiom the host's package
// store and registry already use for per-entry errors.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nbot-dev/nbot/internal/registry"
)

// CatalogEntry is one row the market's catalog endpoint returns.
type CatalogEntry struct {
	ID        string `json:"id"`
	Version   string `json:"version"`
	SourceURL string `json:"source_url"`
}

// Report summarizes one sync pass.
type Report struct {
	Installed []string          `json:"installed"`
	Updated   []string          `json:"updated"`
	Skipped   []string          `json:"skipped"`
	Failed    map[string]string `json:"failed"`
}

// Reconciler drives sync passes against a market base URL, installing and
// updating plugins through a Registry.
type Reconciler struct {
	baseURL    string
	httpClient *http.Client
	registry   *registry.Registry
	logger     *slog.Logger
}

// Option configures a Reconciler at construction time.
type Option func(*Reconciler)

func WithHTTPClient(c *http.Client) Option { return func(r *Reconciler) { r.httpClient = c } }
func WithLogger(l *slog.Logger) Option     { return func(r *Reconciler) { r.logger = l } }

// New constructs a Reconciler against baseURL's /catalog endpoint.
func New(baseURL string, reg *registry.Registry, opts ...Option) *Reconciler {
	r := &Reconciler{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		registry:   reg,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sync fetches the catalog and reconciles every entry: an uninstalled id is
// installed disabled; an installed id is reinstalled (preserving config and
// enabled state) when forceUpdate is set or the catalog version is
// strictly newer; otherwise it is skipped. Any per-entry error is recorded
// under Report.Failed and does not stop the rest of the pass.
func (r *Reconciler) Sync(ctx context.Context, forceUpdate bool) (Report, error) {
	entries, err := r.fetchCatalog(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("fetch catalog: %w", err)
	}

	report := Report{Failed: make(map[string]string)}
	for _, ce := range entries {
		if err := r.reconcileEntry(ctx, ce, forceUpdate, &report); err != nil {
			report.Failed[ce.ID] = err.Error()
			r.logger.Warn("market sync entry failed", "plugin", ce.ID, "error", err)
		}
	}
	return report, nil
}

// Bootstrap runs a non-forcing sync, intended for first-start gating: the
// caller decides whether to invoke it at all based on a host config flag.
func (r *Reconciler) Bootstrap(ctx context.Context) (Report, error) {
	return r.Sync(ctx, false)
}

// StartPeriodic schedules Sync(ctx, forceUpdate) on the given cron spec
// (e.g. "@every 30m") and returns the running scheduler; callers should
// Stop() it on shutdown.
func (r *Reconciler) StartPeriodic(ctx context.Context, spec string, forceUpdate bool) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		report, err := r.Sync(ctx, forceUpdate)
		if err != nil {
			r.logger.Error("periodic market sync failed", "error", err)
			return
		}
		r.logger.Info("periodic market sync complete",
			"installed", len(report.Installed), "updated", len(report.Updated),
			"skipped", len(report.Skipped), "failed", len(report.Failed))
	})
	if err != nil {
		return nil, fmt.Errorf("schedule market sync: %w", err)
	}
	c.Start()
	return c, nil
}

func (r *Reconciler) reconcileEntry(ctx context.Context, ce CatalogEntry, forceUpdate bool, report *Report) error {
	existing, installed := r.registry.Get(ce.ID)
	if !installed {
		data, err := r.downloadPackage(ctx, ce.SourceURL)
		if err != nil {
			return err
		}
		if _, err := r.registry.Install(ctx, data, registry.SourceMarket); err != nil {
			return err
		}
		report.Installed = append(report.Installed, ce.ID)
		return nil
	}

	if forceUpdate || CompareVersions(ce.Version, existing.Manifest.Version) > 0 {
		data, err := r.downloadPackage(ctx, ce.SourceURL)
		if err != nil {
			return err
		}
		if _, err := r.registry.Reinstall(ctx, data, registry.SourceMarket); err != nil {
			return err
		}
		report.Updated = append(report.Updated, ce.ID)
		return nil
	}

	report.Skipped = append(report.Skipped, ce.ID)
	return nil
}

func (r *Reconciler) fetchCatalog(ctx context.Context) ([]CatalogEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/catalog", nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog endpoint returned %d", resp.StatusCode)
	}
	var entries []CatalogEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return entries, nil
}

func (r *Reconciler) downloadPackage(ctx context.Context, sourceURL string) ([]byte, error) {
	resolved := sourceURL
	if u, err := url.Parse(sourceURL); err == nil && !u.IsAbs() {
		resolved = r.baseURL + "/" + strings.TrimLeft(sourceURL, "/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download endpoint returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// CompareVersions compares two dotted-numeric version strings segment by
// segment (e.g. "1.10.0" > "1.9.3"), returning -1/0/1. A non-numeric
// segment compares as 0, so malformed segments never panic — they just
// stop contributing to the ordering.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}
