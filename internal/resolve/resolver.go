// Package resolve produces the baseline prefix set the rule generator starts
// from, either from the RIPEstat country-resource-list API or from a static
// file. Resolution failures are fatal for the run: there is no safe default
// set, since both "allow nothing" and "allow everything" misroute traffic.
package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"os"

	"github.com/avolkhov/wgfence/internal/netset"
)

// DefaultRIPEURL is the RIPEstat endpoint serving per-country allocations.
const DefaultRIPEURL = "https://stat.ripe.net/data/country-resource-list/data.json"

// Source names for Config.Source.
const (
	SourceRIPE = "ripe"
	SourceFile = "file"
)

// ResolveError wraps any failure to obtain or parse range data.
type ResolveError struct {
	Source string
	Err    error
}

// Error implements the error interface.
func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve ranges from %s: %v", e.Source, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As checks.
func (e *ResolveError) Unwrap() error {
	return e.Err
}

// Config controls where ranges come from and how they are post-processed.
type Config struct {
	Source       string
	Country      string
	BaseURL      string
	SourceFile   string
	CutoffPrefix int
	// Invert subtracts the source set from the full address space: "protect
	// everything except these ranges". This matches routing around a
	// country's networks rather than into them.
	Invert     bool
	IPv6       bool
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Resolver fetches and normalizes the baseline prefix set.
type Resolver struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New constructs a Resolver, filling in defaults for unset fields.
func New(cfg Config) *Resolver {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultRIPEURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{cfg: cfg, client: client, logger: logger}
}

// Resolve returns the baseline set. Output is deterministic for given input
// data; any source failure surfaces as a *ResolveError.
func (r *Resolver) Resolve(ctx context.Context) (*netset.Set, error) {
	var (
		base *netset.Set
		err  error
	)
	switch r.cfg.Source {
	case SourceRIPE, "":
		base, err = r.fetchCountry(ctx)
	case SourceFile:
		base, err = r.loadFile()
	default:
		return nil, &ResolveError{Source: r.cfg.Source, Err: fmt.Errorf("unknown range source")}
	}
	if err != nil {
		return nil, err
	}

	if base.Len() == 0 {
		return nil, &ResolveError{Source: r.sourceName(), Err: fmt.Errorf("empty range set")}
	}

	base = base.Widen(r.cfg.CutoffPrefix)

	if !r.cfg.Invert {
		return base, nil
	}

	full := netset.New(netip.MustParsePrefix("0.0.0.0/0"))
	if r.cfg.IPv6 {
		full.Add(netip.MustParsePrefix("::/0"))
	}
	inverted := full.Subtract(base)
	r.logger.Debug("inverted range set",
		slog.Int("source_prefixes", base.Len()),
		slog.Int("result_prefixes", inverted.Len()),
	)
	return inverted, nil
}

func (r *Resolver) sourceName() string {
	if r.cfg.Source == SourceFile {
		return r.cfg.SourceFile
	}
	return SourceRIPE
}

type ripeResponse struct {
	Data struct {
		Resources struct {
			IPv4 []string `json:"ipv4"`
			IPv6 []string `json:"ipv6"`
		} `json:"resources"`
	} `json:"data"`
}

func (r *Resolver) fetchCountry(ctx context.Context) (*netset.Set, error) {
	if r.cfg.Country == "" {
		return nil, &ResolveError{Source: SourceRIPE, Err: fmt.Errorf("country code not configured")}
	}

	endpoint, err := url.Parse(r.cfg.BaseURL)
	if err != nil {
		return nil, &ResolveError{Source: SourceRIPE, Err: fmt.Errorf("parse base url: %w", err)}
	}
	query := endpoint.Query()
	query.Set("resource", r.cfg.Country)
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, &ResolveError{Source: SourceRIPE, Err: err}
	}

	r.logger.Info("fetching country allocations",
		slog.String("country", r.cfg.Country),
		slog.String("url", endpoint.Redacted()),
	)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &ResolveError{Source: SourceRIPE, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ResolveError{Source: SourceRIPE, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	var payload ripeResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &ResolveError{Source: SourceRIPE, Err: fmt.Errorf("decode response: %w", err)}
	}

	entries := payload.Data.Resources.IPv4
	if r.cfg.IPv6 {
		entries = append(entries, payload.Data.Resources.IPv6...)
	}

	set := netset.New()
	skipped := 0
	for _, entry := range entries {
		prefixes, err := netset.ParseEntry(entry)
		if err != nil {
			// Remote data we cannot fix; skip the entry rather than fail
			// the whole run over one bad record.
			r.logger.Warn("skipping malformed allocation entry",
				slog.String("entry", entry),
				slog.String("error", err.Error()),
			)
			skipped++
			continue
		}
		for _, p := range prefixes {
			set.Add(p)
		}
	}

	r.logger.Info("country allocations fetched",
		slog.String("country", r.cfg.Country),
		slog.Int("entries", len(entries)),
		slog.Int("prefixes", set.Len()),
		slog.Int("skipped", skipped),
	)
	return set, nil
}

func (r *Resolver) loadFile() (*netset.Set, error) {
	if r.cfg.SourceFile == "" {
		return nil, &ResolveError{Source: SourceFile, Err: fmt.Errorf("source file not configured")}
	}
	// Unlike the optional override lists, a missing range source is fatal.
	if _, err := os.Stat(r.cfg.SourceFile); err != nil {
		return nil, &ResolveError{Source: r.cfg.SourceFile, Err: err}
	}
	set, err := netset.LoadFile(r.cfg.SourceFile)
	if err != nil {
		return nil, &ResolveError{Source: r.cfg.SourceFile, Err: err}
	}
	return set, nil
}
