package generation

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/always-cache/always-offline/cache"
	"github.com/always-cache/always-offline/metrics"
	cachekey "github.com/always-cache/always-offline/pkg/cache-key"
	serializer "github.com/always-cache/always-offline/pkg/response-serializer"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const DefaultInstallConcurrency = 4

// ProvisionError describes a shell resource that could not be stored.
// Status is set when the origin answered with an unusable status,
// Err when the fetch or the write failed.
type ProvisionError struct {
	Path   string
	Status int
	Err    error
}

func (e ProvisionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provision %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("provision %s: status %d", e.Path, e.Status)
}

func (e ProvisionError) Unwrap() error {
	return e.Err
}

// Report lists the outcome of an install.
type Report struct {
	Stored []string
	Failed []ProvisionError
}

type Provisioner struct {
	storage     cache.Storage
	names       Names
	keyer       cachekey.Keyer
	network     http.RoundTripper
	concurrency int
	log         zerolog.Logger
	metrics     *metrics.Collector
}

type ProvisionerConfig struct {
	Storage cache.Storage
	Names   Names
	Keyer   cachekey.Keyer
	// Network fetches the shell resources. Redirects must not be followed.
	Network http.RoundTripper
	// Maximum number of resources fetched in parallel.
	Concurrency int
	Logger      zerolog.Logger
	Metrics     *metrics.Collector
}

func NewProvisioner(config ProvisionerConfig) *Provisioner {
	concurrency := config.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultInstallConcurrency
	}
	return &Provisioner{
		storage:     config.Storage,
		names:       config.Names,
		keyer:       config.Keyer,
		network:     config.Network,
		concurrency: concurrency,
		log:         config.Logger.With().Str("component", "provisioner").Logger(),
		metrics:     config.Metrics,
	}
}

// Install fetches every manifest path and stores the successful responses in the static store.
// Each path is independent: failures are reported and logged but never abort the others,
// and nothing is retried. Only failing to open the static store is an error.
func (p *Provisioner) Install(ctx context.Context, manifest []string) (Report, error) {
	report := Report{}
	static, err := p.storage.Open(p.names.Static())
	if err != nil {
		return report, errors.Wrapf(err, "open static store %s", p.names.Static())
	}

	mutex := sync.Mutex{}
	g := errgroup.Group{}
	g.SetLimit(p.concurrency)
	for _, path := range dedupe(manifest) {
		path := path
		g.Go(func() error {
			perr := p.provision(ctx, static, path)
			mutex.Lock()
			defer mutex.Unlock()
			if perr != nil {
				p.log.Warn().Err(perr).Str("path", path).Msg("Could not provision shell resource")
				report.Failed = append(report.Failed, *perr)
			} else {
				p.log.Trace().Str("path", path).Msg("Provisioned shell resource")
				report.Stored = append(report.Stored, path)
			}
			return nil
		})
	}
	g.Wait()

	sort.Strings(report.Stored)
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].Path < report.Failed[j].Path })
	p.metrics.Provisioned(len(report.Stored), len(report.Failed))
	p.log.Info().
		Str("store", static.Name()).
		Int("stored", len(report.Stored)).
		Int("failed", len(report.Failed)).
		Msg("Installed app shell")
	return report, nil
}

func (p *Provisioner) provision(ctx context.Context, static cache.Store, path string) *ProvisionError {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.keyer.Origin+path, nil)
	if err != nil {
		return &ProvisionError{Path: path, Err: err}
	}
	res, err := p.network.RoundTrip(req)
	if err != nil {
		return &ProvisionError{Path: path, Err: err}
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 || res.StatusCode == http.StatusPartialContent {
		return &ProvisionError{Path: path, Status: res.StatusCode}
	}
	bts, err := serializer.Duplicate(res)
	if err != nil {
		return &ProvisionError{Path: path, Status: res.StatusCode, Err: err}
	}
	if err := static.Put(p.keyer.Key(req), bts); err != nil {
		p.metrics.StorageError("put")
		return &ProvisionError{Path: path, Status: res.StatusCode, Err: err}
	}
	return nil
}

func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, path := range paths {
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		out = append(out, path)
	}
	return out
}
