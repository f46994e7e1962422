// Package connectivity watches whether the origin is reachable and signals
// the deferred queue sync when it comes back.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/always-cache/always-offline/control"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	DefaultSchedule = "@every 30s"
	DefaultTimeout  = 5 * time.Second
)

// Syncer receives deferred-sync signals.
type Syncer interface {
	Sync(tag string) bool
}

type Config struct {
	// URL to send the HEAD request to.
	URL string
	// Cron spec, e.g. "@every 30s" or "*/1 * * * *".
	Schedule string
	Timeout  time.Duration
	Network  http.RoundTripper
	Syncer   Syncer
	Logger   zerolog.Logger
}

// Probe periodically checks the origin. Any HTTP response means reachable.
type Probe struct {
	url     string
	timeout time.Duration
	network http.RoundTripper
	syncer  Syncer
	cron    *cron.Cron
	log     zerolog.Logger

	mutex     sync.Mutex
	reachable bool
}

func New(config Config) (*Probe, error) {
	schedule := config.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	network := config.Network
	if network == nil {
		network = http.DefaultTransport
	}
	p := &Probe{
		url:     config.URL,
		timeout: timeout,
		network: network,
		syncer:  config.Syncer,
		log:     config.Logger.With().Str("component", "connectivity").Logger(),
		// assume online at start, so that only a real outage leads to a sync
		reachable: true,
	}
	cronLog := cronLogger{log: p.log}
	p.cron = cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))
	if _, err := p.cron.AddFunc(schedule, func() { p.Check(context.Background()) }); err != nil {
		return nil, errors.Wrapf(err, "invalid probe schedule %q", schedule)
	}
	return p, nil
}

func (p *Probe) Start() {
	p.log.Debug().Str("url", p.url).Msg("Starting connectivity probe")
	p.cron.Start()
}

// Stop stops the schedule and waits for a running check to finish.
func (p *Probe) Stop() {
	<-p.cron.Stop().Done()
}

// Reachable returns the result of the last check.
func (p *Probe) Reachable() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.reachable
}

// Check probes the origin once. When the origin became reachable again since
// the previous check, the queue sync signal is delivered.
func (p *Probe) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	reachable := false
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err == nil {
		var res *http.Response
		if res, err = p.network.RoundTrip(req); err == nil {
			res.Body.Close()
			reachable = true
		}
	}

	p.mutex.Lock()
	recovered := reachable && !p.reachable
	changed := reachable != p.reachable
	p.reachable = reachable
	p.mutex.Unlock()

	if changed {
		p.log.Info().Bool("reachable", reachable).Err(err).Msg("Origin reachability changed")
	}
	if recovered && p.syncer != nil {
		p.syncer.Sync(control.SyncTag)
	}
	return reachable
}

// cronLogger routes the scheduler's own logging to zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Trace().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
