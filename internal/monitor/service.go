// internal/monitor/service.go
package monitor

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/signalnine/ipwatch/internal/analysis"
	"github.com/signalnine/ipwatch/internal/classifier"
	"github.com/signalnine/ipwatch/internal/metrics"
	"github.com/signalnine/ipwatch/internal/protocol"
	"github.com/signalnine/ipwatch/internal/scheduler"
)

// Skip reasons reported by Ingest
const (
	SkipMalformed    = "malformed"
	SkipQueueFull    = "queue_full"
	SkipShuttingDown = "shutting_down"
)

// Store is the slice of the target store the service needs
type Store interface {
	UpsertTarget(ctx context.Context, address string) (*protocol.MonitoredTarget, error)
	AppendActivity(ctx context.Context, address string, a protocol.DetectedActivity) error
	SetGeoLocation(ctx context.Context, address string, g protocol.GeoLocation) (bool, error)
	SetMonitoring(ctx context.Context, address string, enabled bool) error
	GetTarget(ctx context.Context, address string) (*protocol.MonitoredTarget, error)
	ListMonitored(ctx context.Context) ([]protocol.MonitoredTarget, error)
}

// Analyzer runs one risk analysis pass for an address
type Analyzer interface {
	Analyze(ctx context.Context, address string) (*protocol.RiskResult, error)
}

// GeoLocator resolves geolocation for newly monitored addresses
type GeoLocator interface {
	GeoLocate(ctx context.Context, address string) (protocol.GeoLocation, error)
}

// Options tunes the service
type Options struct {
	Debounce        time.Duration
	AnalysisTimeout time.Duration
	QueueSize       int
}

// IngestResult summarizes one Ingest call
type IngestResult struct {
	Accepted int `json:"accepted"`
	Skipped  int `json:"skipped"`
}

// Service is the ingestion pipeline (classify, append, debounce, analyze)
// plus the synchronous monitoring operations. A single worker drains the
// ingestion queue so appends for an address keep arrival order.
type Service struct {
	store     Store
	analyzer  Analyzer
	geo       GeoLocator
	metrics   *metrics.Metrics
	debouncer *scheduler.Debouncer
	queue     chan protocol.LogEntry
	opts      Options
	// mu orders the closing flag against queue sends
	mu        sync.RWMutex
	closing   bool
	done      chan struct{}
	now       func() time.Time
}

// New creates a service. geo and m may be nil.
func New(store Store, analyzer Analyzer, geo GeoLocator, m *metrics.Metrics, opts Options) *Service {
	if opts.Debounce <= 0 {
		opts.Debounce = 10 * time.Second
	}
	if opts.AnalysisTimeout <= 0 {
		opts.AnalysisTimeout = 90 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}

	d := scheduler.New()
	d.OnChange = m.SetPending

	return &Service{
		store:     store,
		analyzer:  analyzer,
		geo:       geo,
		metrics:   m,
		debouncer: d,
		queue:     make(chan protocol.LogEntry, opts.QueueSize),
		opts:      opts,
		done:      make(chan struct{}),
		now:       time.Now,
	}
}

// Ingest validates entries and queues the well-formed ones for the worker.
// Malformed entries are logged and skipped; the batch never fails as a whole.
func (s *Service) Ingest(entries []protocol.LogEntry) IngestResult {
	var res IngestResult
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range entries {
		if s.closing {
			s.skip(&res, SkipShuttingDown, e)
			continue
		}

		normalized, err := Normalize(e)
		if err != nil {
			log.Warn().Err(err).Str("address", e.MonitoredIP).Msg("skipping malformed log entry")
			s.skip(&res, SkipMalformed, e)
			continue
		}

		select {
		case s.queue <- normalized:
			res.Accepted++
		default:
			s.skip(&res, SkipQueueFull, e)
		}
	}
	s.metrics.SetQueueDepth(len(s.queue))
	return res
}

// DiscardMalformed records n entries that could not be decoded at all
func (s *Service) DiscardMalformed(n int) {
	for i := 0; i < n; i++ {
		s.metrics.EntrySkipped(SkipMalformed)
	}
}

func (s *Service) markClosing() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
}

func (s *Service) skip(res *IngestResult, reason string, e protocol.LogEntry) {
	res.Skipped++
	s.metrics.EntrySkipped(reason)
	if reason != SkipMalformed {
		log.Warn().Str("address", e.MonitoredIP).Str("reason", reason).Msg("log entry dropped")
	}
}

// Normalize checks required fields and canonicalizes addresses
func Normalize(e protocol.LogEntry) (protocol.LogEntry, error) {
	if strings.TrimSpace(e.LogLine) == "" {
		return e, fmt.Errorf("logLine is required")
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(e.MonitoredIP))
	if err != nil {
		return e, fmt.Errorf("monitoredIP %q is not an IP address", e.MonitoredIP)
	}
	e.MonitoredIP = addr.String()

	if src := strings.TrimSpace(e.SourceIP); src != "" {
		srcAddr, err := netip.ParseAddr(src)
		if err != nil {
			return e, fmt.Errorf("sourceIP %q is not an IP address", e.SourceIP)
		}
		e.SourceIP = srcAddr.String()
	}
	return e, nil
}

// Run processes queued entries until ctx is cancelled, then drains what is
// already queued and returns.
func (s *Service) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.markClosing()
			s.drain()
			return
		case e := <-s.queue:
			s.process(context.Background(), e)
		}
	}
}

func (s *Service) drain() {
	for {
		select {
		case e := <-s.queue:
			s.process(context.Background(), e)
		default:
			s.metrics.SetQueueDepth(0)
			return
		}
	}
}

// process stores one entry and arms the debounced analysis. Failures are
// logged only; nothing on this path reaches an HTTP client.
func (s *Service) process(ctx context.Context, e protocol.LogEntry) {
	s.metrics.SetQueueDepth(len(s.queue))

	typ := classifier.Resolve(e.Type, e.LogLine)
	address := e.MonitoredIP

	target, err := s.store.UpsertTarget(ctx, address)
	if err != nil {
		log.Error().Err(err).Str("address", address).Msg("upsert target failed")
		return
	}

	activity := protocol.NewActivity(s.now().UTC(), typ, e.SourceIP, e.LogLine)
	if err := s.store.AppendActivity(ctx, address, activity); err != nil {
		log.Error().Err(err).Str("address", address).Msg("append activity failed")
		return
	}
	s.metrics.EntryStored(string(typ))

	log.Debug().
		Str("address", address).
		Str("source_ip", e.SourceIP).
		Str("type", string(typ)).
		Msg("activity recorded")

	if !target.MonitoringEnabled {
		return
	}
	s.scheduleAnalysis(address)
}

func (s *Service) scheduleAnalysis(address string) {
	s.debouncer.Arm(address, s.opts.Debounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.AnalysisTimeout)
		defer cancel()
		if _, err := s.analyzer.Analyze(ctx, address); err != nil {
			log.Error().Err(err).Str("address", address).Msg("scheduled analysis failed")
		}
	})
}

// Investigate runs an analysis pass now and returns the updated target
func (s *Service) Investigate(ctx context.Context, address string) (*protocol.MonitoredTarget, error) {
	if _, err := s.analyzer.Analyze(ctx, address); err != nil {
		return nil, err
	}
	return s.store.GetTarget(ctx, address)
}

// StartMonitoring creates the target if needed and enables monitoring
func (s *Service) StartMonitoring(ctx context.Context, address string) (*protocol.MonitoredTarget, error) {
	target, err := s.store.UpsertTarget(ctx, address)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetMonitoring(ctx, address, true); err != nil {
		return nil, err
	}

	if s.geo != nil && analysis.NeedsGeo(target.GeoLocation) {
		g, err := s.geo.GeoLocate(ctx, address)
		if err != nil {
			log.Warn().Err(err).Str("address", address).Msg("geolocation failed")
			s.metrics.EnrichmentFailure("geoip")
			g = protocol.UnknownGeoLocation()
		}
		if _, err := s.store.SetGeoLocation(ctx, address, g); err != nil {
			log.Warn().Err(err).Str("address", address).Msg("store geolocation failed")
		}
	}

	log.Info().Str("address", address).Msg("monitoring started")
	return s.store.GetTarget(ctx, address)
}

// StopMonitoring disables monitoring and drops any pending analysis.
// Returns store.ErrNotFound for an unknown address.
func (s *Service) StopMonitoring(ctx context.Context, address string) (*protocol.MonitoredTarget, error) {
	if err := s.store.SetMonitoring(ctx, address, false); err != nil {
		return nil, err
	}
	s.debouncer.Cancel(address)
	log.Info().Str("address", address).Msg("monitoring stopped")
	return s.store.GetTarget(ctx, address)
}

// ListMonitored returns every target with monitoring enabled
func (s *Service) ListMonitored(ctx context.Context) ([]protocol.MonitoredTarget, error) {
	targets, err := s.store.ListMonitored(ctx)
	if err != nil {
		return nil, err
	}
	if targets == nil {
		targets = []protocol.MonitoredTarget{}
	}
	return targets, nil
}

// GetTarget returns one target
func (s *Service) GetTarget(ctx context.Context, address string) (*protocol.MonitoredTarget, error) {
	return s.store.GetTarget(ctx, address)
}

// PendingAnalyses reports how many addresses have an armed or running analysis
func (s *Service) PendingAnalyses() int {
	return s.debouncer.Pending()
}

// Shutdown is called after the Run context is cancelled. It waits for Run to
// drain the queue, cancels pending analyses and waits for running ones,
// bounded by ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.markClosing()

	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	cancelled := s.debouncer.CancelAll()
	if cancelled > 0 {
		log.Info().Int("cancelled", cancelled).Msg("pending analyses cancelled")
	}

	waited := make(chan struct{})
	go func() {
		s.debouncer.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
