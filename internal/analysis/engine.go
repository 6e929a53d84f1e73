// internal/analysis/engine.go
package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/signalnine/ipwatch/internal/enrich"
	"github.com/signalnine/ipwatch/internal/llm"
	"github.com/signalnine/ipwatch/internal/metrics"
	"github.com/signalnine/ipwatch/internal/protocol"
)

// Empty-history result text
const (
	EmptySummary        = "No suspicious activities detected for this IP."
	EmptyFinding        = "Monitoring is active, no adverse events logged."
	EmptyRecommendation = "Continue standard monitoring."
)

// Store is the slice of the target store the engine needs
type Store interface {
	UpsertTarget(ctx context.Context, address string) (*protocol.MonitoredTarget, error)
	SetGeoLocation(ctx context.Context, address string, g protocol.GeoLocation) (bool, error)
	SetRiskResult(ctx context.Context, address string, r *protocol.RiskResult, status protocol.Status) error
}

// Completer produces raw model text for a prompt
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Enricher supplies best-effort context about an address
type Enricher interface {
	GeoLocate(ctx context.Context, address string) (protocol.GeoLocation, error)
	Reputation(ctx context.Context, address string) (enrich.Reputation, error)
	Services(ctx context.Context, address string) (enrich.Services, error)
}

// Publisher announces persisted analysis results
type Publisher interface {
	Publish(ev protocol.RiskEvent) error
}

// Options tunes the engine
type Options struct {
	BlockThreshold int
	Levels         Thresholds
	LLMTimeout     time.Duration
}

// Engine runs one analysis pass per call: LLM first, heuristic scorer on
// any LLM failure. A pass always persists a result.
type Engine struct {
	store     Store
	llm       Completer
	enricher  Enricher
	publisher Publisher
	metrics   *metrics.Metrics
	scorer    *Scorer
	opts      Options
	now       func() time.Time
}

// NewEngine wires an engine. llm, enricher, publisher and m may be nil.
func NewEngine(store Store, completer Completer, enricher Enricher, publisher Publisher, m *metrics.Metrics, opts Options) *Engine {
	if opts.BlockThreshold <= 0 {
		opts.BlockThreshold = DefaultBlockThreshold
	}
	if opts.Levels == (Thresholds{}) {
		opts.Levels = DefaultThresholds()
	}
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = 60 * time.Second
	}
	return &Engine{
		store:     store,
		llm:       completer,
		enricher:  enricher,
		publisher: publisher,
		metrics:   m,
		scorer:    NewScorer(opts.Levels),
		opts:      opts,
		now:       time.Now,
	}
}

// Analyze assesses the current history of address, persists the result and
// derived status, and returns the result. Errors only come from the store.
func (e *Engine) Analyze(ctx context.Context, address string) (*protocol.RiskResult, error) {
	start := e.now()

	target, err := e.store.UpsertTarget(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("load target %s: %w", address, err)
	}

	e.refreshGeo(ctx, target)

	// snapshot taken at the start of the pass
	history := target.ActivityHistory

	var result *protocol.RiskResult
	if len(history) == 0 {
		result = emptyResult()
	} else {
		result, err = e.assessWithLLM(ctx, address, history)
		if err != nil {
			log.Warn().Err(err).Str("address", address).Msg("LLM analysis failed, using heuristic scorer")
			e.metrics.LLMFailure(failureReason(err))
			result = e.assessHeuristic(ctx, address, history)
		}
	}

	result.AnalyzedAt = e.now().UTC()
	status := DeriveStatus(result.RiskScore, e.opts.BlockThreshold)

	if err := e.store.SetRiskResult(ctx, address, result, status); err != nil {
		return nil, fmt.Errorf("store risk result for %s: %w", address, err)
	}

	e.metrics.AnalysisDone(string(result.Source), e.now().Sub(start))
	log.Info().
		Str("address", address).
		Str("level", string(result.RiskLevel)).
		Int("score", result.RiskScore).
		Str("status", string(status)).
		Str("source", string(result.Source)).
		Int("activities", len(history)).
		Msg("risk analysis complete")

	if e.publisher != nil {
		ev := protocol.RiskEvent{Address: address, Status: status, Risk: result}
		if err := e.publisher.Publish(ev); err != nil {
			log.Warn().Err(err).Str("address", address).Msg("publish risk event failed")
		}
	}

	return result, nil
}

func (e *Engine) assessWithLLM(ctx context.Context, address string, history []protocol.DetectedActivity) (*protocol.RiskResult, error) {
	if e.llm == nil {
		return nil, fmt.Errorf("%w: no LLM configured", llm.ErrLLMUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.LLMTimeout)
	defer cancel()

	raw, err := e.llm.Complete(ctx, BuildPrompt(address, history))
	if err != nil {
		return nil, err
	}
	return ParseResponse(raw, e.opts.Levels)
}

func (e *Engine) assessHeuristic(ctx context.Context, address string, history []protocol.DetectedActivity) *protocol.RiskResult {
	sig := SignalsFromActivities(history)

	if e.enricher != nil {
		if rep, err := e.enricher.Reputation(ctx, address); err == nil {
			conf := rep.AbuseConfidence
			sig.AbuseConfidence = &conf
			sig.TotalReports = rep.TotalReports
		} else {
			log.Debug().Err(err).Str("address", address).Msg("reputation lookup skipped")
			e.metrics.EnrichmentFailure("abuseipdb")
		}
		if svc, err := e.enricher.Services(ctx, address); err == nil {
			sig.OpenPorts = svc.Ports
		} else {
			log.Debug().Err(err).Str("address", address).Msg("services lookup skipped")
			e.metrics.EnrichmentFailure("shodan")
		}
	}

	return e.scorer.Score(sig)
}

// refreshGeo resolves geolocation when none is stored or the stored value is
// the Unknown placeholder. Failures are absorbed.
func (e *Engine) refreshGeo(ctx context.Context, target *protocol.MonitoredTarget) {
	if !NeedsGeo(target.GeoLocation) || e.enricher == nil {
		return
	}

	g, err := e.enricher.GeoLocate(ctx, target.Address)
	if err != nil {
		log.Warn().Err(err).Str("address", target.Address).Msg("geolocation failed")
		e.metrics.EnrichmentFailure("geoip")
		if !target.GeoLocation.IsEmpty() {
			return
		}
		g = protocol.UnknownGeoLocation()
	}

	if _, err := e.store.SetGeoLocation(ctx, target.Address, g); err != nil {
		log.Warn().Err(err).Str("address", target.Address).Msg("store geolocation failed")
		return
	}
	target.GeoLocation = &g
}

// NeedsGeo reports whether a lookup should be attempted for g
func NeedsGeo(g *protocol.GeoLocation) bool {
	return g.IsEmpty() || g.Country == "" || g.Country == protocol.UnknownPlaceholder
}

func emptyResult() *protocol.RiskResult {
	return &protocol.RiskResult{
		RiskLevel:       protocol.RiskLow,
		RiskScore:       0,
		Summary:         EmptySummary,
		Findings:        []string{EmptyFinding},
		Recommendations: []string{EmptyRecommendation},
		Source:          protocol.SourceEmpty,
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case llm.IsUnavailable(err):
		return "unavailable"
	case errors.Is(err, ErrInvalidResponse):
		return "invalid_response"
	default:
		return "error"
	}
}
