// Package atr computes Average True Range values from daily OHLC bars. The
// service walks an ordered list of market-data sources, validates each
// window, applies the smoothing method the Constitution declares, and caches
// results with a short TTL. Fallback values are degraded explicitly: reduced
// confidence, a fallback marker and an audit record, never a silent
// substitution.
package atr

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/warden/internal/audit"
	"github.com/aristath/warden/internal/domain"
)

// Method selects the true-range smoothing applied over the period.
type Method string

const (
	MethodSMA    Method = "sma"
	MethodEMA    Method = "ema"
	MethodWilder Method = "wilder"
)

// Value is a computed ATR result.
type Value struct {
	Symbol       string    `json:"symbol"`
	AsOf         time.Time `json:"as_of"`
	Period       int       `json:"period"`
	Method       Method    `json:"method"`
	Value        float64   `json:"value"`
	ComputedAt   time.Time `json:"computed_at"`
	Source       string    `json:"source"`
	Confidence   float64   `json:"confidence"`
	FallbackUsed bool      `json:"fallback_used"`
	FromCache    bool      `json:"from_cache"`
}

// Request describes one ATR computation.
type Request struct {
	Symbol     string
	Period     int
	Method     Method
	WindowDays int
	AsOf       time.Time

	// AllowFallback opts in to the 1.1x previous-value fallback when every
	// source fails. Without it, failures surface as errors.
	AllowFallback bool
}

const (
	defaultCacheTTL = 5 * time.Minute

	// fallbackMultiplier scales the previous good value when all sources
	// fail and the caller opted in.
	fallbackMultiplier = 1.1
	// fallbackConfidenceCap bounds the confidence of any fallback value.
	fallbackConfidenceCap = 0.4

	// extremeValueFraction rejects ATR values at or above this fraction of
	// the latest close.
	extremeValueFraction = 0.5

	// fullConfidenceSamples is the sample count below which confidence is
	// reduced for a thin window.
	fullConfidenceSamples = 20
)

type cacheEntry struct {
	value    Value
	cachedAt time.Time
}

// Service computes and caches ATR values.
type Service struct {
	sources  []domain.MarketDataClient
	auditLog *audit.Log
	log      zerolog.Logger
	cacheTTL time.Duration
	now      func() time.Time

	mu       sync.Mutex
	cache    map[string]cacheEntry
	lastGood map[string]Value
}

// NewService creates an ATR service over the given ordered sources. The
// first source is primary; later sources are fallbacks with a confidence
// penalty.
func NewService(sources []domain.MarketDataClient, auditLog *audit.Log, log zerolog.Logger) *Service {
	return &Service{
		sources:  sources,
		auditLog: auditLog,
		log:      log.With().Str("service", "atr").Logger(),
		cacheTTL: defaultCacheTTL,
		now:      time.Now,
		cache:    make(map[string]cacheEntry),
		lastGood: make(map[string]Value),
	}
}

// SetCacheTTL overrides the cache TTL (used in tests).
func (s *Service) SetCacheTTL(ttl time.Duration) { s.cacheTTL = ttl }

// SetClock overrides the clock (used in tests).
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Compute returns the ATR for the request, consulting the cache first and
// then the ordered sources.
func (s *Service) Compute(ctx context.Context, req Request) (Value, error) {
	if err := validateRequest(req); err != nil {
		return Value{}, err
	}

	key := cacheKey(req)
	s.mu.Lock()
	if entry, ok := s.cache[key]; ok && s.now().Sub(entry.cachedAt) < s.cacheTTL {
		v := entry.value
		v.FromCache = true
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()

	value, err := s.computeFromSources(ctx, req)
	if err != nil {
		if req.AllowFallback {
			if fb, ok := s.fallbackValue(req, err); ok {
				return fb, nil
			}
		}
		return Value{}, err
	}

	s.mu.Lock()
	s.cache[key] = cacheEntry{value: value, cachedAt: s.now()}
	s.lastGood[seriesKey(req)] = value
	s.mu.Unlock()
	return value, nil
}

// computeFromSources walks the source chain and returns the first valid
// result. The returned error reflects the dominant failure: InvalidData when
// every source returned bars that failed validation, NoData otherwise.
func (s *Service) computeFromSources(ctx context.Context, req Request) (Value, error) {
	var (
		sawInvalid bool
		sawStale   bool
		lastErr    error
	)

	for i, source := range s.sources {
		bars, err := source.HistoricalBars(ctx, req.Symbol, req.AsOf, req.WindowDays)
		if err != nil {
			lastErr = err
			continue
		}

		warnings, err := validateBars(bars)
		if err != nil {
			sawInvalid = true
			lastErr = err
			s.log.Warn().Str("symbol", req.Symbol).Str("source", source.Name()).
				Err(err).Msg("Bar window failed validation, trying next source")
			continue
		}
		if err := checkFreshness(bars, req.AsOf); err != nil {
			sawStale = true
			lastErr = err
			continue
		}
		if len(bars) < req.Period {
			sawInvalid = true
			lastErr = domain.Errorf(domain.ErrInvalidData,
				"window for %s has %d samples, need %d", req.Symbol, len(bars), req.Period)
			continue
		}

		value, err := s.buildValue(req, bars, source, i, warnings)
		if err != nil {
			sawInvalid = true
			lastErr = err
			continue
		}
		return value, nil
	}

	switch {
	case sawStale && !sawInvalid:
		return Value{}, lastErr
	case sawInvalid:
		return Value{}, domain.WrapError(domain.ErrInvalidData, lastErr,
			fmt.Sprintf("all sources yielded invalid data for %s", req.Symbol))
	default:
		return Value{}, domain.WrapError(domain.ErrNoData, lastErr,
			fmt.Sprintf("all sources failed for %s", req.Symbol))
	}
}

func (s *Service) buildValue(req Request, bars []domain.Bar, source domain.MarketDataClient, sourceIndex int, warnings []string) (Value, error) {
	trs := trueRanges(bars)

	var result float64
	switch req.Method {
	case MethodSMA:
		result = smaATR(trs, req.Period)
	case MethodEMA:
		result = emaATR(trs, req.Period)
	case MethodWilder:
		result = wilderATR(trs, req.Period)
		if check := talibWilderATR(bars, req.Period); !math.IsNaN(check) {
			if diff := math.Abs(result-check) / math.Max(check, 1e-9); diff > 0.05 {
				s.log.Warn().Str("symbol", req.Symbol).
					Float64("computed", result).Float64("talib", check).
					Msg("Wilder ATR diverges from TA-Lib cross-check")
			}
		}
	}

	lastClose := bars[len(bars)-1].Close
	if result <= 0 {
		return Value{}, domain.Errorf(domain.ErrInvalidData, "non-positive ATR %.4f for %s", result, req.Symbol)
	}
	if lastClose > 0 && result >= lastClose*extremeValueFraction {
		return Value{}, domain.Errorf(domain.ErrInvalidData,
			"ATR %.2f is extreme relative to price %.2f for %s", result, lastClose, req.Symbol)
	}

	confidence := source.Quality()
	if sourceIndex > 0 {
		confidence -= 0.05
	}
	if len(warnings) > 0 {
		confidence -= 0.10
	}
	if len(trs) < fullConfidenceSamples {
		confidence -= 0.05
	}
	confidence = clamp01(confidence)

	return Value{
		Symbol:     req.Symbol,
		AsOf:       req.AsOf,
		Period:     req.Period,
		Method:     req.Method,
		Value:      result,
		ComputedAt: s.now(),
		Source:     source.Name(),
		Confidence: confidence,
	}, nil
}

// fallbackValue returns a degraded value scaled from the last good result
// for this series. The fallback is audited and never cached.
func (s *Service) fallbackValue(req Request, cause error) (Value, bool) {
	s.mu.Lock()
	prev, ok := s.lastGood[seriesKey(req)]
	s.mu.Unlock()
	if !ok {
		return Value{}, false
	}

	v := Value{
		Symbol:       req.Symbol,
		AsOf:         req.AsOf,
		Period:       req.Period,
		Method:       req.Method,
		Value:        prev.Value * fallbackMultiplier,
		ComputedAt:   s.now(),
		Source:       prev.Source + " (fallback)",
		Confidence:   math.Min(prev.Confidence, fallbackConfidenceCap),
		FallbackUsed: true,
	}

	s.log.Warn().Str("symbol", req.Symbol).Err(cause).
		Float64("value", v.Value).Float64("confidence", v.Confidence).
		Msg("All ATR sources failed, using degraded fallback value")

	if _, err := s.auditLog.Append(audit.Record{
		Kind:       audit.KindMarketEvent,
		Actor:      "atr",
		SubjectIDs: []string{req.Symbol},
		Payload: map[string]interface{}{
			"event":      "atr_fallback",
			"value":      v.Value,
			"confidence": v.Confidence,
			"cause":      cause.Error(),
		},
	}); err != nil {
		s.log.Error().Err(err).Msg("Failed to audit ATR fallback")
	}

	return v, true
}

func validateRequest(req Request) error {
	if req.Symbol == "" {
		return domain.NewError(domain.ErrInvalidData, "symbol is required")
	}
	if req.Period < 2 {
		return domain.Errorf(domain.ErrInvalidData, "ATR period must be >= 2, got %d", req.Period)
	}
	switch req.Method {
	case MethodSMA, MethodEMA, MethodWilder:
	default:
		return domain.Errorf(domain.ErrInvalidData, "unknown ATR method %q", req.Method)
	}
	if req.WindowDays < req.Period {
		return domain.Errorf(domain.ErrInvalidData,
			"window of %d days cannot cover period %d", req.WindowDays, req.Period)
	}
	return nil
}

func cacheKey(req Request) string {
	return fmt.Sprintf("%s|%d|%s|%d|%s", req.Symbol, req.Period, req.Method, req.WindowDays, req.AsOf.Format("2006-01-02"))
}

func seriesKey(req Request) string {
	return fmt.Sprintf("%s|%d|%s", req.Symbol, req.Period, req.Method)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
