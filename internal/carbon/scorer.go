package carbon

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/carbonsnap/internal/circuitbreaker"
	"github.com/lalithlochan/carbonsnap/internal/metrics"
)

// DefaultFactor applies to any category missing from the table.
const DefaultFactor = 1.0

// factors holds kg CO2 per unit for the known operation categories.
var factors = map[string]float64{
	"electricity":    0.5, // kWh
	"transportation": 2.3, // km
	"heating":        1.8, // m3 gas
	"manufacturing":  3.2, // units produced
}

// Factor returns the emission factor for category. Lookup ignores case.
func Factor(category string) float64 {
	if f, ok := factors[strings.ToLower(category)]; ok {
		return f
	}
	return DefaultFactor
}

// Round rounds the exact binary value of x to 2 decimals. Only values that
// are exactly halfway (0.125) tie, and ties go to even.
func Round(x float64) float64 {
	v, err := strconv.ParseFloat(strconv.FormatFloat(x, 'f', 2, 64), 64)
	if err != nil {
		return x
	}
	return v
}

// LocalScore computes amount × factor(category) from the fixed table.
// amount is not validated.
func LocalScore(category string, amount float64) float64 {
	return Round(amount * Factor(category))
}

// Scorer computes carbon scores. With a Provider configured it asks the
// provider first and falls back to the local table on any failure, so Score
// never fails.
type Scorer struct {
	provider Provider
	breaker  *circuitbreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewScorer creates a scorer. provider and breaker may be nil; without a
// provider only the local table is used.
func NewScorer(provider Provider, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Scorer {
	return &Scorer{
		provider: provider,
		breaker:  breaker,
		logger:   logger,
	}
}

// Score returns the carbon score for amount units of category.
func (s *Scorer) Score(ctx context.Context, category string, amount float64) float64 {
	if s.provider != nil {
		score, err := s.external(ctx, category, amount)
		if err == nil {
			s.logger.Debug("external carbon score",
				zap.String("type", category),
				zap.Float64("amount", amount),
				zap.Float64("score", score),
			)
			return score
		}

		metrics.RecordScorerFallback()
		s.logger.Warn("external carbon scoring failed, falling back to local factors",
			zap.String("type", category),
			zap.Error(err),
		)
	}

	score := LocalScore(category, amount)
	s.logger.Debug("local carbon score",
		zap.String("type", category),
		zap.Float64("factor", Factor(category)),
		zap.Float64("score", score),
	)
	return score
}

func (s *Scorer) external(ctx context.Context, category string, amount float64) (float64, error) {
	var score float64
	call := func(ctx context.Context) error {
		v, err := s.provider.Estimate(ctx, category, amount)
		if err != nil {
			return err
		}
		score = v
		return nil
	}

	var err error
	if s.breaker != nil {
		err = s.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return 0, err
	}
	return Round(score), nil
}
