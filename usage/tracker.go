// Package usage records token and cost consumption per request and
// enforces per-request, hourly, daily, and lifetime quotas.
package usage

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relay-llm/relay/llm"
)

// Limits are the quota ceilings. A zero value means unlimited.
type Limits struct {
	MaxTokensPerRequest int
	MaxCostPerHour      float64
	MaxCostPerDay       float64
	MaxTotalCost        float64
}

// Record is one usage event, appended per completed or attempted request.
type Record struct {
	Provider         llm.Provider
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             float64
	Success          bool
	Timestamp        time.Time
}

// Stats aggregates usage over an optional provider/model filter.
type Stats struct {
	Requests    int
	Errors      int
	TotalTokens int
	TotalCost   float64
}

// Tracker owns the usage history and both sliding quota windows. All
// methods are safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	records   []Record
	hourly    []Record
	daily     []Record
	totalCost float64
	limits    Limits
	pricing   Pricing
	logger    zerolog.Logger
	now       func() time.Time
}

// NewTracker creates a Tracker with the given limits and pricing table.
func NewTracker(limits Limits, pricing Pricing, logger zerolog.Logger) *Tracker {
	if pricing == nil {
		pricing = DefaultPricing()
	}
	return &Tracker{
		limits:  limits,
		pricing: pricing,
		logger:  logger.With().Str("component", "usage_tracker").Logger(),
		now:     time.Now,
	}
}

// Record stores one usage event and returns the estimated cost. The quota
// check runs after the record is stored: a violating request is both
// recorded and rejected with a QuotaExceeded error, so the overage is
// auditable rather than silently truncated.
func (t *Tracker) Record(provider llm.Provider, model string, usage llm.Usage, success bool) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := usage.Total()
	cost := usage.EstimatedCost
	if cost == 0 {
		cost = t.pricing.EstimateCost(provider, model, usage.PromptTokens, usage.CompletionTokens)
	}

	record := Record{
		Provider:         provider,
		Model:            model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      total,
		Cost:             cost,
		Success:          success,
		Timestamp:        t.now(),
	}

	t.records = append(t.records, record)
	t.totalCost += cost
	t.hourly = pushWindow(t.hourly, record, t.now(), time.Hour)
	t.daily = pushWindow(t.daily, record, t.now(), 24*time.Hour)

	t.logger.Debug().
		Str("provider", string(provider)).
		Str("model", model).
		Int("tokens", total).
		Float64("cost", cost).
		Bool("success", success).
		Msg("Usage recorded")

	if t.limits.MaxTokensPerRequest > 0 && total > t.limits.MaxTokensPerRequest {
		return cost, llm.NewQuotaExceeded(fmt.Sprintf(
			"request used %d tokens, limit is %d", total, t.limits.MaxTokensPerRequest))
	}
	if t.limits.MaxTotalCost > 0 && t.totalCost > t.limits.MaxTotalCost {
		return cost, llm.NewQuotaExceeded(fmt.Sprintf(
			"total cost $%.4f exceeds lifetime cap $%.2f", t.totalCost, t.limits.MaxTotalCost))
	}
	return cost, nil
}

// CheckRequestBudget is a pre-flight check for obviously oversized
// requests. It never mutates tracker state.
func (t *Tracker) CheckRequestBudget(estimatedTokens int, estimatedCost float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.limits.MaxTokensPerRequest > 0 && estimatedTokens > t.limits.MaxTokensPerRequest {
		return llm.NewQuotaExceeded(fmt.Sprintf(
			"estimated %d tokens exceeds per-request limit %d", estimatedTokens, t.limits.MaxTokensPerRequest))
	}
	if t.limits.MaxTotalCost > 0 && t.totalCost+estimatedCost > t.limits.MaxTotalCost {
		return llm.NewQuotaExceeded(fmt.Sprintf(
			"estimated cost $%.4f would exceed lifetime cap $%.2f", estimatedCost, t.limits.MaxTotalCost))
	}
	return nil
}

// CheckQuotas compares the hourly and daily windowed cost sums against the
// configured caps. It never mutates tracker state.
func (t *Tracker) CheckQuotas() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.limits.MaxCostPerHour > 0 {
		if sum := windowCost(t.hourly, now, time.Hour); sum >= t.limits.MaxCostPerHour {
			return llm.NewQuotaExceeded(fmt.Sprintf(
				"hourly cost $%.4f reached cap $%.2f", sum, t.limits.MaxCostPerHour))
		}
	}
	if t.limits.MaxCostPerDay > 0 {
		if sum := windowCost(t.daily, now, 24*time.Hour); sum >= t.limits.MaxCostPerDay {
			return llm.NewQuotaExceeded(fmt.Sprintf(
				"daily cost $%.4f reached cap $%.2f", sum, t.limits.MaxCostPerDay))
		}
	}
	return nil
}

// Stats aggregates requests, errors, tokens, and cost. Empty filter values
// match everything.
func (t *Tracker) Stats(provider llm.Provider, model string) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stats Stats
	for _, r := range t.records {
		if provider != "" && r.Provider != provider {
			continue
		}
		if model != "" && r.Model != model {
			continue
		}
		stats.Requests++
		if !r.Success {
			stats.Errors++
		}
		stats.TotalTokens += r.TotalTokens
		stats.TotalCost += r.Cost
	}
	return stats
}

// TotalCost returns the running lifetime cost.
func (t *Tracker) TotalCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalCost
}

// pushWindow appends a record to a sliding window, discarding entries older
// than span.
func pushWindow(window []Record, record Record, now time.Time, span time.Duration) []Record {
	cutoff := now.Add(-span)
	kept := window[:0]
	for _, r := range window {
		if r.Timestamp.After(cutoff) {
			kept = append(kept, r)
		}
	}
	return append(kept, record)
}

// windowCost sums the cost of records still inside the window span.
func windowCost(window []Record, now time.Time, span time.Duration) float64 {
	cutoff := now.Add(-span)
	var sum float64
	for _, r := range window {
		if r.Timestamp.After(cutoff) {
			sum += r.Cost
		}
	}
	return sum
}
