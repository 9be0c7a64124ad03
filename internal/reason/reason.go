// Package reason abstracts the external reasoning collaborator as a strategy
// interface: one Provider per backend, a strict output-schema check, and an
// ordered fallback chain. A provider that returns malformed output is treated
// exactly like one that failed, and the chain moves on.
package reason

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"hearth/internal/logging"
	"hearth/internal/metric"
	"hearth/internal/param"
	"hearth/internal/store"
)

// ErrSchema marks a proposal that fails the output-schema check.
var ErrSchema = errors.New("reason: proposal violates schema")

// ErrExhausted is returned when every provider in the chain failed.
var ErrExhausted = errors.New("reason: all providers failed")

// Context is the bundle handed to a provider for one proposal.
type Context struct {
	Metrics         *metric.Snapshot         `json:"metrics"`
	State           *param.DeviceState       `json:"state"`
	Definitions     []param.Definition       `json:"definitions"`
	RecentDecisions []*store.DecisionLogEntry `json:"recent_decisions,omitempty"`
}

// Proposal is the structured decision shape every provider must produce.
type Proposal struct {
	Action         string  `json:"action"` // adjust | hold
	Parameter      string  `json:"parameter"`
	CurrentValue   float64 `json:"current_value"`
	SuggestedValue float64 `json:"suggested_value"`
	Reasoning      string  `json:"reasoning"`
	Confidence     float64 `json:"confidence"`
	ExpectedImpact float64 `json:"expected_impact"` // fractional efficiency gain estimate
}

// Decision converts a validated proposal into the shared decision shape.
func (p *Proposal) Decision() param.Decision {
	return param.Decision{
		Action:         param.Action(p.Action),
		Parameter:      p.Parameter,
		CurrentValue:   p.CurrentValue,
		SuggestedValue: p.SuggestedValue,
		Confidence:     p.Confidence,
		Reasoning:      p.Reasoning,
		Origin:         param.OriginReasoning,
	}
}

// Provider is one reasoning backend.
type Provider interface {
	Name() string
	Propose(ctx context.Context, rc Context) (*Proposal, error)
}

// Validate performs the strict schema check on a provider's output. Any
// violation is reported as ErrSchema so the chain treats it as a provider
// failure rather than trusting a half-parsed decision.
func Validate(p *Proposal, catalog *param.Catalog) error {
	if p == nil {
		return fmt.Errorf("%w: nil proposal", ErrSchema)
	}
	switch param.Action(p.Action) {
	case param.ActionAdjust, param.ActionHold:
	default:
		return fmt.Errorf("%w: invalid action %q", ErrSchema, p.Action)
	}
	if p.Confidence < 0 || p.Confidence > 1 || math.IsNaN(p.Confidence) {
		return fmt.Errorf("%w: confidence %.3f out of range [0,1]", ErrSchema, p.Confidence)
	}
	if param.Action(p.Action) == param.ActionHold {
		return nil
	}
	if p.Parameter == "" {
		return fmt.Errorf("%w: adjust proposal missing parameter", ErrSchema)
	}
	def := catalog.Get(p.Parameter)
	if def == nil {
		return fmt.Errorf("%w: unknown parameter %q", ErrSchema, p.Parameter)
	}
	if math.IsNaN(p.SuggestedValue) || math.IsInf(p.SuggestedValue, 0) {
		return fmt.Errorf("%w: suggested value is not finite", ErrSchema)
	}
	if p.Reasoning == "" {
		return fmt.Errorf("%w: adjust proposal missing reasoning", ErrSchema)
	}
	return nil
}

// Chain tries providers in order until one returns a schema-valid proposal.
type Chain struct {
	providers []Provider
	catalog   *param.Catalog
	log       *slog.Logger
}

// NewChain builds a fallback chain over the given providers.
func NewChain(catalog *param.Catalog, providers ...Provider) *Chain {
	return &Chain{providers: providers, catalog: catalog, log: logging.New("reason")}
}

// Providers returns the chain's provider names in order.
func (c *Chain) Providers() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

// Propose walks the chain. Schema violations and transport failures both
// advance to the next provider; the returned name identifies which provider
// produced the accepted proposal.
func (c *Chain) Propose(ctx context.Context, rc Context) (*Proposal, string, error) {
	if len(c.providers) == 0 {
		return nil, "", ErrExhausted
	}
	var lastErr error
	for _, p := range c.providers {
		prop, err := p.Propose(ctx, rc)
		if err == nil {
			err = Validate(prop, c.catalog)
		}
		if err != nil {
			c.log.Warn("reasoning provider failed, falling through",
				slog.String("provider", p.Name()),
				slog.String("error", err.Error()))
			lastErr = fmt.Errorf("%s: %w", p.Name(), err)
			continue
		}
		return prop, p.Name(), nil
	}
	return nil, "", fmt.Errorf("%w: last error: %v", ErrExhausted, lastErr)
}
