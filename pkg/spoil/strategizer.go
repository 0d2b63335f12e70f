// Package spoil decides what happens to a previously good reference that
// comes back in a bad state.
package spoil

import (
	"fmt"
	"strings"

	"github.com/Sriram-PR/crawlcore/pkg/models"
	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

// Strategy is the action taken on a spoiled reference.
type Strategy string

const (
	// Ignore keeps the reference in committers.
	Ignore Strategy = "IGNORE"
	// Delete removes the reference from committers.
	Delete Strategy = "DELETE"
	// GraceOnce tolerates one bad attempt and deletes on the second in a row.
	GraceOnce Strategy = "GRACE_ONCE"
)

// ParseStrategy accepts the canonical names case-insensitively, with dashes
// or underscores.
func ParseStrategy(v string) (Strategy, error) {
	s := Strategy(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(v), "-", "_")))
	switch s {
	case Ignore, Delete, GraceOnce:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown spoiled reference strategy '%s'", utils.ErrConfigValidation, v)
}

// Strategizer maps a reference and its bad state to a Strategy.
type Strategizer interface {
	Resolve(reference string, state models.CrawlState) Strategy
}

// GenericStrategizer resolves by state with a fallback.
type GenericStrategizer struct {
	mappings map[models.CrawlState]Strategy
	fallback Strategy
}

// NewGenericStrategizer returns a strategizer with the default mappings:
// NOT_FOUND deletes, BAD_STATUS and ERROR get one grace, everything else deletes.
func NewGenericStrategizer() *GenericStrategizer {
	return &GenericStrategizer{
		mappings: map[models.CrawlState]Strategy{
			models.StateNotFound:  Delete,
			models.StateBadStatus: GraceOnce,
			models.StateError:     GraceOnce,
		},
		fallback: Delete,
	}
}

// FromConfig builds a strategizer from textual state/strategy pairs layered
// over the defaults. An empty fallback keeps DELETE.
func FromConfig(fallback string, mappings map[string]string) (*GenericStrategizer, error) {
	g := NewGenericStrategizer()
	if fallback != "" {
		s, err := ParseStrategy(fallback)
		if err != nil {
			return nil, err
		}
		g.fallback = s
	}
	for stateName, strategyName := range mappings {
		state := models.CrawlState(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(stateName), "-", "_")))
		if !state.IsValid() {
			return nil, fmt.Errorf("%w: unknown crawl state '%s' in spoiled reference mappings", utils.ErrConfigValidation, stateName)
		}
		s, err := ParseStrategy(strategyName)
		if err != nil {
			return nil, err
		}
		g.mappings[state] = s
	}
	return g, nil
}

// SetMapping overrides the strategy for state.
func (g *GenericStrategizer) SetMapping(state models.CrawlState, s Strategy) { g.mappings[state] = s }

// SetFallback overrides the strategy used for unmapped states.
func (g *GenericStrategizer) SetFallback(s Strategy) { g.fallback = s }

// Resolve implements Strategizer.
func (g *GenericStrategizer) Resolve(_ string, state models.CrawlState) Strategy {
	if s, ok := g.mappings[state]; ok {
		return s
	}
	return g.fallback
}
