// Package oracle adapts the LLM structured-output API into the related
// concept oracle the expansion engine consumes. Responses are validated
// against an explicit schema; anything malformed fails the unit, never the
// iteration.
package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/omnisure/policygraph/internal/kg/graph"
	"github.com/omnisure/policygraph/internal/pkg/kgerr"
	"github.com/omnisure/policygraph/internal/platform/logger"
	"github.com/omnisure/policygraph/internal/platform/openai"
)

const systemPrompt = `You are an insurance domain expert building a concept map.
Given one insurance concept and the domain context, list closely related
insurance concepts a policyholder would need to understand alongside it.
Return short noun phrases, no explanations, no duplicates of the input.`

type ConceptOracle struct {
	ai  openai.Client
	log *logger.Logger
}

func New(ai openai.Client, log *logger.Logger) *ConceptOracle {
	return &ConceptOracle{ai: ai, log: log.With("component", "ConceptOracle")}
}

func relatedConceptsSchema(max int) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"related_concepts": map[string]any{
				"type":     "array",
				"maxItems": max,
				"items":    map[string]any{"type": "string"},
			},
		},
		"required":             []string{"related_concepts"},
		"additionalProperties": false,
	}
}

// RelatedConcepts asks for up to max candidate concepts related to center.
// The returned list is normalized, de-duplicated, and capped; a payload that
// does not match the schema is a structural unit failure.
func (o *ConceptOracle) RelatedConcepts(ctx context.Context, center, domainContext string, max int) ([]string, error) {
	if max <= 0 {
		max = 10
	}
	user := fmt.Sprintf("Domain context: %s\n\nConcept: %s\n\nList up to %d related concepts.", domainContext, center, max)

	obj, err := o.ai.GenerateJSON(ctx, systemPrompt, user, "related_concepts", relatedConceptsSchema(max))
	if err != nil {
		return nil, kgerr.Transient("oracle query", err)
	}

	raw, ok := obj["related_concepts"]
	if !ok {
		return nil, kgerr.Structural("malformed oracle response", "missing related_concepts for %q", center)
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, kgerr.Structural("malformed oracle response", "related_concepts is %T, want array", raw)
	}

	centerKey := graph.NormalizeText(center)
	seen := map[string]bool{}
	out := make([]string, 0, len(items))
	for _, it := range items {
		s, ok := it.(string)
		if !ok {
			return nil, kgerr.Structural("malformed oracle response", "non-string candidate %v for %q", it, center)
		}
		key := graph.NormalizeText(s)
		if key == "" || key == centerKey || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, strings.TrimSpace(s))
		if len(out) == max {
			break
		}
	}
	return out, nil
}
