// Package facts attaches externally extracted fact statements to the most
// similar concepts in a frozen graph. Embeddings are fetched in a handful of
// large batch calls; all fact-concept comparison happens in one in-memory
// similarity matrix.
package facts

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/omnisure/policygraph/internal/domain"
	"github.com/omnisure/policygraph/internal/kg/graph"
	"github.com/omnisure/policygraph/internal/kg/vecmath"
	"github.com/omnisure/policygraph/internal/observability"
	"github.com/omnisure/policygraph/internal/platform/logger"
)

type Deps struct {
	Log      *logger.Logger
	Embedder graph.Embedder
	Graph    *graph.ConceptGraph
}

type Input struct {
	// FactsByProduct maps product name to raw fact statements.
	FactsByProduct map[string][]string

	TopK           int
	MinSimilarity  float64
	EmbedBatchSize int
}

type Output struct {
	Assignments []domain.FactAssignment
	// LowConfidence lists facts with no concept above MinSimilarity. They are
	// reported, never silently dropped.
	LowConfidence []domain.Fact
	Attached      int
}

func (in *Input) applyDefaults() {
	if in.TopK <= 0 {
		in.TopK = 5
	}
	if in.MinSimilarity <= 0 {
		in.MinSimilarity = 0.3
	}
	if in.EmbedBatchSize <= 0 {
		in.EmbedBatchSize = 256
	}
}

// Run embeds every fact, ranks concepts per fact by cosine similarity, and
// attaches the top-k above threshold. Deterministic for fixed embeddings and
// idempotent by fact key.
func Run(ctx context.Context, deps Deps, in Input) (Output, error) {
	out := Output{}
	if deps.Log == nil || deps.Embedder == nil || deps.Graph == nil {
		return out, fmt.Errorf("facts: missing deps")
	}
	if !deps.Graph.Frozen() {
		return out, fmt.Errorf("facts: graph must be frozen before integration")
	}
	in.applyDefaults()
	log := deps.Log.With("component", "FactIntegrator")
	start := time.Now()

	factList := collectFacts(in.FactsByProduct)
	if len(factList) == 0 {
		return out, nil
	}

	conceptIDs, conceptVecs := deps.Graph.NormalizedEmbeddings()
	if len(conceptIDs) == 0 {
		return out, fmt.Errorf("facts: graph has no concepts")
	}

	// One embedding call per chunk, not per fact.
	factVecs := make([][]float32, 0, len(factList))
	for off := 0; off < len(factList); off += in.EmbedBatchSize {
		end := off + in.EmbedBatchSize
		if end > len(factList) {
			end = len(factList)
		}
		texts := make([]string, 0, end-off)
		for _, f := range factList[off:end] {
			texts = append(texts, f.Text)
		}
		vecs, err := deps.Embedder.Embed(ctx, texts)
		if err != nil {
			return out, fmt.Errorf("facts: embedding batch at %d: %w", off, err)
		}
		if len(vecs) != len(texts) {
			return out, fmt.Errorf("facts: embedding batch returned %d vectors for %d inputs", len(vecs), len(texts))
		}
		factVecs = append(factVecs, vecs...)
	}

	normFacts := make([][]float32, len(factVecs))
	for i, v := range factVecs {
		factList[i].Embedding = v
		normFacts[i] = vecmath.NormalizeL2(v)
	}

	simMatrix := vecmath.SimilarityMatrix(normFacts, conceptVecs)

	for i, fact := range factList {
		matches := topMatches(simMatrix[i], conceptIDs, in.TopK, in.MinSimilarity)
		if len(matches) == 0 {
			out.LowConfidence = append(out.LowConfidence, fact)
			continue
		}
		// Replace any prior attachments for this fact before re-attaching.
		deps.Graph.ClearFactAttachments(fact.Key)
		for _, m := range matches {
			if err := deps.Graph.AttachFact(m.ConceptID, domain.AttachedFact{
				FactKey: fact.Key,
				Text:    fact.Text,
				Product: fact.Product,
			}); err != nil {
				return out, err
			}
		}
		out.Assignments = append(out.Assignments, domain.FactAssignment{Fact: fact, Matches: matches})
		out.Attached++
	}

	log.Info("fact integration complete",
		"facts", len(factList),
		"attached", out.Attached,
		"low_confidence", len(out.LowConfidence),
		"concepts", len(conceptIDs),
		"elapsed", time.Since(start).String(),
	)
	if metrics := observability.Current(); metrics != nil {
		metrics.ObserveStage("fact_integration", time.Since(start))
	}
	return out, nil
}

// collectFacts flattens the per-product map into a deterministic list:
// products sorted, facts in input order, duplicates (by fact key) skipped.
func collectFacts(byProduct map[string][]string) []domain.Fact {
	products := make([]string, 0, len(byProduct))
	for p := range byProduct {
		products = append(products, p)
	}
	sort.Strings(products)

	seen := map[string]bool{}
	out := make([]domain.Fact, 0)
	for _, p := range products {
		for _, text := range byProduct[p] {
			key := domain.FactKey(p, text)
			if text == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, domain.Fact{Key: key, Text: text, Product: p})
		}
	}
	return out
}

// topMatches selects up to k concepts with similarity >= min, ranked by
// similarity with index order breaking ties.
func topMatches(sims []float64, ids []uuid.UUID, k int, min float64) []domain.ConceptMatch {
	matches := make([]domain.ConceptMatch, 0, len(sims))
	for j, s := range sims {
		if s >= min {
			matches = append(matches, domain.ConceptMatch{ConceptID: ids[j], Similarity: s})
		}
	}
	sort.SliceStable(matches, func(a, b int) bool {
		return matches[a].Similarity > matches[b].Similarity
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
