// Package graph owns the concept graph: canonical nodes, undirected
// adjacency, and the embedding index that backs identity resolution. All
// writes funnel through a single consolidation entry point; once the graph is
// frozen it is read-only for topology.
package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/omnisure/policygraph/internal/domain"
	"github.com/omnisure/policygraph/internal/kg/vecmath"
	"github.com/omnisure/policygraph/internal/pkg/kgerr"
	"github.com/omnisure/policygraph/internal/platform/logger"
)

// Embedder is the slice of the OpenAI client the graph needs.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// Cache is an optional second-level embedding cache (Redis in production),
// keyed by normalized text. Misses are free; errors are treated as misses by
// the implementation.
type Cache interface {
	Get(ctx context.Context, normalizedText string) ([]float32, bool)
	Set(ctx context.Context, normalizedText string, vec []float32)
}

type Options struct {
	// DedupThreshold is the cosine similarity at or above which a candidate
	// collapses into an existing node.
	DedupThreshold float64
}

// ExpansionResult is one oracle answer: the frontier concept it was asked
// about and the candidate texts it proposed.
type ExpansionResult struct {
	CenterID   uuid.UUID
	Candidates []string
}

type ConceptGraph struct {
	log      *logger.Logger
	embedder Embedder
	cache    Cache
	opts     Options

	nodes     map[uuid.UUID]*domain.Concept
	order     []uuid.UUID
	adjacency map[uuid.UUID]map[uuid.UUID]struct{}
	edgeCount int

	// byKey resolves exact normalized text without an embedding call.
	byKey map[string]uuid.UUID

	// Embedding index: ids and L2-normalized vectors in parallel, scanned as
	// one vectorized pass per candidate.
	indexIDs  []uuid.UUID
	indexVecs [][]float32

	// embedMemo caches raw vectors per normalized text for the lifetime of
	// the run; the Redis cache persists them across runs.
	embedMemo map[string][]float32

	frozen bool
}

func New(embedder Embedder, cache Cache, log *logger.Logger, opts Options) *ConceptGraph {
	if opts.DedupThreshold <= 0 {
		opts.DedupThreshold = 0.8
	}
	return &ConceptGraph{
		log:       log.With("component", "ConceptGraph"),
		embedder:  embedder,
		cache:     cache,
		opts:      opts,
		nodes:     map[uuid.UUID]*domain.Concept{},
		adjacency: map[uuid.UUID]map[uuid.UUID]struct{}{},
		byKey:     map[string]uuid.UUID{},
		embedMemo: map[string][]float32{},
	}
}

// NormalizeText is the canonicalization applied before any identity check:
// trim, case-fold, collapse inner whitespace.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

// conceptNamespace is the fixed UUIDv5 namespace for concept ids.
var conceptNamespace = uuid.MustParse("8c9d7a52-1b63-4f0e-9a2d-4c5e6f7a8b90")

// conceptID derives the node id from the normalized canonical text. Stable
// ids are what make re-running the pipeline upsert into the target store
// instead of duplicating every concept.
func conceptID(normalized string) uuid.UUID {
	return uuid.NewSHA1(conceptNamespace, []byte(normalized))
}

// Seed inserts the seed concepts and returns their canonical ids in order.
// Seeds are the roots of the whole run, so a failed seed embedding is fatal
// rather than fail-soft.
func (g *ConceptGraph) Seed(ctx context.Context, texts []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(texts))
	for _, t := range texts {
		_, id, _, err := g.AddConcept(ctx, t, uuid.Nil)
		if err != nil {
			return nil, fmt.Errorf("seed %q: %w", t, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// AddConcept resolves candidateText to a canonical node, allocating one if no
// existing node is similar enough, and records an edge back to sourceID when
// sourceID is a real node. Returns whether the candidate merged into an
// existing node, the canonical id, and the similarity that decided it.
func (g *ConceptGraph) AddConcept(ctx context.Context, candidateText string, sourceID uuid.UUID) (bool, uuid.UUID, float64, error) {
	if g.frozen {
		return false, uuid.Nil, 0, kgerr.Structural("frozen graph mutation", "add_concept(%q) after freeze", candidateText)
	}
	key := NormalizeText(candidateText)
	if key == "" {
		return false, uuid.Nil, 0, fmt.Errorf("empty concept text")
	}

	// Cheap path: exact canonical match, no embedding call.
	if id, ok := g.byKey[key]; ok {
		g.addEdge(sourceID, id)
		return true, id, 1.0, nil
	}

	vec, err := g.embeddingFor(ctx, key)
	if err != nil {
		return false, uuid.Nil, 0, err
	}
	unit := vecmath.NormalizeL2(vec)

	sims := make([]float64, len(g.indexVecs))
	for i, iv := range g.indexVecs {
		sims[i] = vecmath.DotUnit(unit, iv)
	}
	bestIdx, bestSim := vecmath.ArgMax(sims)

	if bestIdx >= 0 && bestSim >= g.opts.DedupThreshold {
		matched := g.indexIDs[bestIdx]
		g.addEdge(sourceID, matched)
		return true, matched, bestSim, nil
	}

	id := conceptID(key)
	g.nodes[id] = &domain.Concept{ID: id, CanonicalText: key, Embedding: vec}
	g.order = append(g.order, id)
	g.adjacency[id] = map[uuid.UUID]struct{}{}
	g.byKey[key] = id
	g.indexIDs = append(g.indexIDs, id)
	g.indexVecs = append(g.indexVecs, unit)
	g.addEdge(sourceID, id)
	return false, id, bestSim, nil
}

func (g *ConceptGraph) embeddingFor(ctx context.Context, normalized string) ([]float32, error) {
	if vec, ok := g.embedMemo[normalized]; ok {
		return vec, nil
	}
	if g.cache != nil {
		if vec, ok := g.cache.Get(ctx, normalized); ok {
			g.embedMemo[normalized] = vec
			return vec, nil
		}
	}
	vecs, err := g.embedder.Embed(ctx, []string{normalized})
	if err != nil {
		return nil, kgerr.Transient("embed concept", err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, kgerr.Structural("malformed embedding response", "got %d vectors for one input", len(vecs))
	}
	if len(g.indexVecs) > 0 && len(vecs[0]) != len(g.indexVecs[0]) {
		return nil, kgerr.Structural("embedding dimension mismatch", "got %d, index has %d", len(vecs[0]), len(g.indexVecs[0]))
	}
	g.embedMemo[normalized] = vecs[0]
	if g.cache != nil {
		g.cache.Set(ctx, normalized, vecs[0])
	}
	return vecs[0], nil
}

// addEdge records the undirected edge a—b, rejecting self-loops and
// duplicates. A Nil endpoint (seed insertion) is a no-op.
func (g *ConceptGraph) addEdge(a, b uuid.UUID) bool {
	if a == uuid.Nil || b == uuid.Nil || a == b {
		return false
	}
	if _, ok := g.nodes[a]; !ok {
		return false
	}
	if _, ok := g.nodes[b]; !ok {
		return false
	}
	if _, ok := g.adjacency[a][b]; ok {
		return false
	}
	g.adjacency[a][b] = struct{}{}
	g.adjacency[b][a] = struct{}{}
	g.edgeCount++
	return true
}

// ApplyBatch is the single mutation entry point used by the expansion
// engine: one consolidation pass per iteration, applied after every frontier
// call has returned or timed out. A failing candidate is dropped and logged,
// never fatal for the batch.
func (g *ConceptGraph) ApplyBatch(ctx context.Context, batch []ExpansionResult) domain.UpdateStats {
	stats := domain.UpdateStats{}
	edgesBefore := g.edgeCount
	for _, res := range batch {
		for _, cand := range res.Candidates {
			stats.CandidatesSeen++
			merged, id, _, err := g.AddConcept(ctx, cand, res.CenterID)
			if err != nil {
				stats.CandidatesDropped++
				g.log.Warn("candidate dropped",
					"center_id", res.CenterID,
					"candidate", cand,
					"error", err,
				)
				continue
			}
			if merged {
				stats.DuplicatesMerged++
			} else {
				stats.NodesAdded++
				stats.NewNodeIDs = append(stats.NewNodeIDs, id)
			}
		}
	}
	stats.EdgesAdded = g.edgeCount - edgesBefore
	return stats
}

// Freeze ends the write phase. Topology mutations after this point return a
// structural error; fact attachment remains allowed.
func (g *ConceptGraph) Freeze() {
	g.frozen = true
}

func (g *ConceptGraph) Frozen() bool { return g.frozen }

// AttachFact binds a fact to a concept, replacing any prior attachment with
// the same fact key so re-integration is idempotent.
func (g *ConceptGraph) AttachFact(conceptID uuid.UUID, fact domain.AttachedFact) error {
	node, ok := g.nodes[conceptID]
	if !ok {
		return kgerr.Structural("unknown concept", "attach fact to %s", conceptID)
	}
	kept := node.Facts[:0]
	for _, f := range node.Facts {
		if f.FactKey != fact.FactKey {
			kept = append(kept, f)
		}
	}
	node.Facts = append(kept, fact)
	return nil
}

// ClearFactAttachments removes every attachment with the given fact key.
// Used when a re-run assigns a fact to a different concept set.
func (g *ConceptGraph) ClearFactAttachments(factKey string) {
	for _, id := range g.order {
		node := g.nodes[id]
		kept := node.Facts[:0]
		for _, f := range node.Facts {
			if f.FactKey != factKey {
				kept = append(kept, f)
			}
		}
		node.Facts = kept
	}
}

func (g *ConceptGraph) Stats() domain.GraphStats {
	s := domain.GraphStats{NodeCount: len(g.nodes), EdgeCount: g.edgeCount}
	if s.NodeCount > 0 {
		s.AverageDegree = 2 * float64(s.EdgeCount) / float64(s.NodeCount)
	}
	return s
}

// Concepts returns nodes in insertion order. Order stability is what makes
// downstream matrix work and exports deterministic.
func (g *ConceptGraph) Concepts() []*domain.Concept {
	out := make([]*domain.Concept, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

func (g *ConceptGraph) Concept(id uuid.UUID) (*domain.Concept, bool) {
	c, ok := g.nodes[id]
	return c, ok
}

func (g *ConceptGraph) HasNode(id uuid.UUID) bool {
	_, ok := g.nodes[id]
	return ok
}

// Resolve maps concept text to its canonical node id via the exact-match
// index, without touching the embedding service.
func (g *ConceptGraph) Resolve(text string) (uuid.UUID, bool) {
	id, ok := g.byKey[NormalizeText(text)]
	return id, ok
}

// EdgeList returns each undirected edge exactly once, ordered by node
// insertion order for deterministic export.
func (g *ConceptGraph) EdgeList() [][2]uuid.UUID {
	pos := make(map[uuid.UUID]int, len(g.order))
	for i, id := range g.order {
		pos[id] = i
	}
	out := make([][2]uuid.UUID, 0, g.edgeCount)
	for _, a := range g.order {
		nbrs := make([]uuid.UUID, 0, len(g.adjacency[a]))
		for b := range g.adjacency[a] {
			if pos[a] < pos[b] {
				nbrs = append(nbrs, b)
			}
		}
		sort.Slice(nbrs, func(i, j int) bool { return pos[nbrs[i]] < pos[nbrs[j]] })
		for _, b := range nbrs {
			out = append(out, [2]uuid.UUID{a, b})
		}
	}
	return out
}

func (g *ConceptGraph) Neighbors(id uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(g.adjacency[id]))
	for n := range g.adjacency[id] {
		out = append(out, n)
	}
	return out
}

// NormalizedEmbeddings returns the embedding index rows in insertion order,
// for similarity-matrix work in the integrator.
func (g *ConceptGraph) NormalizedEmbeddings() ([]uuid.UUID, [][]float32) {
	ids := make([]uuid.UUID, len(g.indexIDs))
	copy(ids, g.indexIDs)
	vecs := make([][]float32, len(g.indexVecs))
	copy(vecs, g.indexVecs)
	return ids, vecs
}
