// Package expand grows the concept graph from seed concepts until the oracle
// yields diminishing returns. Oracle calls fan out across a bounded worker
// pool; results are consolidated into the graph exactly once per iteration by
// a single writer.
package expand

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/omnisure/policygraph/internal/domain"
	"github.com/omnisure/policygraph/internal/kg/graph"
	"github.com/omnisure/policygraph/internal/observability"
	"github.com/omnisure/policygraph/internal/pkg/kgerr"
	"github.com/omnisure/policygraph/internal/platform/logger"
)

// Oracle proposes candidate concepts related to a center concept. Timeouts
// and retries live behind this interface; exhaustion surfaces as an error and
// the unit is skipped.
type Oracle interface {
	RelatedConcepts(ctx context.Context, center, domainContext string, max int) ([]string, error)
}

type Deps struct {
	Log    *logger.Logger
	Oracle Oracle
	Graph  *graph.ConceptGraph
}

type Input struct {
	Seeds         []string
	DomainContext string

	MaxIterations  int
	MaxCandidates  int
	MaxConcurrency int
	OracleTimeout  time.Duration

	AddRateThreshold      float64
	ConnectivityThreshold float64
}

type Output struct {
	SeedIDs    []uuid.UUID
	History    []domain.IterationStats
	Converged  bool
	Iterations int
}

func (in *Input) applyDefaults() {
	if in.MaxIterations <= 0 {
		in.MaxIterations = 5
	}
	if in.MaxCandidates <= 0 {
		in.MaxCandidates = 10
	}
	if in.MaxConcurrency <= 0 {
		in.MaxConcurrency = 8
	}
	if in.OracleTimeout <= 0 {
		in.OracleTimeout = 30 * time.Second
	}
	if in.AddRateThreshold <= 0 {
		in.AddRateThreshold = 0.05
	}
	if in.ConnectivityThreshold <= 0 {
		in.ConnectivityThreshold = 0.2
	}
}

// Run executes the expansion loop to convergence or the iteration ceiling.
// MaxIterations is a hard bound: termination does not depend on the
// convergence criteria ever firing.
func Run(ctx context.Context, deps Deps, in Input) (Output, error) {
	out := Output{}
	if deps.Log == nil || deps.Oracle == nil || deps.Graph == nil {
		return out, fmt.Errorf("expand: missing deps")
	}
	if len(in.Seeds) == 0 {
		return out, fmt.Errorf("expand: no seed concepts")
	}
	in.applyDefaults()
	log := deps.Log.With("component", "ExpansionEngine")

	seedIDs, err := deps.Graph.Seed(ctx, in.Seeds)
	if err != nil {
		return out, fmt.Errorf("expand: seeding graph: %w", err)
	}
	out.SeedIDs = seedIDs

	frontier := dedupeIDs(seedIDs)
	for iteration := 0; iteration < in.MaxIterations && len(frontier) > 0; iteration++ {
		start := time.Now()
		batch, failures := queryFrontier(ctx, deps, in, frontier)

		// Single-writer consolidation: the one mutation per iteration.
		stats := deps.Graph.ApplyBatch(ctx, batch)

		addRate := 0.0
		if stats.CandidatesSeen > 0 {
			addRate = float64(stats.NodesAdded) / float64(stats.CandidatesSeen)
		}
		connectivity := 0.0
		if stats.NodesAdded+stats.DuplicatesMerged > 0 {
			connectivity = float64(stats.EdgesAdded) / float64(stats.NodesAdded+stats.DuplicatesMerged)
		}
		converged := addRate < in.AddRateThreshold && connectivity > in.ConnectivityThreshold

		iterStats := domain.IterationStats{
			Iteration:        iteration,
			FrontierSize:     len(frontier),
			OracleFailures:   failures,
			NodesAdded:       stats.NodesAdded,
			EdgesAdded:       stats.EdgesAdded,
			DuplicatesMerged: stats.DuplicatesMerged,
			CandidatesSeen:   stats.CandidatesSeen,
			ConceptAddRate:   addRate,
			ConnectivityRate: connectivity,
			Converged:        converged,
		}
		out.History = append(out.History, iterStats)
		out.Iterations = iteration + 1

		log.Info("expansion iteration complete",
			"iteration", iteration,
			"frontier", len(frontier),
			"nodes_added", stats.NodesAdded,
			"edges_added", stats.EdgesAdded,
			"merged", stats.DuplicatesMerged,
			"add_rate", addRate,
			"connectivity_rate", connectivity,
			"oracle_failures", failures,
			"elapsed", time.Since(start).String(),
		)
		if metrics := observability.Current(); metrics != nil {
			metrics.ObserveStage("expand_iteration", time.Since(start))
		}

		if converged {
			out.Converged = true
			break
		}
		// An oracle that only ever proposes duplicates empties the frontier;
		// that is legitimate early termination, not an error.
		frontier = stats.NewNodeIDs
	}

	return out, nil
}

// queryFrontier issues one oracle call per frontier concept across a bounded
// pool, collecting raw results through a channel drained after all workers
// finish. Failed units are counted and skipped.
func queryFrontier(ctx context.Context, deps Deps, in Input, frontier []uuid.UUID) ([]graph.ExpansionResult, int) {
	results := make(chan graph.ExpansionResult, len(frontier))
	var failures int
	var failMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.MaxConcurrency)

	for _, id := range frontier {
		concept, ok := deps.Graph.Concept(id)
		if !ok {
			continue
		}
		centerID := id
		centerText := concept.CanonicalText
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, in.OracleTimeout)
			defer cancel()

			candidates, err := deps.Oracle.RelatedConcepts(callCtx, centerText, in.DomainContext, in.MaxCandidates)
			if err != nil {
				failMu.Lock()
				failures++
				failMu.Unlock()
				// Transient exhaustion is routine; a malformed payload is
				// worth a louder line.
				if kgerr.IsTransient(err) {
					deps.Log.Warn("oracle call failed; skipping frontier concept",
						"concept", centerText,
						"error", err,
					)
				} else {
					deps.Log.Error("oracle returned unusable payload; skipping frontier concept",
						"concept", centerText,
						"error", err,
					)
				}
				if metrics := observability.Current(); metrics != nil {
					metrics.ObserveUnitSkipped("expand")
				}
				return nil
			}
			results <- graph.ExpansionResult{CenterID: centerID, Candidates: candidates}
			return nil
		})
	}

	_ = g.Wait()
	close(results)

	batch := make([]graph.ExpansionResult, 0, len(frontier))
	for res := range results {
		batch = append(batch, res)
	}
	// Workers race into the channel; restore frontier order so consolidation
	// is reproducible for a given oracle.
	pos := make(map[uuid.UUID]int, len(frontier))
	for i, id := range frontier {
		pos[id] = i
	}
	sort.SliceStable(batch, func(i, j int) bool {
		return pos[batch[i].CenterID] < pos[batch[j].CenterID]
	})
	return batch, failures
}

func dedupeIDs(ids []uuid.UUID) []uuid.UUID {
	seen := map[uuid.UUID]bool{}
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
