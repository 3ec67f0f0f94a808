package expand

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/omnisure/policygraph/internal/kg/graph"
	"github.com/omnisure/policygraph/internal/platform/logger"
)

// scriptedOracle serves canned candidate lists per normalized center text and
// invents novel text for anything unscripted.
type scriptedOracle struct {
	mu      sync.Mutex
	byText  map[string][]string
	novel   bool
	counter int
}

func (o *scriptedOracle) RelatedConcepts(ctx context.Context, center, domainContext string, max int) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cands, ok := o.byText[graph.NormalizeText(center)]; ok {
		return cands, nil
	}
	if !o.novel {
		return nil, nil
	}
	out := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		o.counter++
		out = append(out, fmt.Sprintf("novel concept %d", o.counter))
	}
	return out, nil
}

// hashEmbedder produces a distinct orthogonal-ish unit vector per text so no
// two texts ever clear the dedup threshold.
type hashEmbedder struct {
	mu   sync.Mutex
	dims map[string]int
}

func (e *hashEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dims == nil {
		e.dims = map[string]int{}
	}
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		dim, ok := e.dims[in]
		if !ok {
			dim = len(e.dims)
			e.dims[in] = dim
		}
		vec := make([]float32, 4096)
		vec[dim] = 1
		out[i] = vec
	}
	return out, nil
}

// riggedEmbedder serves fixed vectors, failing on unknown text.
type riggedEmbedder struct {
	vectors map[string][]float32
}

func (e *riggedEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		v, ok := e.vectors[in]
		if !ok {
			return nil, fmt.Errorf("no rigged vector for %q", in)
		}
		out[i] = v
	}
	return out, nil
}

func TestRun_TerminatesAtMaxIterationsUnderNovelOracle(t *testing.T) {
	g := graph.New(&hashEmbedder{}, nil, logger.NewNop(), graph.Options{DedupThreshold: 0.8})
	oracle := &scriptedOracle{novel: true}

	out, err := Run(context.Background(), Deps{Log: logger.NewNop(), Oracle: oracle, Graph: g}, Input{
		Seeds:         []string{"premium", "deductible"},
		MaxIterations: 3,
		OracleTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Converged {
		t.Fatalf("an always-novel oracle must not converge")
	}
	if out.Iterations != 3 {
		t.Fatalf("iterations = %d, want hard stop at 3", out.Iterations)
	}
}

func TestRun_DuplicatesOnlyOracleStopsEarly(t *testing.T) {
	g := graph.New(&hashEmbedder{}, nil, logger.NewNop(), graph.Options{DedupThreshold: 0.8})
	// Both seeds propose each other: everything merges, frontier empties.
	oracle := &scriptedOracle{byText: map[string][]string{
		"premium":    {"deductible"},
		"deductible": {"premium"},
	}}

	out, err := Run(context.Background(), Deps{Log: logger.NewNop(), Oracle: oracle, Graph: g}, Input{
		Seeds:         []string{"premium", "deductible"},
		MaxIterations: 10,
		OracleTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Iterations != 1 {
		t.Fatalf("iterations = %d, want 1", out.Iterations)
	}
	if !out.Converged {
		t.Fatalf("all-duplicate proposals with rising connectivity must converge immediately")
	}
	if got := g.Stats().NodeCount; got != 2 {
		t.Fatalf("node count = %d, want 2", got)
	}
}

func TestRun_PremiumDeductibleScenario(t *testing.T) {
	emb := &riggedEmbedder{vectors: map[string][]float32{
		"premium":         {1, 0, 0, 0},
		"deductible":      {0, 1, 0, 0},
		"monthly premium": {0.5, 0, 0.866, 0},   // 0.50 vs premium
		"annual premium":  {0.3, 0, -0.9539, 0}, // 0.30 vs premium
		"insurance cost":  {0.85, 0, 0, 0.5268}, // 0.85 vs premium: merges
	}}
	g := graph.New(emb, nil, logger.NewNop(), graph.Options{DedupThreshold: 0.8})
	oracle := &scriptedOracle{byText: map[string][]string{
		"premium":    {"monthly premium", "insurance cost", "annual premium"},
		"deductible": {},
	}}

	out, err := Run(context.Background(), Deps{Log: logger.NewNop(), Oracle: oracle, Graph: g}, Input{
		Seeds:         []string{"premium", "deductible"},
		MaxIterations: 1,
		OracleTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	stats := g.Stats()
	if stats.NodeCount != 4 {
		t.Fatalf("node count = %d, want 4 (2 seeds + monthly + annual)", stats.NodeCount)
	}
	for _, c := range g.Concepts() {
		if c.CanonicalText == "insurance cost" {
			t.Fatalf("insurance cost must merge into premium, not become a node")
		}
	}
	if len(out.History) != 1 {
		t.Fatalf("history length = %d, want 1", len(out.History))
	}
	iter := out.History[0]
	if iter.DuplicatesMerged != 1 {
		t.Fatalf("duplicates merged = %d, want exactly 1 (insurance cost)", iter.DuplicatesMerged)
	}
	if iter.NodesAdded != 2 {
		t.Fatalf("nodes added = %d, want 2", iter.NodesAdded)
	}
	// The merge resolves to the center itself, so no self-loop is recorded;
	// the two surviving edges are premium-monthly and premium-annual.
	if stats.EdgeCount != 2 {
		t.Fatalf("edge count = %d, want 2", stats.EdgeCount)
	}
}

func TestRun_OracleFailureIsSkippedNotFatal(t *testing.T) {
	g := graph.New(&hashEmbedder{}, nil, logger.NewNop(), graph.Options{DedupThreshold: 0.8})
	oracle := &failingOracle{failFor: "premium", inner: &scriptedOracle{byText: map[string][]string{
		"deductible": {"out-of-pocket maximum"},
	}}}

	out, err := Run(context.Background(), Deps{Log: logger.NewNop(), Oracle: oracle, Graph: g}, Input{
		Seeds:         []string{"premium", "deductible"},
		MaxIterations: 1,
		OracleTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.History[0].OracleFailures != 1 {
		t.Fatalf("oracle failures = %d, want 1", out.History[0].OracleFailures)
	}
	if got := g.Stats().NodeCount; got != 3 {
		t.Fatalf("node count = %d, want 3 (deductible's candidate still lands)", got)
	}
}

type failingOracle struct {
	failFor string
	inner   *scriptedOracle
}

func (o *failingOracle) RelatedConcepts(ctx context.Context, center, domainContext string, max int) ([]string, error) {
	if graph.NormalizeText(center) == o.failFor {
		return nil, fmt.Errorf("timeout after retries")
	}
	return o.inner.RelatedConcepts(ctx, center, domainContext, max)
}
