package facts

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/omnisure/policygraph/internal/kg/graph"
	"github.com/omnisure/policygraph/internal/platform/logger"
)

type riggedEmbedder struct {
	vectors map[string][]float32
	calls   int
}

func (e *riggedEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	e.calls++
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

func buildFrozenGraph(t *testing.T, emb *riggedEmbedder, seeds ...string) *graph.ConceptGraph {
	t.Helper()
	g := graph.New(emb, nil, logger.NewNop(), graph.Options{DedupThreshold: 0.8})
	if _, err := g.Seed(context.Background(), seeds); err != nil {
		t.Fatalf("seed: %v", err)
	}
	g.Freeze()
	return g
}

func testVectors() map[string][]float32 {
	return map[string][]float32{
		"premium":    {1, 0, 0},
		"deductible": {0, 1, 0},
		"rider":      {0, 0, 1},

		"Premiums are paid monthly.":                 {0.9, 0.1, 0},
		"The deductible resets every calendar year.": {0.1, 0.9, 0},
		"Quantum policies are not a thing.":          {-0.5, -0.5, -0.5},
	}
}

func TestRun_AttachesTopMatchesWithProvenance(t *testing.T) {
	emb := &riggedEmbedder{vectors: testVectors()}
	g := buildFrozenGraph(t, emb, "premium", "deductible", "rider")

	out, err := Run(context.Background(), Deps{Log: logger.NewNop(), Embedder: emb, Graph: g}, Input{
		FactsByProduct: map[string][]string{
			"auto": {"Premiums are paid monthly."},
			"home": {"The deductible resets every calendar year."},
		},
		TopK:          2,
		MinSimilarity: 0.5,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Attached != 2 {
		t.Fatalf("attached = %d, want 2", out.Attached)
	}
	if len(out.LowConfidence) != 0 {
		t.Fatalf("low confidence = %d, want 0", len(out.LowConfidence))
	}

	var premiumFacts int
	for _, c := range g.Concepts() {
		if c.CanonicalText == "premium" {
			premiumFacts = len(c.Facts)
			if premiumFacts > 0 && c.Facts[0].Product != "auto" {
				t.Fatalf("fact provenance = %q, want auto", c.Facts[0].Product)
			}
		}
	}
	if premiumFacts != 1 {
		t.Fatalf("premium facts = %d, want 1", premiumFacts)
	}
}

func TestRun_Deterministic(t *testing.T) {
	in := Input{
		FactsByProduct: map[string][]string{
			"auto": {"Premiums are paid monthly.", "The deductible resets every calendar year."},
		},
		TopK:          3,
		MinSimilarity: 0.2,
	}

	assignments := func() map[string][]string {
		emb := &riggedEmbedder{vectors: testVectors()}
		g := buildFrozenGraph(t, emb, "premium", "deductible", "rider")
		out, err := Run(context.Background(), Deps{Log: logger.NewNop(), Embedder: emb, Graph: g}, in)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		got := map[string][]string{}
		for _, a := range out.Assignments {
			var ids []string
			for _, m := range a.Matches {
				c, _ := g.Concept(m.ConceptID)
				ids = append(ids, c.CanonicalText)
			}
			got[a.Fact.Text] = ids
		}
		return got
	}

	first := assignments()
	second := assignments()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("assignments differ across identical runs:\n%v\n%v", first, second)
	}
}

func TestRun_RerunReplacesInsteadOfDuplicating(t *testing.T) {
	emb := &riggedEmbedder{vectors: testVectors()}
	g := buildFrozenGraph(t, emb, "premium", "deductible", "rider")
	deps := Deps{Log: logger.NewNop(), Embedder: emb, Graph: g}
	in := Input{
		FactsByProduct: map[string][]string{"auto": {"Premiums are paid monthly."}},
		TopK:           1,
		MinSimilarity:  0.5,
	}

	for i := 0; i < 2; i++ {
		if _, err := Run(context.Background(), deps, in); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	for _, c := range g.Concepts() {
		if c.CanonicalText == "premium" && len(c.Facts) != 1 {
			t.Fatalf("premium facts = %d after re-run, want 1", len(c.Facts))
		}
	}
}

func TestRun_LowConfidenceFactsAreReportedNotDropped(t *testing.T) {
	emb := &riggedEmbedder{vectors: testVectors()}
	g := buildFrozenGraph(t, emb, "premium", "deductible", "rider")

	out, err := Run(context.Background(), Deps{Log: logger.NewNop(), Embedder: emb, Graph: g}, Input{
		FactsByProduct: map[string][]string{"auto": {"Quantum policies are not a thing."}},
		TopK:           5,
		MinSimilarity:  0.5,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Attached != 0 {
		t.Fatalf("attached = %d, want 0", out.Attached)
	}
	if len(out.LowConfidence) != 1 {
		t.Fatalf("low confidence report = %d entries, want 1", len(out.LowConfidence))
	}
	if out.LowConfidence[0].Text != "Quantum policies are not a thing." {
		t.Fatalf("unexpected low-confidence fact: %+v", out.LowConfidence[0])
	}
}

func TestRun_OneEmbeddingCallPerBatch(t *testing.T) {
	emb := &riggedEmbedder{vectors: testVectors()}
	g := buildFrozenGraph(t, emb, "premium", "deductible", "rider")
	seedCalls := emb.calls

	_, err := Run(context.Background(), Deps{Log: logger.NewNop(), Embedder: emb, Graph: g}, Input{
		FactsByProduct: map[string][]string{
			"auto": {"Premiums are paid monthly.", "The deductible resets every calendar year."},
		},
		TopK:           1,
		MinSimilarity:  0.5,
		EmbedBatchSize: 100,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := emb.calls - seedCalls; got != 1 {
		t.Fatalf("embedding calls during integration = %d, want 1 batched call", got)
	}
}

func TestRun_RequiresFrozenGraph(t *testing.T) {
	emb := &riggedEmbedder{vectors: testVectors()}
	g := graph.New(emb, nil, logger.NewNop(), graph.Options{DedupThreshold: 0.8})
	if _, err := g.Seed(context.Background(), []string{"premium"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := Run(context.Background(), Deps{Log: logger.NewNop(), Embedder: emb, Graph: g}, Input{
		FactsByProduct: map[string][]string{"auto": {"Premiums are paid monthly."}},
	})
	if err == nil {
		t.Fatalf("expected error integrating into unfrozen graph")
	}
}
