package runs

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/omnisure/policygraph/internal/domain"
	"github.com/omnisure/policygraph/internal/platform/logger"
)

func testRepo(t *testing.T) Repo {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := NewRepo(db, logger.NewNop())
	if err != nil {
		t.Fatalf("init repo: %v", err)
	}
	return repo
}

func TestSaveReportAndGetRun(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	report := domain.RunReport{
		RunID:     uuid.New(),
		Converged: true,
		Iterations: []domain.IterationStats{
			{Iteration: 0, FrontierSize: 2, NodesAdded: 3, EdgesAdded: 3, CandidatesSeen: 4, ConceptAddRate: 0.75, ConnectivityRate: 1},
			{Iteration: 1, FrontierSize: 3, NodesAdded: 0, EdgesAdded: 1, DuplicatesMerged: 2, CandidatesSeen: 3, ConnectivityRate: 0.5, Converged: true},
		},
		Graph:         domain.GraphStats{NodeCount: 5, EdgeCount: 4, AverageDegree: 1.6},
		FactsAttached: 7,
		FactsUnattached: []domain.Fact{
			{Key: "k1", Text: "Quantum policies are not a thing.", Product: "auto"},
		},
		Import: &domain.ImportReport{
			NodesAssembled: 6,
			NodesImported:  6,
			EdgesAssembled: 5,
			EdgesImported:  4,
			FailedBatches:  1,
		},
	}

	if err := repo.SaveReport(ctx, report); err != nil {
		t.Fatalf("save report: %v", err)
	}

	run, iters, err := repo.GetRun(ctx, report.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if !run.Converged || run.Iterations != 2 {
		t.Fatalf("run = converged %v, iterations %d, want true/2", run.Converged, run.Iterations)
	}
	if run.NodeCount != 5 || run.EdgeCount != 4 {
		t.Fatalf("graph stats = %d/%d, want 5/4", run.NodeCount, run.EdgeCount)
	}
	if run.FactsAttached != 7 || run.FactsUnattached != 1 {
		t.Fatalf("fact counts = %d/%d, want 7/1", run.FactsAttached, run.FactsUnattached)
	}
	if !strings.Contains(string(run.Unattached), "Quantum policies") {
		t.Fatalf("unattached facts not persisted: %s", string(run.Unattached))
	}
	if run.ImportFailedBatches != 1 || run.ImportEdgeDelta != 1 {
		t.Fatalf("import fields = %d failed, edge delta %d, want 1/1", run.ImportFailedBatches, run.ImportEdgeDelta)
	}

	if len(iters) != 2 {
		t.Fatalf("iterations = %d, want 2", len(iters))
	}
	if iters[0].Iteration != 0 || iters[1].Iteration != 1 {
		t.Fatalf("iterations out of order: %d, %d", iters[0].Iteration, iters[1].Iteration)
	}
	if iters[1].DuplicatesMerged != 2 || !iters[1].Converged {
		t.Fatalf("iteration 1 = merged %d, converged %v, want 2/true", iters[1].DuplicatesMerged, iters[1].Converged)
	}
}

func TestGetRun_UnknownID(t *testing.T) {
	repo := testRepo(t)
	if _, _, err := repo.GetRun(context.Background(), uuid.New()); err == nil {
		t.Fatalf("expected error for unknown run id")
	}
}
