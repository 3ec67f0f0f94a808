package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/omnisure/policygraph/internal/app"
	"github.com/omnisure/policygraph/internal/config"
	"github.com/omnisure/policygraph/internal/data/db"
	"github.com/omnisure/policygraph/internal/data/repos/runs"
	"github.com/omnisure/policygraph/internal/observability"
	"github.com/omnisure/policygraph/internal/pipeline"
	"github.com/omnisure/policygraph/internal/platform/logger"
	"github.com/omnisure/policygraph/internal/platform/shutdown"
)

func main() {
	var configPath string
	var inputPath string
	var skipImport bool
	var showRun string
	flag.StringVar(&configPath, "config", "", "pipeline config YAML (optional; defaults + env apply without it)")
	flag.StringVar(&inputPath, "input", "", "run input YAML with seeds, facts, and qa items (required)")
	flag.BoolVar(&skipImport, "skip-import", false, "assemble the graph but do not write to neo4j")
	flag.StringVar(&showRun, "run", "", "print a stored run report by id and exit")
	flag.Parse()

	if showRun != "" {
		os.Exit(printRun(showRun))
	}
	if inputPath == "" {
		fmt.Println("usage: kgbuild -input <input.yaml> [-config <pipeline.yaml>] [-skip-import] | kgbuild -run <run-id>")
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("load config: %v\n", err)
		os.Exit(1)
	}
	in, err := config.LoadInput(inputPath)
	if err != nil {
		fmt.Printf("load input: %v\n", err)
		os.Exit(1)
	}

	a, err := app.New()
	if err != nil {
		fmt.Printf("init app: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()
	defer a.Close(context.Background())

	report, err := pipeline.Run(ctx, pipeline.Deps{
		Log:      a.Log,
		Embedder: a.AI,
		Oracle:   a.Oracle,
		Cache:    a.Cache,
		Neo4j:    a.Neo4j,
		Runs:     a.Runs,
	}, pipeline.Input{
		Config:     cfg,
		Seeds:      in.Seeds,
		Facts:      in.Facts,
		QA:         in.QA,
		SkipImport: skipImport,
	})

	a.Log.Info("run report",
		"run_id", report.RunID.String(),
		"iterations", len(report.Iterations),
		"converged", report.Converged,
		"nodes", report.Graph.NodeCount,
		"edges", report.Graph.EdgeCount,
		"avg_degree", report.Graph.AverageDegree,
		"facts_attached", report.FactsAttached,
		"facts_unattached", len(report.FactsUnattached),
	)
	if report.Import != nil {
		a.Log.Info("import report",
			"nodes_assembled", report.Import.NodesAssembled,
			"nodes_imported", report.Import.NodesImported,
			"edges_assembled", report.Import.EdgesAssembled,
			"edges_imported", report.Import.EdgesImported,
			"failed_batches", report.Import.FailedBatches,
			"node_delta", report.Import.NodeDelta(),
			"edge_delta", report.Import.EdgeDelta(),
		)
	}
	if metrics := observability.Current(); metrics != nil {
		metrics.LogSummary(a.Log)
	}

	if err != nil {
		a.Log.Error("pipeline failed", "error", err)
		a.Close(context.Background())
		os.Exit(1)
	}
}

// printRun loads one stored run report from the run store. No other client
// is needed, so this path skips the full app wiring.
func printRun(rawID string) int {
	id, err := uuid.Parse(rawID)
	if err != nil {
		fmt.Printf("invalid run id %q: %v\n", rawID, err)
		return 2
	}

	log := logger.NewNop()
	store, err := db.NewService(log)
	if err != nil {
		fmt.Printf("open run store: %v\n", err)
		return 1
	}
	if store == nil {
		fmt.Println("run store disabled (RUN_DB_PATH=off and no POSTGRES_HOST)")
		return 1
	}
	defer store.Close()

	repo, err := runs.NewRepo(store.DB(), log)
	if err != nil {
		fmt.Printf("init run repo: %v\n", err)
		return 1
	}
	run, iters, err := repo.GetRun(context.Background(), id)
	if err != nil {
		fmt.Printf("load run %s: %v\n", id, err)
		return 1
	}

	fmt.Printf("run %s created=%s converged=%v iterations=%d\n", run.ID, run.CreatedAt.Format("2006-01-02 15:04:05"), run.Converged, run.Iterations)
	fmt.Printf("graph nodes=%d edges=%d avg_degree=%.2f\n", run.NodeCount, run.EdgeCount, run.AverageDegree)
	fmt.Printf("facts attached=%d unattached=%d\n", run.FactsAttached, run.FactsUnattached)
	if run.FactsUnattached > 0 {
		fmt.Printf("unattached: %s\n", string(run.Unattached))
	}
	if run.AssemblyError != "" {
		fmt.Printf("assembly error: %s\n", run.AssemblyError)
	}
	fmt.Printf("import failed_batches=%d node_delta=%d edge_delta=%d\n", run.ImportFailedBatches, run.ImportNodeDelta, run.ImportEdgeDelta)
	for _, it := range iters {
		fmt.Printf("  iter %d frontier=%d added=%d merged=%d edges=%d add_rate=%.3f connectivity=%.3f failures=%d\n",
			it.Iteration, it.FrontierSize, it.NodesAdded, it.DuplicatesMerged, it.EdgesAdded,
			it.ConceptAddRate, it.ConnectivityRate, it.OracleFailures)
	}
	return 0
}
