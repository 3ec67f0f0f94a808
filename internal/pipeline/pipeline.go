// Package pipeline runs the full graph construction sequence: expansion,
// freeze, fact integration, assembly, and optional Neo4j import. Unit-level
// failures degrade the output; structural failures abort the run.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/omnisure/policygraph/internal/config"
	"github.com/omnisure/policygraph/internal/data/repos/runs"
	"github.com/omnisure/policygraph/internal/domain"
	"github.com/omnisure/policygraph/internal/kg/assemble"
	"github.com/omnisure/policygraph/internal/kg/expand"
	"github.com/omnisure/policygraph/internal/kg/facts"
	"github.com/omnisure/policygraph/internal/kg/graph"
	"github.com/omnisure/policygraph/internal/kg/importer"
	"github.com/omnisure/policygraph/internal/observability"
	"github.com/omnisure/policygraph/internal/platform/logger"
	"github.com/omnisure/policygraph/internal/platform/neo4jdb"
)

type Deps struct {
	Log      *logger.Logger
	Embedder graph.Embedder
	Oracle   expand.Oracle

	// Cache may be nil; the graph then memoizes embeddings in-process only.
	Cache graph.Cache

	// Neo4j may be nil; assembly output is then reported but not imported.
	Neo4j *neo4jdb.Client

	// Runs may be nil; the run report is then log-only.
	Runs runs.Repo
}

type Input struct {
	Config     config.Pipeline
	Seeds      []string
	Facts      map[string][]string
	QA         []config.InputQA
	SkipImport bool
}

// Run executes one end-to-end build and always returns a report, even when a
// late stage failed; the error is non-nil only for structural failures.
func Run(ctx context.Context, deps Deps, in Input) (domain.RunReport, error) {
	report := domain.RunReport{RunID: uuid.New()}
	if deps.Log == nil || deps.Embedder == nil || deps.Oracle == nil {
		return report, fmt.Errorf("pipeline: missing deps")
	}
	log := deps.Log.With("component", "Pipeline", "run_id", report.RunID.String())
	cfg := in.Config

	g := graph.New(deps.Embedder, deps.Cache, deps.Log, graph.Options{
		DedupThreshold: cfg.DedupThreshold,
	})

	expandStart := time.Now()
	expOut, err := expand.Run(ctx, expand.Deps{
		Log:    deps.Log,
		Oracle: deps.Oracle,
		Graph:  g,
	}, expand.Input{
		Seeds:                 in.Seeds,
		DomainContext:         cfg.DomainContext,
		MaxIterations:         cfg.MaxIterations,
		MaxCandidates:         cfg.MaxCandidates,
		MaxConcurrency:        cfg.MaxConcurrency,
		OracleTimeout:         time.Duration(cfg.OracleTimeoutSeconds) * time.Second,
		AddRateThreshold:      cfg.AddRateThreshold,
		ConnectivityThreshold: cfg.ConnectivityThreshold,
	})
	if err != nil {
		return report, fmt.Errorf("pipeline: expansion: %w", err)
	}
	report.Iterations = expOut.History
	report.Converged = expOut.Converged

	// No concept mutations past this point.
	g.Freeze()
	report.Graph = g.Stats()
	log.Info("expansion finished",
		"iterations", expOut.Iterations,
		"converged", expOut.Converged,
		"nodes", report.Graph.NodeCount,
		"edges", report.Graph.EdgeCount,
		"elapsed", time.Since(expandStart).String(),
	)

	if len(in.Facts) > 0 {
		factOut, err := facts.Run(ctx, facts.Deps{
			Log:      deps.Log,
			Embedder: deps.Embedder,
			Graph:    g,
		}, facts.Input{
			FactsByProduct: in.Facts,
			TopK:           cfg.FactTopK,
			MinSimilarity:  cfg.FactMinSimilarity,
			EmbedBatchSize: cfg.EmbedBatchSize,
		})
		if err != nil {
			return report, fmt.Errorf("pipeline: fact integration: %w", err)
		}
		report.FactsAttached = factOut.Attached
		report.FactsUnattached = factOut.LowConfidence
	}

	export, err := assemble.Build(g, resolveQA(g, log, in.QA))
	if err != nil {
		// Assembly failure is loud: recorded, logged, and fatal for the
		// import stage, but the report still goes out.
		report.AssemblyError = err.Error()
		log.Error("graph assembly failed", "error", err)
		persist(ctx, deps, log, report)
		return report, fmt.Errorf("pipeline: assembly: %w", err)
	}

	if deps.Neo4j != nil && !in.SkipImport {
		importReport, err := importer.Run(ctx, deps.Neo4j, deps.Log, export, importer.Options{
			BatchSize:        cfg.ImportBatchSize,
			MaxRetries:       cfg.ImportMaxRetries,
			CreateIndexes:    true,
			VectorDimensions: cfg.VectorDimensions,
		})
		report.Import = &importReport
		if err != nil {
			log.Error("neo4j import failed", "error", err)
			persist(ctx, deps, log, report)
			return report, fmt.Errorf("pipeline: import: %w", err)
		}
	} else {
		log.Info("neo4j not configured; skipping import",
			"nodes_assembled", len(export.Nodes),
			"edges_assembled", len(export.Edges),
		)
	}

	persist(ctx, deps, log, report)
	if metrics := observability.Current(); metrics != nil {
		metrics.ObserveStage("pipeline_run", time.Since(expandStart))
	}
	return report, nil
}

// resolveQA maps concept texts from the input file to canonical node ids.
// Unresolvable texts map to uuid.Nil so the assembler rejects the item
// instead of silently narrowing its references.
func resolveQA(g *graph.ConceptGraph, log *logger.Logger, items []config.InputQA) []domain.QAItem {
	out := make([]domain.QAItem, 0, len(items))
	for _, item := range items {
		qa := domain.QAItem{Question: item.Question, Answer: item.Answer}
		for _, text := range item.Concepts {
			id, ok := g.Resolve(text)
			if !ok {
				log.Warn("qa concept reference does not match any graph node",
					"question", item.Question,
					"concept", text,
				)
				id = uuid.Nil
			}
			qa.ConceptRefs = append(qa.ConceptRefs, id)
		}
		out = append(out, qa)
	}
	return out
}

func persist(ctx context.Context, deps Deps, log *logger.Logger, report domain.RunReport) {
	if deps.Runs == nil {
		return
	}
	if err := deps.Runs.SaveReport(ctx, report); err != nil {
		log.Warn("failed to persist run report", "error", err)
	}
}
