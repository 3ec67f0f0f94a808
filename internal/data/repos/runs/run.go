// Package runs persists pipeline run reports so operators can compare
// convergence behavior and import deltas across runs.
package runs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/omnisure/policygraph/internal/domain"
	"github.com/omnisure/policygraph/internal/platform/logger"
)

type PipelineRun struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time

	Converged  bool
	Iterations int

	NodeCount     int
	EdgeCount     int
	AverageDegree float64

	FactsAttached   int
	FactsUnattached int
	// Unattached holds the low-confidence facts as [{product, text}] so an
	// operator can review them without replaying the run.
	Unattached datatypes.JSON

	AssemblyError string

	ImportFailedBatches int
	ImportNodeDelta     int64
	ImportEdgeDelta     int64
}

type PipelineIteration struct {
	ID    uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunID uuid.UUID `gorm:"type:uuid;index"`

	Iteration        int
	FrontierSize     int
	OracleFailures   int
	NodesAdded       int
	EdgesAdded       int
	DuplicatesMerged int
	CandidatesSeen   int
	ConceptAddRate   float64
	ConnectivityRate float64
	Converged        bool
}

type Repo interface {
	SaveReport(ctx context.Context, report domain.RunReport) error
	GetRun(ctx context.Context, id uuid.UUID) (*PipelineRun, []*PipelineIteration, error)
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRepo(db *gorm.DB, baseLog *logger.Logger) (Repo, error) {
	if err := db.AutoMigrate(&PipelineRun{}, &PipelineIteration{}); err != nil {
		return nil, err
	}
	return &repo{db: db, log: baseLog.With("repo", "PipelineRunRepo")}, nil
}

func (r *repo) SaveReport(ctx context.Context, report domain.RunReport) error {
	run := &PipelineRun{
		ID:              report.RunID,
		Converged:       report.Converged,
		Iterations:      len(report.Iterations),
		NodeCount:       report.Graph.NodeCount,
		EdgeCount:       report.Graph.EdgeCount,
		AverageDegree:   report.Graph.AverageDegree,
		FactsAttached:   report.FactsAttached,
		FactsUnattached: len(report.FactsUnattached),
		Unattached:      encodeUnattached(report.FactsUnattached),
		AssemblyError:   report.AssemblyError,
	}
	if report.Import != nil {
		run.ImportFailedBatches = report.Import.FailedBatches
		run.ImportNodeDelta = report.Import.NodeDelta()
		run.ImportEdgeDelta = report.Import.EdgeDelta()
	}

	iters := make([]*PipelineIteration, 0, len(report.Iterations))
	for _, it := range report.Iterations {
		iters = append(iters, &PipelineIteration{
			ID:               uuid.New(),
			RunID:            report.RunID,
			Iteration:        it.Iteration,
			FrontierSize:     it.FrontierSize,
			OracleFailures:   it.OracleFailures,
			NodesAdded:       it.NodesAdded,
			EdgesAdded:       it.EdgesAdded,
			DuplicatesMerged: it.DuplicatesMerged,
			CandidatesSeen:   it.CandidatesSeen,
			ConceptAddRate:   it.ConceptAddRate,
			ConnectivityRate: it.ConnectivityRate,
			Converged:        it.Converged,
		})
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		if len(iters) == 0 {
			return nil
		}
		return tx.Create(&iters).Error
	})
}

func encodeUnattached(facts []domain.Fact) datatypes.JSON {
	if len(facts) == 0 {
		return datatypes.JSON("[]")
	}
	type entry struct {
		Product string `json:"product"`
		Text    string `json:"text"`
	}
	entries := make([]entry, 0, len(facts))
	for _, f := range facts {
		entries = append(entries, entry{Product: f.Product, Text: f.Text})
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(raw)
}

func (r *repo) GetRun(ctx context.Context, id uuid.UUID) (*PipelineRun, []*PipelineIteration, error) {
	var run PipelineRun
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&run).Error; err != nil {
		return nil, nil, err
	}
	var iters []*PipelineIteration
	if err := r.db.WithContext(ctx).
		Where("run_id = ?", id).
		Order("iteration ASC").
		Find(&iters).Error; err != nil {
		return nil, nil, err
	}
	return &run, iters, nil
}
