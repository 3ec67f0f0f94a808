package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Concept is one canonical node in the concept graph. Its embedding is
// computed once per canonical text and cached; Facts are attached by the
// integrator after the graph is frozen.
type Concept struct {
	ID            uuid.UUID
	CanonicalText string
	Embedding     []float32
	Facts         []AttachedFact
}

// AttachedFact is a fact statement bound to a concept with product
// provenance. FactKey keeps re-integration idempotent.
type AttachedFact struct {
	FactKey string
	Text    string
	Product string
}

// Fact is an externally extracted statement awaiting attachment.
type Fact struct {
	Key       string
	Text      string
	Product   string
	Embedding []float32
}

// FactKey derives the stable identifier used for idempotent attachment.
func FactKey(product, text string) string {
	h := sha256.Sum256([]byte(strings.TrimSpace(strings.ToLower(product)) + "\x00" + strings.TrimSpace(strings.ToLower(text))))
	return hex.EncodeToString(h[:16])
}

// ConceptMatch is one ranked (concept, similarity) pair for a fact.
type ConceptMatch struct {
	ConceptID  uuid.UUID
	Similarity float64
}

// FactAssignment records where a fact landed. Derived and recomputable.
type FactAssignment struct {
	Fact    Fact
	Matches []ConceptMatch
}

// QAItem is an externally validated question/answer pair. ConceptRefs must
// name canonical concept ids; the assembler checks referential integrity and
// nothing else.
type QAItem struct {
	Question    string      `yaml:"question"`
	Answer      string      `yaml:"answer"`
	ConceptRefs []uuid.UUID `yaml:"concept_refs"`
}

// Export graph artifact. Written once per pipeline run, upserted by key into
// the target store, never mutated in place afterwards.

const (
	NodeTypeConcept = "concept"
	NodeTypeQA      = "qa"

	EdgeTypeRelatedTo = "RELATED_TO"
	EdgeTypeAddresses = "ADDRESSES"
)

type ExportNode struct {
	ID         string
	Type       string
	Attributes map[string]any
	Embedding  []float32
}

type ExportEdge struct {
	From string
	To   string
	Type string
}

type ExportGraph struct {
	Nodes []ExportNode
	Edges []ExportEdge
}

// UpdateStats is what one consolidation pass over a batch of oracle results
// produced.
type UpdateStats struct {
	NodesAdded        int
	EdgesAdded        int
	DuplicatesMerged  int
	CandidatesSeen    int
	CandidatesDropped int
	NewNodeIDs        []uuid.UUID
}

// IterationStats is the per-iteration diagnostic record kept for the run
// history and the convergence decision.
type IterationStats struct {
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

type GraphStats struct {
	NodeCount     int
	EdgeCount     int
	AverageDegree float64
}

// ImportReport is the post-import verification outcome. Deltas are reported
// to the operator, never auto-rolled-back.
type ImportReport struct {
	NodesAssembled  int
	NodesImported   int64
	EdgesAssembled  int
	EdgesImported   int64
	FailedBatches   int
	IndexingSkipped bool
}

func (r ImportReport) NodeDelta() int64 { return int64(r.NodesAssembled) - r.NodesImported }
func (r ImportReport) EdgeDelta() int64 { return int64(r.EdgesAssembled) - r.EdgesImported }

// RunReport is the operator-facing summary of one pipeline run. Partial
// success is the accepted operating mode, so this is a ledger, not a
// pass/fail bit.
type RunReport struct {
	RunID           uuid.UUID
	Iterations      []IterationStats
	Graph           GraphStats
	Converged       bool
	FactsAttached   int
	FactsUnattached []Fact
	AssemblyError   string
	Import          *ImportReport
}
