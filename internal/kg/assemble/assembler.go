// Package assemble turns the frozen concept graph plus validated QA items
// into the export artifact the bulk importer persists. This is the one loud
// stage: a structurally invalid export would silently corrupt the target
// store, so any dangling reference aborts before a single write.
package assemble

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/omnisure/policygraph/internal/domain"
	"github.com/omnisure/policygraph/internal/kg/graph"
	"github.com/omnisure/policygraph/internal/pkg/kgerr"
)

// Build constructs the export node/edge set. Concept nodes mirror graph
// nodes, QA nodes carry question/answer, RELATED_TO edges mirror adjacency,
// ADDRESSES edges connect QA nodes to their referenced concepts.
func Build(g *graph.ConceptGraph, qaItems []domain.QAItem) (domain.ExportGraph, error) {
	out := domain.ExportGraph{}
	if g == nil {
		return out, fmt.Errorf("assemble: nil graph")
	}

	nodeIDs := map[string]bool{}

	for _, c := range g.Concepts() {
		facts := make([]map[string]any, 0, len(c.Facts))
		for _, f := range c.Facts {
			facts = append(facts, map[string]any{
				"fact_key": f.FactKey,
				"text":     f.Text,
				"product":  f.Product,
			})
		}
		id := c.ID.String()
		out.Nodes = append(out.Nodes, domain.ExportNode{
			ID:   id,
			Type: domain.NodeTypeConcept,
			Attributes: map[string]any{
				"text":  c.CanonicalText,
				"facts": facts,
			},
			Embedding: c.Embedding,
		})
		nodeIDs[id] = true
	}

	for i, qa := range qaItems {
		if qa.Question == "" || qa.Answer == "" {
			return domain.ExportGraph{}, kgerr.Structural("invalid qa item", "item %d missing question or answer", i)
		}
		for _, ref := range qa.ConceptRefs {
			if !g.HasNode(ref) {
				return domain.ExportGraph{}, kgerr.Structural("dangling concept reference", "qa %q references unknown concept %s", qa.Question, ref)
			}
		}
		id := qaNodeID(qa.Question)
		if nodeIDs[id] {
			// Same question twice: keep the first, the importer upserts by
			// key anyway.
			continue
		}
		out.Nodes = append(out.Nodes, domain.ExportNode{
			ID:   id,
			Type: domain.NodeTypeQA,
			Attributes: map[string]any{
				"question": qa.Question,
				"answer":   qa.Answer,
			},
		})
		nodeIDs[id] = true
	}

	for _, e := range g.EdgeList() {
		out.Edges = append(out.Edges, domain.ExportEdge{
			From: e[0].String(),
			To:   e[1].String(),
			Type: domain.EdgeTypeRelatedTo,
		})
	}

	for _, qa := range qaItems {
		from := qaNodeID(qa.Question)
		for _, ref := range qa.ConceptRefs {
			out.Edges = append(out.Edges, domain.ExportEdge{
				From: from,
				To:   ref.String(),
				Type: domain.EdgeTypeAddresses,
			})
		}
	}

	// Referential integrity runs before anything is handed to the importer,
	// never discovered mid-import.
	for _, e := range out.Edges {
		if !nodeIDs[e.From] {
			return domain.ExportGraph{}, kgerr.Structural("dangling edge reference", "%s edge from unknown node %s", e.Type, e.From)
		}
		if !nodeIDs[e.To] {
			return domain.ExportGraph{}, kgerr.Structural("dangling edge reference", "%s edge to unknown node %s", e.Type, e.To)
		}
	}

	return out, nil
}

// qaNodeID derives a stable id from the question text so re-runs upsert the
// same QA node.
func qaNodeID(question string) string {
	h := sha256.Sum256([]byte(graph.NormalizeText(question)))
	return "qa:" + hex.EncodeToString(h[:16])
}
