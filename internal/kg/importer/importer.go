// Package importer persists the assembled export graph into Neo4j: node
// batches first, edges only after every node batch has committed, bounded
// retries per batch, then count verification and index creation. Partial
// import is an accepted outcome and is reported, not rolled back.
package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/omnisure/policygraph/internal/domain"
	"github.com/omnisure/policygraph/internal/observability"
	"github.com/omnisure/policygraph/internal/platform/logger"
	"github.com/omnisure/policygraph/internal/platform/neo4jdb"
)

type Options struct {
	BatchSize        int
	MaxRetries       int
	CreateIndexes    bool
	VectorDimensions int

	retryBackoff time.Duration
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.retryBackoff <= 0 {
		o.retryBackoff = time.Second
	}
}

// writeSession is the slice of neo4j.SessionWithContext the batch writer
// needs.
type writeSession interface {
	ExecuteWrite(ctx context.Context, work neo4j.ManagedTransactionWork, configurers ...func(*neo4j.TransactionConfig)) (any, error)
}

const (
	upsertConceptsCypher = `
UNWIND $nodes AS n
MERGE (c:Concept {key: n.key})
SET c.text = n.text,
    c.facts_json = n.facts_json,
    c.embedding = n.embedding,
    c.synced_at = n.synced_at
`
	upsertQACypher = `
UNWIND $nodes AS n
MERGE (q:QA {key: n.key})
SET q.question = n.question,
    q.answer = n.answer,
    q.synced_at = n.synced_at
`
	upsertRelatedCypher = `
UNWIND $rels AS r
MATCH (a:Concept {key: r.from_key})
MATCH (b:Concept {key: r.to_key})
MERGE (a)-[e:RELATED_TO]->(b)
SET e.synced_at = r.synced_at
`
	upsertAddressesCypher = `
UNWIND $rels AS r
MATCH (q:QA {key: r.from_key})
MATCH (c:Concept {key: r.to_key})
MERGE (q)-[e:ADDRESSES]->(c)
SET e.synced_at = r.synced_at
`
)

// Run writes the export graph into the target store and verifies counts.
// Only a nil client or an unusable export is an error; batch failures degrade
// to report entries.
func Run(ctx context.Context, client *neo4jdb.Client, log *logger.Logger, export domain.ExportGraph, opts Options) (domain.ImportReport, error) {
	report := domain.ImportReport{
		NodesAssembled: len(export.Nodes),
		EdgesAssembled: len(export.Edges),
	}
	if client == nil || client.Driver == nil {
		return report, fmt.Errorf("importer: neo4j client not configured")
	}
	if log == nil {
		return report, fmt.Errorf("importer: logger required")
	}
	opts.applyDefaults()
	log = log.With("component", "BulkImporter")
	start := time.Now()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	conceptRecs, qaRecs := nodeRecords(export.Nodes, now)
	relatedRecs, addressesRecs := edgeRecords(export.Edges, now)

	session := client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: client.Database,
	})
	defer session.Close(ctx)

	// Nodes first; edges must never race their endpoints.
	report.FailedBatches += writeBatches(ctx, session, log, opts, "concept_nodes", upsertConceptsCypher, "nodes", conceptRecs)
	report.FailedBatches += writeBatches(ctx, session, log, opts, "qa_nodes", upsertQACypher, "nodes", qaRecs)
	report.FailedBatches += writeBatches(ctx, session, log, opts, "related_edges", upsertRelatedCypher, "rels", relatedRecs)
	report.FailedBatches += writeBatches(ctx, session, log, opts, "addresses_edges", upsertAddressesCypher, "rels", addressesRecs)

	if opts.CreateIndexes {
		report.IndexingSkipped = !createIndexes(ctx, session, log, opts.VectorDimensions)
	} else {
		report.IndexingSkipped = true
	}

	// Post-import verification: store counts against assembled counts. A
	// mismatch is operator information, not a rollback trigger.
	var countErr error
	concepts, err := client.CountNodes(ctx, "Concept")
	if err != nil {
		countErr = err
	}
	qas, err := client.CountNodes(ctx, "QA")
	if err != nil {
		countErr = err
	}
	related, err := client.CountRelationships(ctx, "RELATED_TO")
	if err != nil {
		countErr = err
	}
	addresses, err := client.CountRelationships(ctx, "ADDRESSES")
	if err != nil {
		countErr = err
	}
	if countErr != nil {
		log.Warn("post-import count verification failed", "error", countErr)
	} else {
		report.NodesImported = concepts + qas
		report.EdgesImported = related + addresses
		if report.NodeDelta() != 0 || report.EdgeDelta() != 0 {
			log.Warn("import verification mismatch",
				"nodes_assembled", report.NodesAssembled,
				"nodes_in_store", report.NodesImported,
				"edges_assembled", report.EdgesAssembled,
				"edges_in_store", report.EdgesImported,
			)
		}
	}

	log.Info("bulk import complete",
		"nodes", report.NodesAssembled,
		"edges", report.EdgesAssembled,
		"failed_batches", report.FailedBatches,
		"elapsed", time.Since(start).String(),
	)
	if metrics := observability.Current(); metrics != nil {
		metrics.ObserveStage("bulk_import", time.Since(start))
	}
	return report, nil
}

// writeBatches splits records and upserts each batch with bounded retries.
// Returns the number of batches that still failed after retry.
func writeBatches(ctx context.Context, session writeSession, log *logger.Logger, opts Options, kind, cypher, param string, recs []map[string]any) int {
	failed := 0
	for _, batch := range splitBatches(recs, opts.BatchSize) {
		if err := writeBatch(ctx, session, opts, cypher, param, batch); err != nil {
			failed++
			log.Error("import batch failed after retries; continuing",
				"kind", kind,
				"batch_size", len(batch),
				"error", err,
			)
			if metrics := observability.Current(); metrics != nil {
				metrics.ObserveImportBatch(kind, "failed")
			}
			continue
		}
		if metrics := observability.Current(); metrics != nil {
			metrics.ObserveImportBatch(kind, "ok")
		}
	}
	return failed
}

func writeBatch(ctx context.Context, session writeSession, opts Options, cypher, param string, batch []map[string]any) error {
	var lastErr error
	backoff := opts.retryBackoff
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			res, err := tx.Run(ctx, cypher, map[string]any{param: batch})
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
			return nil, nil
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < opts.MaxRetries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// createIndexes sets up the uniqueness constraints, full-text index, and
// vector index. Best-effort: restricted users may lack schema privileges, so
// failures are logged and reported as skipped indexing.
func createIndexes(ctx context.Context, session neo4j.SessionWithContext, log *logger.Logger, vectorDims int) bool {
	statements := []string{
		`CREATE CONSTRAINT concept_key_unique IF NOT EXISTS FOR (c:Concept) REQUIRE c.key IS UNIQUE`,
		`CREATE CONSTRAINT qa_key_unique IF NOT EXISTS FOR (q:QA) REQUIRE q.key IS UNIQUE`,
		`CREATE FULLTEXT INDEX kg_text_search IF NOT EXISTS FOR (n:Concept|QA) ON EACH [n.text, n.question]`,
	}
	if vectorDims > 0 {
		statements = append(statements, fmt.Sprintf(
			"CREATE VECTOR INDEX concept_embedding IF NOT EXISTS FOR (c:Concept) ON (c.embedding) "+
				"OPTIONS {indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: 'cosine'}}", vectorDims))
	}
	ok := true
	for _, stmt := range statements {
		res, err := session.Run(ctx, stmt, nil)
		if err != nil {
			log.Warn("index creation failed (continuing)", "statement", stmt, "error", err)
			ok = false
			continue
		}
		_, _ = res.Consume(ctx)
	}
	return ok
}

// nodeRecords converts export nodes into UNWIND-ready parameter maps, split
// by label.
func nodeRecords(nodes []domain.ExportNode, syncedAt string) (concepts, qas []map[string]any) {
	for _, n := range nodes {
		switch n.Type {
		case domain.NodeTypeConcept:
			factsJSON := "[]"
			if raw, ok := n.Attributes["facts"]; ok {
				if b, err := json.Marshal(raw); err == nil {
					factsJSON = string(b)
				}
			}
			emb := make([]float64, len(n.Embedding))
			for i, f := range n.Embedding {
				emb[i] = float64(f)
			}
			concepts = append(concepts, map[string]any{
				"key":        n.ID,
				"text":       n.Attributes["text"],
				"facts_json": factsJSON,
				"embedding":  emb,
				"synced_at":  syncedAt,
			})
		case domain.NodeTypeQA:
			qas = append(qas, map[string]any{
				"key":       n.ID,
				"question":  n.Attributes["question"],
				"answer":    n.Attributes["answer"],
				"synced_at": syncedAt,
			})
		}
	}
	return concepts, qas
}

func edgeRecords(edges []domain.ExportEdge, syncedAt string) (related, addresses []map[string]any) {
	for _, e := range edges {
		rec := map[string]any{
			"from_key":  e.From,
			"to_key":    e.To,
			"synced_at": syncedAt,
		}
		switch e.Type {
		case domain.EdgeTypeRelatedTo:
			related = append(related, rec)
		case domain.EdgeTypeAddresses:
			addresses = append(addresses, rec)
		}
	}
	return related, addresses
}

func splitBatches(recs []map[string]any, size int) [][]map[string]any {
	if len(recs) == 0 {
		return nil
	}
	out := make([][]map[string]any, 0, (len(recs)+size-1)/size)
	for off := 0; off < len(recs); off += size {
		end := off + size
		if end > len(recs) {
			end = len(recs)
		}
		out = append(out, recs[off:end])
	}
	return out
}
