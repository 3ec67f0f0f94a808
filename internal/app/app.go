// Package app wires the pipeline's external clients from the environment.
// Redis and Neo4j are optional, run reports fall back to local SQLite; only
// the OpenAI client is required.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/omnisure/policygraph/internal/data/db"
	"github.com/omnisure/policygraph/internal/data/repos/runs"
	"github.com/omnisure/policygraph/internal/kg/graph"
	"github.com/omnisure/policygraph/internal/kg/oracle"
	"github.com/omnisure/policygraph/internal/observability"
	"github.com/omnisure/policygraph/internal/platform/envutil"
	"github.com/omnisure/policygraph/internal/platform/logger"
	"github.com/omnisure/policygraph/internal/platform/neo4jdb"
	"github.com/omnisure/policygraph/internal/platform/openai"
	"github.com/omnisure/policygraph/internal/platform/rediscache"
)

type App struct {
	Log    *logger.Logger
	AI     openai.Client
	Oracle *oracle.ConceptOracle
	Cache  graph.Cache
	Neo4j  *neo4jdb.Client
	Store  *db.Service
	Runs   runs.Repo

	embedCache *rediscache.EmbeddingCache
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	if observability.Enabled() {
		observability.Init(log)
	}

	ai, err := openai.NewClient(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init openai client: %w", err)
	}

	a := &App{
		Log:    log,
		AI:     ai,
		Oracle: oracle.New(ai, log),
	}

	embedCache, err := rediscache.NewFromEnv(log)
	if err != nil {
		log.Warn("embedding cache unavailable; continuing without it", "error", err)
	} else if embedCache != nil {
		a.embedCache = embedCache
		a.Cache = embedCache.ForModel(envutil.Str("OPENAI_EMBED_MODEL", "text-embedding-3-small"))
	}

	neo, err := neo4jdb.NewFromEnv(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init neo4j client: %w", err)
	}
	a.Neo4j = neo

	store, err := db.NewService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init run store: %w", err)
	}
	if store != nil {
		a.Store = store
		repo, err := runs.NewRepo(store.DB(), log)
		if err != nil {
			log.Sync()
			return nil, fmt.Errorf("init run repo: %w", err)
		}
		a.Runs = repo
	}

	return a, nil
}

func (a *App) Close(ctx context.Context) {
	if a.Neo4j != nil {
		if err := a.Neo4j.Close(ctx); err != nil {
			a.Log.Warn("closing neo4j", "error", err)
		}
	}
	if a.embedCache != nil {
		if err := a.embedCache.Close(); err != nil {
			a.Log.Warn("closing redis", "error", err)
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Log.Warn("closing run store", "error", err)
		}
	}
	a.Log.Sync()
}
