// Package config carries the pipeline tuning knobs. The similarity and
// convergence thresholds are empirical, so every one of them is
// configuration: defaults here, optional YAML file, env overrides on top.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/omnisure/policygraph/internal/platform/envutil"
)

type Pipeline struct {
	DomainContext string `yaml:"domain_context"`

	DedupThreshold        float64 `yaml:"dedup_threshold"`
	AddRateThreshold      float64 `yaml:"add_rate_threshold"`
	ConnectivityThreshold float64 `yaml:"connectivity_threshold"`

	MaxIterations        int `yaml:"max_iterations"`
	MaxCandidates        int `yaml:"max_candidates"`
	MaxConcurrency       int `yaml:"max_concurrency"`
	OracleTimeoutSeconds int `yaml:"oracle_timeout_seconds"`

	FactTopK          int     `yaml:"fact_top_k"`
	FactMinSimilarity float64 `yaml:"fact_min_similarity"`
	EmbedBatchSize    int     `yaml:"embed_batch_size"`

	ImportBatchSize  int `yaml:"import_batch_size"`
	ImportMaxRetries int `yaml:"import_max_retries"`
	VectorDimensions int `yaml:"vector_dimensions"`
}

func Defaults() Pipeline {
	return Pipeline{
		DomainContext:         "consumer insurance policies",
		DedupThreshold:        0.8,
		AddRateThreshold:      0.05,
		ConnectivityThreshold: 0.2,
		MaxIterations:         5,
		MaxCandidates:         10,
		MaxConcurrency:        8,
		OracleTimeoutSeconds:  30,
		FactTopK:              5,
		FactMinSimilarity:     0.3,
		EmbedBatchSize:        256,
		ImportBatchSize:       1000,
		ImportMaxRetries:      3,
		VectorDimensions:      1536,
	}
}

// Load layers: defaults, then the YAML file when path is non-empty, then env
// overrides.
func Load(path string) (Pipeline, error) {
	cfg := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		var file struct {
			Pipeline Pipeline `yaml:"pipeline"`
		}
		file.Pipeline = cfg
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg = file.Pipeline
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Pipeline) {
	cfg.DomainContext = envutil.Str("KG_DOMAIN_CONTEXT", cfg.DomainContext)
	cfg.DedupThreshold = envutil.Float("KG_DEDUP_THRESHOLD", cfg.DedupThreshold)
	cfg.AddRateThreshold = envutil.Float("KG_ADD_RATE_THRESHOLD", cfg.AddRateThreshold)
	cfg.ConnectivityThreshold = envutil.Float("KG_CONNECTIVITY_THRESHOLD", cfg.ConnectivityThreshold)
	cfg.MaxIterations = envutil.Int("KG_MAX_ITERATIONS", cfg.MaxIterations)
	cfg.MaxCandidates = envutil.Int("KG_MAX_CANDIDATES", cfg.MaxCandidates)
	cfg.MaxConcurrency = envutil.Int("KG_MAX_CONCURRENCY", cfg.MaxConcurrency)
	cfg.OracleTimeoutSeconds = envutil.Int("KG_ORACLE_TIMEOUT_SECONDS", cfg.OracleTimeoutSeconds)
	cfg.FactTopK = envutil.Int("KG_FACT_TOP_K", cfg.FactTopK)
	cfg.FactMinSimilarity = envutil.Float("KG_FACT_MIN_SIMILARITY", cfg.FactMinSimilarity)
	cfg.EmbedBatchSize = envutil.Int("KG_EMBED_BATCH_SIZE", cfg.EmbedBatchSize)
	cfg.ImportBatchSize = envutil.Int("KG_IMPORT_BATCH_SIZE", cfg.ImportBatchSize)
	cfg.ImportMaxRetries = envutil.Int("KG_IMPORT_MAX_RETRIES", cfg.ImportMaxRetries)
	cfg.VectorDimensions = envutil.Int("KG_VECTOR_DIMENSIONS", cfg.VectorDimensions)
}
