package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

// OrphansStrategy names what happens to cached references the current
// session did not reach.
type OrphansStrategy string

const (
	OrphansProcess OrphansStrategy = "PROCESS"
	OrphansDelete  OrphansStrategy = "DELETE"
	OrphansIgnore  OrphansStrategy = "IGNORE"
)

const (
	defaultStopPollInterval = time.Second
	defaultProgressInterval = 30 * time.Second
)

// Committer types understood by the CLI.
const (
	CommitterJSONL  = "jsonl"
	CommitterMemory = "memory"
)

// CollectorConfig is the root configuration document.
type CollectorConfig struct {
	ID                       string          `yaml:"id"`
	WorkDir                  string          `yaml:"work_dir"`
	TempDir                  string          `yaml:"temp_dir,omitempty"`
	MaxConcurrentCrawlers    int             `yaml:"max_concurrent_crawlers,omitempty"` // 0 = all at once
	CrawlersStartInterval    time.Duration   `yaml:"crawlers_start_interval,omitempty"`
	DeferredShutdownDuration time.Duration   `yaml:"deferred_shutdown_duration,omitempty"`
	MaxMemoryPool            string          `yaml:"max_memory_pool,omitempty"`     // e.g. "1GiB"
	MaxMemoryInstance        string          `yaml:"max_memory_instance,omitempty"` // e.g. "100MiB"
	StopPollInterval         time.Duration   `yaml:"stop_poll_interval,omitempty"`
	ProgressInterval         time.Duration   `yaml:"progress_interval,omitempty"`
	CrawlerDefaults          CrawlerConfig   `yaml:"crawler_defaults,omitempty"`
	Crawlers                 []CrawlerConfig `yaml:"crawlers"`

	// Parsed from MaxMemoryPool / MaxMemoryInstance by Validate.
	MaxMemoryPoolBytes     int64 `yaml:"-"`
	MaxMemoryInstanceBytes int64 `yaml:"-"`
}

// CrawlerConfig configures one crawler. Zero values inherit from the
// collector's crawler_defaults.
type CrawlerConfig struct {
	ID                     string            `yaml:"id"`
	NumThreads             int               `yaml:"num_threads,omitempty"`
	MaxDocuments           int               `yaml:"max_documents,omitempty"` // <0 = unlimited
	StartReferences        []string          `yaml:"start_references,omitempty"`
	StartReferencesFiles   []string          `yaml:"start_references_files,omitempty"`
	OrphansStrategy        OrphansStrategy   `yaml:"orphans_strategy,omitempty"`
	StopOnErrors           []string          `yaml:"stop_on_errors,omitempty"`
	MetadataChecksumFields []string          `yaml:"metadata_checksum_fields,omitempty"`
	DocumentChecksum       *bool             `yaml:"document_checksum,omitempty"`
	DedupMetadata          *bool             `yaml:"dedup_metadata,omitempty"`
	DedupDocuments         *bool             `yaml:"dedup_documents,omitempty"`
	KeepDownloads          *bool             `yaml:"keep_downloads,omitempty"`
	Store                  *StoreConfig      `yaml:"store,omitempty"`
	Spoil                  *SpoilConfig      `yaml:"spoiled_reference_strategies,omitempty"`
	Committers             []CommitterConfig `yaml:"committers,omitempty"`
}

// StoreConfig selects the reference store engine.
type StoreConfig struct {
	Engine         string        `yaml:"engine"`         // badger | memory | postgres
	Dir            string        `yaml:"dir,omitempty"`   // badger; default <work_dir>/<collector>/<crawler>/store
	DSN            string        `yaml:"dsn,omitempty"`   // postgres
	Table          string        `yaml:"table,omitempty"` // postgres table prefix
	MaxConns       int32         `yaml:"max_conns,omitempty"`
	GCInterval     time.Duration `yaml:"gc_interval,omitempty"`
	BadgerLogLevel string        `yaml:"badger_log_level,omitempty"`
}

// SpoilConfig maps bad states to spoiled reference strategies.
type SpoilConfig struct {
	Fallback string            `yaml:"fallback,omitempty"`
	Mappings map[string]string `yaml:"mappings,omitempty"` // state -> strategy
}

// CommitterConfig declares one committer.
type CommitterConfig struct {
	Type         string              `yaml:"type"`
	Name         string              `yaml:"name,omitempty"`
	Dir          string              `yaml:"dir,omitempty"`
	StoreContent bool                `yaml:"store_content,omitempty"`
	Restrictions []RestrictionConfig `yaml:"restrictions,omitempty"`
}

// RestrictionConfig limits a committer to requests whose field matches
// pattern. The field "reference" matches the document reference.
type RestrictionConfig struct {
	Field   string `yaml:"field"`
	Pattern string `yaml:"pattern"`
}

// Load reads and parses a configuration file. It does not validate.
func Load(path string) (*CollectorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w: %w", utils.ErrFilesystem, err)
	}
	var cfg CollectorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w: %w", utils.ErrParsing, err)
	}
	return &cfg, nil
}

// Crawler returns the crawler configuration with the given id.
func (c *CollectorConfig) Crawler(id string) (CrawlerConfig, bool) {
	for _, cc := range c.Crawlers {
		if cc.ID == id {
			return cc, true
		}
	}
	return CrawlerConfig{}, false
}

// CrawlerIDs returns the configured crawler ids in order.
func (c *CollectorConfig) CrawlerIDs() []string {
	ids := make([]string, len(c.Crawlers))
	for i, cc := range c.Crawlers {
		ids[i] = cc.ID
	}
	return ids
}

// GetEffectiveNumThreads resolves the worker count.
func GetEffectiveNumThreads(crawlerCfg, defaults CrawlerConfig) int {
	if crawlerCfg.NumThreads > 0 {
		return crawlerCfg.NumThreads
	}
	if defaults.NumThreads > 0 {
		return defaults.NumThreads
	}
	return 2
}

// GetEffectiveMaxDocuments resolves the document cap; <= 0 means unlimited.
func GetEffectiveMaxDocuments(crawlerCfg, defaults CrawlerConfig) int {
	if crawlerCfg.MaxDocuments != 0 {
		return crawlerCfg.MaxDocuments
	}
	return defaults.MaxDocuments
}

// GetEffectiveOrphansStrategy resolves the orphans strategy (PROCESS by default).
func GetEffectiveOrphansStrategy(crawlerCfg, defaults CrawlerConfig) OrphansStrategy {
	if crawlerCfg.OrphansStrategy != "" {
		return crawlerCfg.OrphansStrategy
	}
	if defaults.OrphansStrategy != "" {
		return defaults.OrphansStrategy
	}
	return OrphansProcess
}

// GetEffectiveStopOnErrors resolves the stop-on-error names.
func GetEffectiveStopOnErrors(crawlerCfg, defaults CrawlerConfig) []string {
	if crawlerCfg.StopOnErrors != nil {
		return crawlerCfg.StopOnErrors
	}
	return defaults.StopOnErrors
}

// GetEffectiveMetadataChecksumFields resolves the metadata checksum fields.
func GetEffectiveMetadataChecksumFields(crawlerCfg, defaults CrawlerConfig) []string {
	if crawlerCfg.MetadataChecksumFields != nil {
		return crawlerCfg.MetadataChecksumFields
	}
	return defaults.MetadataChecksumFields
}

func effectiveBool(v, def *bool, fallback bool) bool {
	if v != nil {
		return *v
	}
	if def != nil {
		return *def
	}
	return fallback
}

// GetEffectiveDocumentChecksum reports whether content checksums are computed (default true).
func GetEffectiveDocumentChecksum(crawlerCfg, defaults CrawlerConfig) bool {
	return effectiveBool(crawlerCfg.DocumentChecksum, defaults.DocumentChecksum, true)
}

// GetEffectiveDedupMetadata reports whether metadata duplicates are rejected.
func GetEffectiveDedupMetadata(crawlerCfg, defaults CrawlerConfig) bool {
	return effectiveBool(crawlerCfg.DedupMetadata, defaults.DedupMetadata, false)
}

// GetEffectiveDedupDocuments reports whether content duplicates are rejected.
func GetEffectiveDedupDocuments(crawlerCfg, defaults CrawlerConfig) bool {
	return effectiveBool(crawlerCfg.DedupDocuments, defaults.DedupDocuments, false)
}

// GetEffectiveKeepDownloads reports whether the download directory survives the run.
func GetEffectiveKeepDownloads(crawlerCfg, defaults CrawlerConfig) bool {
	return effectiveBool(crawlerCfg.KeepDownloads, defaults.KeepDownloads, false)
}

// GetEffectiveStore resolves the store configuration (badger by default).
func GetEffectiveStore(crawlerCfg, defaults CrawlerConfig) StoreConfig {
	if crawlerCfg.Store != nil {
		return *crawlerCfg.Store
	}
	if defaults.Store != nil {
		return *defaults.Store
	}
	return StoreConfig{Engine: "badger"}
}

// GetEffectiveSpoil resolves the spoiled reference strategies.
func GetEffectiveSpoil(crawlerCfg, defaults CrawlerConfig) SpoilConfig {
	if crawlerCfg.Spoil != nil {
		return *crawlerCfg.Spoil
	}
	if defaults.Spoil != nil {
		return *defaults.Spoil
	}
	return SpoilConfig{}
}

// GetEffectiveCommitters resolves the committer list.
func GetEffectiveCommitters(crawlerCfg, defaults CrawlerConfig) []CommitterConfig {
	if crawlerCfg.Committers != nil {
		return crawlerCfg.Committers
	}
	return defaults.Committers
}

// GetEffectiveStartReferences resolves the start references. A crawler
// listing its own references or files ignores the defaults.
func GetEffectiveStartReferences(crawlerCfg, defaults CrawlerConfig) []string {
	if len(crawlerCfg.StartReferences) > 0 || len(crawlerCfg.StartReferencesFiles) > 0 {
		return crawlerCfg.StartReferences
	}
	return defaults.StartReferences
}

// GetEffectiveStartReferencesFiles resolves the start reference files.
func GetEffectiveStartReferencesFiles(crawlerCfg, defaults CrawlerConfig) []string {
	if len(crawlerCfg.StartReferences) > 0 || len(crawlerCfg.StartReferencesFiles) > 0 {
		return crawlerCfg.StartReferencesFiles
	}
	return defaults.StartReferencesFiles
}
