package collector

import (
	"fmt"
	"strings"

	"github.com/Sriram-PR/crawlcore/pkg/checksum"
	"github.com/Sriram-PR/crawlcore/pkg/committer"
	"github.com/Sriram-PR/crawlcore/pkg/committer/jsonl"
	"github.com/Sriram-PR/crawlcore/pkg/committer/memory"
	"github.com/Sriram-PR/crawlcore/pkg/config"
	"github.com/Sriram-PR/crawlcore/pkg/importer"
	"github.com/Sriram-PR/crawlcore/pkg/pipeline"
	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

// PipelineFactory builds the importer pipeline of one crawler.
type PipelineFactory func(crawlerCfg, defaults config.CrawlerConfig) (pipeline.ImporterPipeline, error)

// CommitterFactory builds one configured committer.
type CommitterFactory func(cfg config.CommitterConfig) (committer.Committer, error)

// DefaultPipelineFactory returns a factory building pipeline.Default around
// fetcher and imp, with checksum and dedup settings taken from the crawler
// configuration. imp may be nil.
func DefaultPipelineFactory(fetcher pipeline.Fetcher, imp importer.Importer) PipelineFactory {
	return func(crawlerCfg, defaults config.CrawlerConfig) (pipeline.ImporterPipeline, error) {
		if fetcher == nil {
			return nil, fmt.Errorf("%w: crawler '%s' has no fetcher", utils.ErrConfigValidation, crawlerCfg.ID)
		}
		opts := pipeline.Options{
			Fetcher:        fetcher,
			Importer:       imp,
			DedupMetadata:  config.GetEffectiveDedupMetadata(crawlerCfg, defaults),
			DedupDocuments: config.GetEffectiveDedupDocuments(crawlerCfg, defaults),
		}
		if fields := config.GetEffectiveMetadataChecksumFields(crawlerCfg, defaults); len(fields) > 0 {
			opts.MetadataChecksummer = &checksum.GenericMetadataChecksummer{Fields: fields}
		}
		if config.GetEffectiveDocumentChecksum(crawlerCfg, defaults) {
			opts.DocumentChecksummer = checksum.MD5DocumentChecksummer{}
		}
		return pipeline.NewDefault(opts), nil
	}
}

// DefaultCommitterFactory builds the committer types known to config.
func DefaultCommitterFactory(cfg config.CommitterConfig) (committer.Committer, error) {
	restrictions, err := cfg.BuildRestrictions()
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(cfg.Type) {
	case "", config.CommitterJSONL:
		return jsonl.New(jsonl.Options{
			Name:         cfg.Name,
			Dir:          cfg.Dir,
			StoreContent: cfg.StoreContent,
			Restrictions: restrictions,
		}), nil
	case config.CommitterMemory:
		c := memory.New(cfg.Name)
		c.Restrictions = restrictions
		return c, nil
	default:
		return nil, fmt.Errorf("%w: unknown committer type '%s'", utils.ErrConfigValidation, cfg.Type)
	}
}
