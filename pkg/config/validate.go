package config

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawlcore/pkg/committer"
	"github.com/Sriram-PR/crawlcore/pkg/spoil"
	"github.com/Sriram-PR/crawlcore/pkg/storage"
	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

const (
	defaultWorkDir           = "./crawlcore-work"
	defaultMaxMemoryPool     = "1GiB"
	defaultMaxMemoryInstance = "100MiB"
)

// Validate checks CollectorConfig fields, applies defaults in place and
// validates every crawler. Returns collected warnings and any fatal error.
func (c *CollectorConfig) Validate() (warnings []string, err error) {
	if c.ID == "" {
		return nil, fmt.Errorf("%w: collector needs an id", utils.ErrConfigValidation)
	}
	if err := checkID("collector", c.ID); err != nil {
		return nil, err
	}

	if c.WorkDir == "" {
		warnings = append(warnings, fmt.Sprintf("work_dir is empty, defaulting to '%s'", defaultWorkDir))
		c.WorkDir = defaultWorkDir
	}

	if c.MaxConcurrentCrawlers < 0 {
		warnings = append(warnings, "max_concurrent_crawlers cannot be negative, running all crawlers at once")
		c.MaxConcurrentCrawlers = 0
	}
	if c.CrawlersStartInterval < 0 {
		warnings = append(warnings, "crawlers_start_interval cannot be negative, setting to 0")
		c.CrawlersStartInterval = 0
	}
	if c.DeferredShutdownDuration < 0 {
		warnings = append(warnings, "deferred_shutdown_duration cannot be negative, setting to 0")
		c.DeferredShutdownDuration = 0
	}
	if c.StopPollInterval <= 0 {
		c.StopPollInterval = defaultStopPollInterval
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = defaultProgressInterval
	}

	// Memory bounds
	if c.MaxMemoryPool == "" {
		c.MaxMemoryPool = defaultMaxMemoryPool
	}
	if c.MaxMemoryInstance == "" {
		c.MaxMemoryInstance = defaultMaxMemoryInstance
	}
	pool, err := humanize.ParseBytes(c.MaxMemoryPool)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid max_memory_pool '%s': %w", utils.ErrConfigValidation, c.MaxMemoryPool, err)
	}
	instance, err := humanize.ParseBytes(c.MaxMemoryInstance)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid max_memory_instance '%s': %w", utils.ErrConfigValidation, c.MaxMemoryInstance, err)
	}
	if instance > pool {
		warnings = append(warnings, fmt.Sprintf(
			"max_memory_instance (%s) > max_memory_pool (%s), using max_memory_pool for both",
			c.MaxMemoryInstance, c.MaxMemoryPool))
		instance = pool
	}
	c.MaxMemoryPoolBytes = int64(pool)
	c.MaxMemoryInstanceBytes = int64(instance)

	// Crawler defaults
	defWarnings, err := c.CrawlerDefaults.validateSettings()
	if err != nil {
		return nil, fmt.Errorf("crawler_defaults: %w", err)
	}
	for _, w := range defWarnings {
		warnings = append(warnings, "crawler_defaults: "+w)
	}

	// Crawlers
	if len(c.Crawlers) == 0 {
		return nil, fmt.Errorf("%w: collector '%s' has no crawlers", utils.ErrConfigValidation, c.ID)
	}
	seen := make(map[string]bool, len(c.Crawlers))
	for i := range c.Crawlers {
		cc := &c.Crawlers[i]
		ccWarnings, err := cc.Validate()
		if err != nil {
			return nil, fmt.Errorf("crawler #%d: %w", i, err)
		}
		if seen[cc.ID] {
			return nil, fmt.Errorf("%w: duplicate crawler id '%s'", utils.ErrConfigValidation, cc.ID)
		}
		seen[cc.ID] = true
		for _, w := range ccWarnings {
			warnings = append(warnings, fmt.Sprintf("crawler '%s': %s", cc.ID, w))
		}
		if len(cc.StartReferences) == 0 && len(cc.StartReferencesFiles) == 0 &&
			len(c.CrawlerDefaults.StartReferences) == 0 && len(c.CrawlerDefaults.StartReferencesFiles) == 0 {
			warnings = append(warnings, fmt.Sprintf("crawler '%s': no start references, only cached references will be revisited", cc.ID))
		}
	}

	return warnings, nil
}

// Validate checks CrawlerConfig fields. Returns collected warnings and any
// fatal error. Modifies receiver in place (e.g., strategy normalization).
func (c *CrawlerConfig) Validate() (warnings []string, err error) {
	if c.ID == "" {
		return nil, fmt.Errorf("%w: crawler needs an id", utils.ErrConfigValidation)
	}
	if err := checkID("crawler", c.ID); err != nil {
		return nil, err
	}
	return c.validateSettings()
}

func checkID(kind, id string) error {
	if utils.SanitizeFilename(id) != id {
		return fmt.Errorf("%w: %s id '%s' must be usable as a directory name", utils.ErrConfigValidation, kind, id)
	}
	return nil
}

// validateSettings checks everything except the id, so it also serves the
// crawler defaults.
func (c *CrawlerConfig) validateSettings() (warnings []string, err error) {
	if c.NumThreads < 0 {
		warnings = append(warnings, "num_threads cannot be negative, inheriting the default")
		c.NumThreads = 0
	}

	if c.OrphansStrategy != "" {
		s := OrphansStrategy(strings.ToUpper(strings.TrimSpace(string(c.OrphansStrategy))))
		switch s {
		case OrphansProcess, OrphansDelete, OrphansIgnore:
			c.OrphansStrategy = s
		default:
			return nil, fmt.Errorf("%w: unknown orphans_strategy '%s'", utils.ErrConfigValidation, c.OrphansStrategy)
		}
	}

	if _, err := utils.ResolveStopErrors(c.StopOnErrors); err != nil {
		return nil, err
	}

	if c.Spoil != nil {
		if _, err := spoil.FromConfig(c.Spoil.Fallback, c.Spoil.Mappings); err != nil {
			return nil, err
		}
	}

	if c.Store != nil {
		storeWarnings, err := c.Store.Validate()
		if err != nil {
			return nil, err
		}
		warnings = append(warnings, storeWarnings...)
	}

	for i := range c.Committers {
		cw, err := c.Committers[i].Validate()
		if err != nil {
			return nil, fmt.Errorf("committer #%d: %w", i, err)
		}
		warnings = append(warnings, cw...)
	}
	return warnings, nil
}

// Validate checks StoreConfig fields and normalizes the engine name.
func (s *StoreConfig) Validate() (warnings []string, err error) {
	s.Engine = strings.ToLower(strings.TrimSpace(s.Engine))
	switch s.Engine {
	case "":
		s.Engine = storage.EngineBadger
	case storage.EngineBadger, storage.EngineMemory:
	case storage.EnginePostgres:
		if s.DSN == "" {
			return nil, fmt.Errorf("%w: postgres store needs a dsn", utils.ErrConfigValidation)
		}
	default:
		return nil, fmt.Errorf("%w: unknown store engine '%s'", utils.ErrConfigValidation, s.Engine)
	}
	if s.Engine != storage.EngineBadger && s.Dir != "" {
		warnings = append(warnings, fmt.Sprintf("store dir is ignored by the %s engine", s.Engine))
	}
	if s.BadgerLogLevel != "" {
		if _, err := logrus.ParseLevel(s.BadgerLogLevel); err != nil {
			return nil, fmt.Errorf("%w: invalid badger_log_level: %w", utils.ErrConfigValidation, err)
		}
	}
	if s.GCInterval < 0 {
		warnings = append(warnings, "store gc_interval cannot be negative, using the default")
		s.GCInterval = 0
	}
	return warnings, nil
}

// BadgerLevel returns the minimum level of badger messages to log.
func (s StoreConfig) BadgerLevel() logrus.Level {
	if lvl, err := logrus.ParseLevel(s.BadgerLogLevel); err == nil {
		return lvl
	}
	return logrus.WarnLevel
}

// Validate checks CommitterConfig fields.
func (c *CommitterConfig) Validate() (warnings []string, err error) {
	c.Type = strings.ToLower(strings.TrimSpace(c.Type))
	switch c.Type {
	case "":
		warnings = append(warnings, "committer type is empty, defaulting to 'jsonl'")
		c.Type = CommitterJSONL
	case CommitterJSONL, CommitterMemory:
	default:
		return nil, fmt.Errorf("%w: unknown committer type '%s'", utils.ErrConfigValidation, c.Type)
	}
	if c.Name == "" {
		c.Name = c.Type
	}
	if _, err := c.BuildRestrictions(); err != nil {
		return nil, err
	}
	return warnings, nil
}

// BuildRestrictions compiles the restriction patterns.
func (c CommitterConfig) BuildRestrictions() (committer.Restrictions, error) {
	var rs committer.Restrictions
	for _, rc := range c.Restrictions {
		if rc.Field == "" {
			return nil, fmt.Errorf("%w: committer restriction needs a field", utils.ErrConfigValidation)
		}
		r, err := committer.NewRestriction(rc.Field, rc.Pattern)
		if err != nil {
			return nil, err
		}
		rs = append(rs, r)
	}
	return rs, nil
}
