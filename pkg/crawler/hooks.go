package crawler

import "github.com/Sriram-PR/crawlcore/pkg/models"

// Hooks let embedders customize a crawler without replacing it.
// Every field is optional.
type Hooks struct {
	// BeforeExecution replaces the default start-reference queueing. The
	// initial queue is complete when it returns, unless it queues more
	// through Crawler.Seed.
	BeforeExecution func(c *Crawler, resumed bool) error
	AfterExecution  func(c *Crawler)
	// BeforeFinalize runs before a reference's outcome is recorded.
	BeforeFinalize func(c *Crawler, doc *models.CrawlDoc)
	// MarkReferenceVariationsProcessed runs after a reference was recorded,
	// so equivalent forms of it can be recorded too.
	MarkReferenceVariationsProcessed func(c *Crawler, info *models.CrawlDocInfo)
}
