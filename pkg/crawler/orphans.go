package crawler

import (
	"context"

	"github.com/Sriram-PR/crawlcore/pkg/config"
	"github.com/Sriram-PR/crawlcore/pkg/models"
)

// handleOrphans deals with references of the previous session that were
// not encountered in this one.
func (c *Crawler) handleOrphans(ctx context.Context) error {
	if c.orphans == config.OrphansIgnore {
		c.log.Info("Ignoring orphan references.")
		return nil
	}
	if c.maxDocumentsReached() {
		c.log.Info("Maximum documents reached, not handling orphans.")
		return nil
	}

	var orphans []*models.CrawlDocInfo
	count, err := c.docInfos.ForEachCached(func(info *models.CrawlDocInfo) bool {
		orphans = append(orphans, info)
		return true
	})
	if err != nil {
		return err
	}
	c.orphansFound = count
	if count == 0 {
		c.log.Info("No orphan references found.")
		return nil
	}

	for _, cached := range orphans {
		if err := c.docInfos.Queue(orphanInfo(cached)); err != nil {
			return err
		}
	}

	p := pass{orphan: true, delete: c.orphans == config.OrphansDelete}
	if p.delete {
		c.log.Infof("Deleting %d orphan reference(s)...", count)
	} else {
		c.log.Infof("Reprocessing %d orphan reference(s)...", count)
	}
	return c.processReferences(ctx, p)
}

// orphanInfo returns a fresh tracking record for a cached reference.
func orphanInfo(cached *models.CrawlDocInfo) *models.CrawlDocInfo {
	info := models.NewCrawlDocInfo(cached.Reference)
	info.Depth = cached.Depth
	info.ParentRootReference = cached.ParentRootReference
	info.IsRootParentReference = cached.IsRootParentReference
	return info
}
