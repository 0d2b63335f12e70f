package crawler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Sriram-PR/crawlcore/pkg/event"
	"github.com/Sriram-PR/crawlcore/pkg/importer"
	"github.com/Sriram-PR/crawlcore/pkg/models"
	"github.com/Sriram-PR/crawlcore/pkg/pipeline"
	"github.com/Sriram-PR/crawlcore/pkg/spoil"
	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

// pass describes how the references of one queue drain are handled.
type pass struct {
	orphan bool // References come from the previous session's cache
	delete bool // Send deletions instead of running the pipeline
}

// processReferences drains the queue with numThreads workers and returns
// the first error that stopped a worker.
func (c *Crawler) processReferences(ctx context.Context, p pass) error {
	var g errgroup.Group
	for i := 1; i <= c.numThreads; i++ {
		workerID := i
		workerLog := c.log.WithField("worker_id", workerID)
		g.Go(func() error {
			return c.worker(ctx, workerID, p, workerLog)
		})
	}
	return g.Wait()
}

func (c *Crawler) worker(ctx context.Context, id int, p pass, log *logrus.Entry) (err error) {
	c.Fire(event.New(event.CrawlerRunThreadBegin, c).WithSubject(id))
	log.Debug("Worker starting")
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{
				"panic_info":  r,
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC recovered in crawler worker")
			err = fmt.Errorf("panic in worker %d of crawler '%s': %v", id, c.id, r)
			c.Stop()
		}
		c.Fire(event.New(event.CrawlerRunThreadEnd, c).WithSubject(id))
		log.Debug("Worker finished")
	}()

	for !c.IsStopped() {
		if ctx.Err() != nil {
			log.Warnf("Context cancelled: %v", ctx.Err())
			c.Stop()
			return nil
		}
		more, err := c.processNextReference(ctx, p, log)
		if err != nil {
			log.WithField("category", utils.CategorizeError(err)).Errorf("Stopping crawler on error: %v", err)
			c.Stop()
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func (c *Crawler) maxDocumentsReached() bool {
	return c.maxDocuments > 0 && c.monitor.Processed() >= int64(c.maxDocuments)
}

// processNextReference handles one queued reference. It returns false once
// the worker has nothing left to do.
func (c *Crawler) processNextReference(ctx context.Context, p pass, log *logrus.Entry) (bool, error) {
	if c.maxDocumentsReached() {
		if c.maxDocsLogged.CompareAndSwap(false, true) {
			log.Infof("Maximum documents reached: %d", c.maxDocuments)
		}
		return false, nil
	}

	info, err := c.docInfos.Poll()
	if err != nil {
		return false, err
	}
	if info == nil {
		active, err := c.docInfos.ActiveCount()
		if err != nil {
			return false, err
		}
		if active > 0 || !c.queueInitialized.Load() {
			time.Sleep(time.Millisecond)
			return true, nil
		}
		return false, nil
	}

	return true, c.processReference(ctx, info, p, log)
}

// processReference runs one reference and its embedded documents. The
// returned error is non-nil only when it matches a configured stop error.
func (c *Crawler) processReference(ctx context.Context, info *models.CrawlDocInfo, p pass, log *logrus.Entry) error {
	cached, err := c.docInfos.GetCached(info.Reference)
	if err != nil {
		return err
	}
	doc := models.NewCrawlDoc(info, cached, p.orphan)
	docLog := log.WithField("reference", info.Reference)

	return c.runDocument(ctx, doc, docLog, func() ([]*importer.Response, error) {
		if p.delete {
			return nil, c.deleteReference(ctx, doc, docLog)
		}
		return c.importReference(ctx, doc, docLog)
	})
}

// runDocument executes work for doc and finalizes it exactly once, even
// when work panics. Nested responses are processed depth first afterwards.
func (c *Crawler) runDocument(ctx context.Context, doc *models.CrawlDoc, log *logrus.Entry,
	work func() ([]*importer.Response, error)) (err error) {

	start := time.Now()
	finalized := false
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{
				"panic_info":  r,
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC recovered while processing reference")
			doc.Info.State = models.StateError
			c.Fire(event.New(event.RejectedError, c).WithInfo(doc.Info).WithMessage("panic: %v", r))
			if !finalized {
				c.finalize(ctx, doc, log)
			}
			err = nil
		}
	}()

	nested, workErr := work()
	if workErr != nil {
		doc.Info.State = models.StateError
		c.Fire(event.New(event.RejectedError, c).WithInfo(doc.Info).WithErr(workErr))
		log.WithField("category", utils.CategorizeError(workErr)).Errorf("Could not process document: %v", workErr)
		finalized = true
		c.finalize(ctx, doc, log)
		if utils.MatchesAny(workErr, c.stopErrors) {
			return workErr
		}
		return nil
	}

	finalized = true
	c.finalize(ctx, doc, log)
	log.WithFields(logrus.Fields{
		"state":    doc.Info.State,
		"duration": time.Since(start),
	}).Debug("Reference processed")

	for _, child := range nested {
		if err := c.processNested(ctx, doc.Info, child, log); err != nil {
			return err
		}
	}
	return nil
}

func (c *Crawler) processNested(ctx context.Context, parent *models.CrawlDocInfo, resp *importer.Response, log *logrus.Entry) error {
	if resp == nil {
		return nil
	}
	ref := resp.Reference
	if ref == "" && resp.Document != nil {
		ref = resp.Document.Reference
	}
	info := models.NewChildDocInfo(ref, parent)
	cached, err := c.docInfos.GetCached(ref)
	if err != nil {
		return err
	}
	doc := models.NewCrawlDoc(info, cached, false)
	childLog := log.WithField("nested", ref)

	return c.runDocument(ctx, doc, childLog, func() ([]*importer.Response, error) {
		if resp.IsSuccess() {
			if doc.HasCache() && doc.Cached.State != models.StateDeleted {
				info.State = models.StateModified
			} else {
				info.State = models.StateNew
			}
		}
		return c.handleResponse(ctx, doc, resp, childLog)
	})
}

func (c *Crawler) importReference(ctx context.Context, doc *models.CrawlDoc, log *logrus.Entry) ([]*importer.Response, error) {
	resp, err := c.pipeline.Execute(&pipeline.Context{
		Ctx:    ctx,
		Host:   c,
		Doc:    doc,
		Orphan: doc.Orphan,
		Log:    log,
	})
	if err != nil {
		return nil, err
	}
	return c.handleResponse(ctx, doc, resp, log)
}

// handleResponse commits a successful import and returns its nested
// responses.
func (c *Crawler) handleResponse(ctx context.Context, doc *models.CrawlDoc, resp *importer.Response, log *logrus.Entry) ([]*importer.Response, error) {
	if resp == nil {
		if doc.Info.State.IsNewOrModified() {
			doc.Info.State = models.StateRejected
		}
		return nil, nil
	}

	if !resp.IsSuccess() {
		doc.Info.State = models.StateRejected
		e := event.New(event.RejectedImport, c).WithInfo(doc.Info).WithSubject(resp.Status.Code)
		if resp.Status.Err != nil {
			e = e.WithErr(resp.Status.Err)
		}
		c.Fire(e.WithMessage("%s", resp.Status.Description))
		log.Debugf("Import rejected: %s", resp.Status.Description)
		return nil, nil
	}

	c.Fire(event.New(event.DocumentImported, c).WithInfo(doc.Info))
	if d := resp.Document; d != nil {
		if d.Metadata != nil {
			doc.Metadata = d.Metadata
		}
		if d.ContentType != "" {
			doc.Info.ContentType = d.ContentType
		}
		if d.Content != nil && d.Content != doc.Content {
			if doc.Content != nil {
				if err := doc.Content.Dispose(); err != nil {
					log.Debugf("Disposing replaced content: %v", err)
				}
			}
			doc.Content = d.Content
		}
	}

	if err := c.committers.Upsert(ctx, doc); err != nil {
		return nil, err
	}
	return resp.Nested, nil
}

func (c *Crawler) deleteReference(ctx context.Context, doc *models.CrawlDoc, log *logrus.Entry) error {
	log.Debug("Deleting reference from committers")
	doc.Info.State = models.StateDeleted
	doc.Info.Graced = false
	return c.committers.Delete(ctx, doc)
}

// finalize records the outcome of doc. It never fails; problems are logged.
func (c *Crawler) finalize(ctx context.Context, doc *models.CrawlDoc, log *logrus.Entry) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{
				"panic_info":  r,
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC recovered while finalizing reference")
		}
		if err := doc.Dispose(); err != nil {
			log.Debugf("Disposing content: %v", err)
		}
	}()

	info := doc.Info
	if info.State == models.StateUnset {
		log.Warn("Reference has no state after processing, marking it BAD_STATUS")
		info.State = models.StateBadStatus
	}
	info.CrawlDate = time.Now().UTC()

	if c.hooks.BeforeFinalize != nil {
		c.hooks.BeforeFinalize(c, doc)
	}

	if !info.State.IsNewOrModified() && doc.HasCache() {
		info.BackfillFrom(doc.Cached)
	}

	if !info.State.IsGoodState() && info.State != models.StateDeleted {
		c.handleSpoiled(ctx, doc, log)
	}

	if err := c.docInfos.Processed(info); err != nil {
		log.WithField("category", utils.CategorizeError(err)).Errorf("Could not mark reference processed: %v", err)
	}
	if c.hooks.MarkReferenceVariationsProcessed != nil {
		c.hooks.MarkReferenceVariationsProcessed(c, info)
	}

	c.monitor.MarkProcessed()
	c.metrics.ObserveProcessed(c.id, info.State)
	c.countState(info.State)
}

// handleSpoiled applies the spoiled-reference strategy to a reference that
// was good in the previous session and no longer is.
func (c *Crawler) handleSpoiled(ctx context.Context, doc *models.CrawlDoc, log *logrus.Entry) {
	cached := doc.Cached
	if cached == nil || cached.State == models.StateDeleted {
		return
	}
	info := doc.Info
	strategy := c.strategizer.Resolve(info.Reference, info.State)
	switch strategy {
	case spoil.Ignore:
		log.Debugf("Ignoring spoiled reference (%s)", info.State)
		info.Graced = true
	case spoil.Delete:
		c.deleteSpoiled(ctx, doc, log)
	case spoil.GraceOnce:
		if !cached.State.IsGoodState() {
			log.Infof("Spoiled reference already graced once (%s), deleting it", info.State)
			c.deleteSpoiled(ctx, doc, log)
		} else {
			log.Infof("Spoiled reference graced once (%s), keeping it this time", info.State)
			info.Graced = true
		}
	}
}

func (c *Crawler) deleteSpoiled(ctx context.Context, doc *models.CrawlDoc, log *logrus.Entry) {
	if err := c.deleteReference(ctx, doc, log); err != nil {
		log.WithField("category", utils.CategorizeError(err)).Errorf("Could not delete spoiled reference: %v", err)
	}
}
