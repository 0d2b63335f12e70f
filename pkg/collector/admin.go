package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Sriram-PR/crawlcore/pkg/crawler"
	"github.com/Sriram-PR/crawlcore/pkg/event"
)

// adminOp runs fn under the collector lock, between begin and end events.
func (c *Collector) adminOp(begin, end string, fn func() error) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.lock(); err != nil {
		return err
	}
	defer c.unlock()

	c.fire(begin)
	err := fn()
	c.fire(end)
	return err
}

// Clean wipes the stores, committer data and work directories of every
// crawler.
func (c *Collector) Clean(ctx context.Context) error {
	return c.adminOp(event.CollectorCleanBegin, event.CollectorCleanEnd, func() error {
		var errs []error
		for _, cr := range c.Crawlers() {
			if err := cr.Clean(ctx); err != nil {
				errs = append(errs, fmt.Errorf("cleaning crawler '%s': %w", cr.ID(), err))
			}
		}
		if err := os.RemoveAll(c.tempDir); err != nil {
			errs = append(errs, err)
		}
		if len(errs) == 0 {
			c.log.Info("Collector cleaned.")
		}
		return errors.Join(errs...)
	})
}

// ExportDataStore writes one store archive per crawler into dir and returns
// the archive paths.
func (c *Collector) ExportDataStore(ctx context.Context, dir string) ([]string, error) {
	var paths []string
	err := c.adminOp(event.CollectorExportBegin, event.CollectorExportEnd, func() error {
		var errs []error
		for _, cr := range c.Crawlers() {
			path, err := cr.ExportStore(ctx, dir)
			if err != nil {
				errs = append(errs, fmt.Errorf("exporting crawler '%s': %w", cr.ID(), err))
				continue
			}
			paths = append(paths, path)
		}
		return errors.Join(errs...)
	})
	return paths, err
}

// ImportDataStore loads store archives. Each archive goes to the crawler
// whose export file name it carries.
func (c *Collector) ImportDataStore(ctx context.Context, paths []string) error {
	return c.adminOp(event.CollectorImportBegin, event.CollectorImportEnd, func() error {
		byName := make(map[string]*crawler.Crawler)
		for _, cr := range c.Crawlers() {
			byName[cr.ExportFileName()] = cr
		}
		var errs []error
		for _, path := range paths {
			cr, ok := byName[filepath.Base(path)]
			if !ok {
				errs = append(errs, fmt.Errorf("no crawler matches archive '%s'", path))
				continue
			}
			if _, err := cr.ImportStore(ctx, path); err != nil {
				errs = append(errs, fmt.Errorf("importing into crawler '%s': %w", cr.ID(), err))
			}
		}
		return errors.Join(errs...)
	})
}
