package crawler

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Sriram-PR/crawlcore/pkg/config"
	"github.com/Sriram-PR/crawlcore/pkg/event"
	"github.com/Sriram-PR/crawlcore/pkg/storage"
	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

// MarkQueueInitialized tells idle workers no more initial references are
// coming. It happens on its own once BeforeExecution and every Seed function
// have returned; hooks only call it to end the initial phase earlier.
func (c *Crawler) MarkQueueInitialized() { c.queueInitialized.Store(true) }

// Seed runs fn in the background as part of the initial queueing. Workers
// keep waiting for references until every seeding function returned. It is
// meant for BeforeExecution hooks.
func (c *Crawler) Seed(fn func()) {
	c.seeding.Add(1)
	go func() {
		defer c.seeding.Done()
		fn()
	}()
}

// QueueStartReferences queues the configured start references in the
// background. Nothing is queued when resuming.
func (c *Crawler) QueueStartReferences(resumed bool) error {
	if resumed {
		return nil
	}
	refs := config.GetEffectiveStartReferences(c.cfg, c.defaults)
	files := config.GetEffectiveStartReferencesFiles(c.cfg, c.defaults)

	c.Seed(func() {
		queued := 0
		for _, ref := range refs {
			if c.IsStopped() {
				return
			}
			if c.queueStart(ref) {
				queued++
			}
		}
		for _, path := range files {
			n, err := c.queueStartFile(path)
			queued += n
			if err != nil {
				c.log.WithField("category", utils.CategorizeError(err)).Errorf("Reading start references file: %v", err)
			}
		}
		c.log.Infof("Queued %d start reference(s).", queued)
	})
	return nil
}

func (c *Crawler) queueStart(ref string) bool {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return false
	}
	if err := c.Queue(ref, nil); err != nil {
		c.log.WithField("reference", ref).Errorf("Could not queue start reference: %v", err)
		return false
	}
	return true
}

// queueStartFile queues one reference per line. Blank lines and lines
// starting with '#' are skipped.
func (c *Crawler) queueStartFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", utils.ErrFilesystem, err)
	}
	defer f.Close()

	queued := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if c.IsStopped() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if c.queueStart(line) {
			queued++
		}
	}
	if err := scanner.Err(); err != nil {
		return queued, fmt.Errorf("%w: reading '%s': %w", utils.ErrFilesystem, path, err)
	}
	return queued, nil
}

// Clean removes every trace of previous runs: the reference store,
// committer data and the crawler work directory.
func (c *Crawler) Clean(ctx context.Context) error {
	if c.IsRunning() {
		return ErrAlreadyRunning
	}
	c.Fire(event.New(event.CrawlerCleanBegin, c))

	store, cancel, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	cleanErr := store.Clean()
	if err := closeStore(store, cancel); err != nil && cleanErr == nil {
		cleanErr = err
	}
	if cleanErr != nil {
		return fmt.Errorf("cleaning store of crawler '%s': %w", c.id, cleanErr)
	}

	if err := c.committers.Init(ctx, c.id, filepath.Join(c.workDir, "committers")); err != nil {
		return err
	}
	if err := c.committers.Close(); err != nil {
		c.log.Warnf("Closing committers before clean: %v", err)
	}
	if err := c.committers.Clean(); err != nil {
		return err
	}

	if err := os.RemoveAll(c.workDir); err != nil {
		return fmt.Errorf("%w: removing '%s': %w", utils.ErrFilesystem, c.workDir, err)
	}
	c.log.Info("Crawler cleaned.")
	c.Fire(event.New(event.CrawlerCleanEnd, c))
	return nil
}

// ExportFileName is the archive name ExportStore writes into its directory.
func (c *Crawler) ExportFileName() string {
	return utils.SanitizeFilename(c.id) + "-store.jsonl.gz"
}

// ExportStore writes the reference store to an archive in dir and returns
// its path.
func (c *Crawler) ExportStore(ctx context.Context, dir string) (string, error) {
	if c.IsRunning() {
		return "", ErrAlreadyRunning
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("%w: creating '%s': %w", utils.ErrFilesystem, dir, err)
	}
	store, cancel, err := c.openStore(ctx)
	if err != nil {
		return "", err
	}
	defer closeStore(store, cancel)

	path := filepath.Join(dir, c.ExportFileName())
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", utils.ErrFilesystem, err)
	}
	n, err := storage.Export(store, f, c.id)
	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("%w: %w", utils.ErrFilesystem, closeErr)
	}
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}
	c.log.Infof("Exported %d store entries to %s", n, path)
	return path, nil
}

// ImportStore loads an archive written by ExportStore into the reference
// store and returns the number of entries imported.
func (c *Crawler) ImportStore(ctx context.Context, path string) (int, error) {
	if c.IsRunning() {
		return 0, ErrAlreadyRunning
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", utils.ErrFilesystem, err)
	}
	defer f.Close()

	store, cancel, err := c.openStore(ctx)
	if err != nil {
		return 0, err
	}
	defer closeStore(store, cancel)

	header, n, err := storage.Import(store, f)
	if err != nil {
		return n, err
	}
	if header != nil && header.CrawlerID != "" && header.CrawlerID != c.id {
		c.log.Warnf("Imported archive of crawler '%s' into crawler '%s'", header.CrawlerID, c.id)
	}
	c.log.Infof("Imported %d store entries from %s", n, path)
	return n, nil
}

func closeStore(store storage.Store, cancel context.CancelFunc) error {
	cancel()
	return store.Close()
}
