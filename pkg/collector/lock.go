package collector

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/Sriram-PR/crawlcore/pkg/config"
	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

const (
	lockFileName = ".collector.lock"
	stopFileName = ".collector.stop"
)

// WorkDir returns the directory a collector with cfg works in.
func WorkDir(cfg *config.CollectorConfig) string {
	return filepath.Join(cfg.WorkDir, utils.SanitizeFilename(cfg.ID))
}

func (c *Collector) lock() error {
	if err := os.MkdirAll(c.workDir, 0755); err != nil {
		return fmt.Errorf("%w: creating work dir '%s': %w", utils.ErrFilesystem, c.workDir, err)
	}
	fl := flock.New(filepath.Join(c.workDir, lockFileName))
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("%w: locking '%s': %w", utils.ErrFilesystem, fl.Path(), err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", utils.ErrLockHeld, fl.Path())
	}
	c.flock = fl
	c.log.Debugf("Acquired collector lock %s", fl.Path())
	return nil
}

func (c *Collector) unlock() {
	if c.flock == nil {
		return
	}
	if err := c.flock.Unlock(); err != nil {
		c.log.Warnf("Releasing collector lock: %v", err)
	}
	c.flock = nil
}

// RequestStop asks the collector running over cfg's work directory, in this
// or another process, to stop. It fails with utils.ErrNotRunning when no
// collector holds the lock.
func RequestStop(cfg *config.CollectorConfig) error {
	dir := WorkDir(cfg)
	fl := flock.New(filepath.Join(dir, lockFileName))
	locked, err := fl.TryLock()
	_ = fl.Close()
	if errors.Is(err, os.ErrNotExist) || (err == nil && locked) {
		return fmt.Errorf("%w: %s", utils.ErrNotRunning, cfg.ID)
	}
	if err != nil {
		return fmt.Errorf("%w: probing lock: %w", utils.ErrFilesystem, err)
	}

	path := filepath.Join(dir, stopFileName)
	if err := os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)), 0644); err != nil {
		return fmt.Errorf("%w: writing stop request: %w", utils.ErrFilesystem, err)
	}
	return nil
}

// watchStopFile stops the collector when a stop request file appears.
func (c *Collector) watchStopFile(done <-chan struct{}) {
	path := filepath.Join(c.workDir, stopFileName)
	ticker := time.NewTicker(c.cfg.StopPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if _, err := os.Stat(path); err != nil {
				continue
			}
			c.log.Info("Stop request file found.")
			_ = os.Remove(path)
			c.Stop()
			return
		}
	}
}
