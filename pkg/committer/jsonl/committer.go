// Package jsonl provides a file-system committer writing JSON-lines records.
package jsonl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/crawlcore/pkg/committer"
	"github.com/Sriram-PR/crawlcore/pkg/models"
	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

const (
	UpsertsFile = "upserts.jsonl"
	DeletesFile = "deletes.jsonl"
	SummaryFile = "summary.yaml"
	ContentDir  = "content"
)

// Record is one line of upserts.jsonl or deletes.jsonl.
type Record struct {
	Reference   string          `json:"reference"`
	Operation   string          `json:"operation"`
	Metadata    models.Metadata `json:"metadata,omitempty"`
	ContentType string          `json:"content_type,omitempty"`
	ContentFile string          `json:"content_file,omitempty"`
	ContentSize int64           `json:"content_size,omitempty"`
	ContentHash string          `json:"content_sha256,omitempty"`
	CommittedAt string          `json:"committed_at"`
}

// Summary is written to summary.yaml when the committer closes.
type Summary struct {
	Committer string    `yaml:"committer"`
	CrawlerID string    `yaml:"crawler_id"`
	Opened    time.Time `yaml:"opened"`
	Closed    time.Time `yaml:"closed"`
	Upserts   int       `yaml:"upserts"`
	Deletes   int       `yaml:"deletes"`
	Failures  int       `yaml:"failures"`
}

// Options configure a Committer.
type Options struct {
	Name string
	// Dir overrides the per-committer work directory handed over by Init.
	Dir string
	// StoreContent writes upserted content to content/<sha>.bin.
	StoreContent bool
	Restrictions committer.Restrictions
}

// Committer appends upserts and deletes to JSON-lines files. Output
// accumulates across runs until Clean.
type Committer struct {
	opts Options
	log  *logrus.Entry

	dir       string
	crawlerID string
	opened    time.Time

	mu          sync.Mutex
	upsertsFile *os.File
	deletesFile *os.File
	upserts     int
	deletes     int
	failures    int
}

// New creates a Committer. Files are opened by Init.
func New(opts Options) *Committer {
	if opts.Name == "" {
		opts.Name = "jsonl"
	}
	return &Committer{opts: opts, dir: opts.Dir}
}

// Name implements committer.Committer.
func (c *Committer) Name() string { return c.opts.Name }

// Dir returns the output directory (valid after Init).
func (c *Committer) Dir() string { return c.dir }

// Init opens the output files.
func (c *Committer) Init(_ context.Context, cctx *committer.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.log = cctx.Log
	c.crawlerID = cctx.CrawlerID
	if c.dir == "" {
		c.dir = cctx.WorkDir
	}
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("%w: creating committer dir '%s': %w", utils.ErrFilesystem, c.dir, err)
	}
	if c.opts.StoreContent {
		if err := os.MkdirAll(filepath.Join(c.dir, ContentDir), 0755); err != nil {
			return fmt.Errorf("%w: creating content dir: %w", utils.ErrFilesystem, err)
		}
	}

	var err error
	if c.upsertsFile, err = c.openFile(UpsertsFile); err != nil {
		return err
	}
	if c.deletesFile, err = c.openFile(DeletesFile); err != nil {
		_ = c.upsertsFile.Close()
		c.upsertsFile = nil
		return err
	}
	c.opened = time.Now()
	c.log.Infof("JSONL committer writing to %s", c.dir)
	return nil
}

func (c *Committer) openFile(name string) (*os.File, error) {
	path := filepath.Join(c.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening '%s': %w", utils.ErrFilesystem, path, err)
	}
	return f, nil
}

// Accept implements committer.Committer.
func (c *Committer) Accept(req committer.Request) bool {
	return c.opts.Restrictions.Matches(req)
}

// Upsert writes a record and, when enabled, the content file.
func (c *Committer) Upsert(_ context.Context, req *committer.UpsertRequest) error {
	rec := Record{
		Reference:   req.Reference,
		Operation:   "upsert",
		Metadata:    req.Metadata,
		ContentType: req.ContentType,
		CommittedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if c.opts.StoreContent && req.Content != nil {
		if err := c.writeContent(req, &rec); err != nil {
			c.countFailure()
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writeRecord(c.upsertsFile, rec); err != nil {
		c.failures++
		return err
	}
	c.upserts++
	return nil
}

func (c *Committer) writeContent(req *committer.UpsertRequest, rec *Record) error {
	name := utils.CalculateStringSHA256(req.Reference) + ".bin"
	path := filepath.Join(c.dir, ContentDir, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: creating content file: %w", utils.ErrFilesystem, err)
	}
	n, copyErr := io.Copy(f, req.Content)
	closeErr := f.Close()
	if copyErr != nil {
		return fmt.Errorf("%w: writing content for '%s': %w", utils.ErrStream, req.Reference, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("%w: closing content file: %w", utils.ErrFilesystem, closeErr)
	}
	hash, err := utils.CalculateFileSHA256(path)
	if err != nil {
		return err
	}
	rec.ContentFile = filepath.ToSlash(filepath.Join(ContentDir, name))
	rec.ContentSize = n
	rec.ContentHash = hash
	return nil
}

// Delete writes a delete record and removes any stored content.
func (c *Committer) Delete(_ context.Context, req *committer.DeleteRequest) error {
	if c.opts.StoreContent {
		path := filepath.Join(c.dir, ContentDir, utils.CalculateStringSHA256(req.Reference)+".bin")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			c.log.Warnf("Could not remove content file '%s': %v", path, err)
		}
	}
	rec := Record{
		Reference:   req.Reference,
		Operation:   "delete",
		Metadata:    req.Metadata,
		CommittedAt: time.Now().UTC().Format(time.RFC3339),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writeRecord(c.deletesFile, rec); err != nil {
		c.failures++
		return err
	}
	c.deletes++
	return nil
}

// writeRecord must be called with mu held.
func (c *Committer) writeRecord(f *os.File, rec Record) error {
	if f == nil {
		return fmt.Errorf("%w: committer '%s' is not initialized", utils.ErrCommitter, c.opts.Name)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encoding record for '%s': %w", utils.ErrParsing, rec.Reference, err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: writing record for '%s': %w", utils.ErrFilesystem, rec.Reference, err)
	}
	return nil
}

func (c *Committer) countFailure() {
	c.mu.Lock()
	c.failures++
	c.mu.Unlock()
}

// Counts returns upserts and deletes written since Init.
func (c *Committer) Counts() (upserts, deletes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upserts, c.deletes
}

// Close syncs and closes the files and writes summary.yaml.
func (c *Committer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for _, f := range []*os.File{c.upsertsFile, c.deletesFile} {
		if f == nil {
			continue
		}
		if err := f.Sync(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: syncing '%s': %w", utils.ErrFilesystem, f.Name(), err)
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: closing '%s': %w", utils.ErrFilesystem, f.Name(), err)
		}
	}
	wasOpen := c.upsertsFile != nil
	c.upsertsFile, c.deletesFile = nil, nil
	if !wasOpen {
		return firstErr
	}

	if err := c.writeSummary(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (c *Committer) writeSummary() error {
	summary := Summary{
		Committer: c.opts.Name,
		CrawlerID: c.crawlerID,
		Opened:    c.opened,
		Closed:    time.Now(),
		Upserts:   c.upserts,
		Deletes:   c.deletes,
		Failures:  c.failures,
	}
	data, err := yaml.Marshal(summary)
	if err != nil {
		return fmt.Errorf("%w: encoding summary: %w", utils.ErrParsing, err)
	}
	path := filepath.Join(c.dir, SummaryFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("%w: writing summary '%s': %w", utils.ErrFilesystem, path, err)
	}
	return nil
}

// Clean removes the output directory.
func (c *Committer) Clean() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dir == "" {
		return nil
	}
	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("%w: removing '%s': %w", utils.ErrFilesystem, c.dir, err)
	}
	return nil
}
