// Package pipeline runs the fetch and import stages for one reference on
// behalf of a crawler.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawlcore/pkg/checksum"
	"github.com/Sriram-PR/crawlcore/pkg/event"
	"github.com/Sriram-PR/crawlcore/pkg/importer"
	"github.com/Sriram-PR/crawlcore/pkg/models"
	"github.com/Sriram-PR/crawlcore/pkg/streams"
	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

// Host is the crawler running a pipeline.
type Host interface {
	ID() string
	// Queue submits a newly discovered reference for crawling.
	Queue(reference string, parent *models.CrawlDocInfo) error
	Fire(e event.Event)
	Streams() *streams.Factory
	DownloadDir() string
}

// Context carries one pipeline execution.
type Context struct {
	Ctx    context.Context
	Host   Host
	Doc    *models.CrawlDoc
	Orphan bool
	Log    *logrus.Entry
}

// ImporterPipeline produces an import response for a document, or nil when
// the document was rejected before import.
type ImporterPipeline interface {
	Execute(pctx *Context) (*importer.Response, error)
}

// Resetter is implemented by pipelines holding per-session state.
type Resetter interface {
	Reset()
}

// Fetcher obtains content and metadata for pctx.Doc and reports the
// resulting state. A fetcher signals success with StateNew.
type Fetcher interface {
	Fetch(pctx *Context) (models.CrawlState, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(pctx *Context) (models.CrawlState, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(pctx *Context) (models.CrawlState, error) { return f(pctx) }

// Deduper remembers which reference first produced a checksum in the
// current session.
type Deduper struct {
	seen sync.Map
}

// Register records checksum for reference. It returns the first reference
// seen with the same checksum and true when reference is a duplicate.
func (d *Deduper) Register(sum, reference string) (string, bool) {
	if sum == "" {
		return "", false
	}
	prev, loaded := d.seen.LoadOrStore(sum, reference)
	if !loaded || prev.(string) == reference {
		return "", false
	}
	return prev.(string), true
}

// Reset forgets every checksum.
func (d *Deduper) Reset() {
	d.seen.Range(func(k, _ any) bool {
		d.seen.Delete(k)
		return true
	})
}

// Options configure a Default pipeline.
type Options struct {
	Fetcher             Fetcher
	Importer            importer.Importer // nil imports documents unchanged
	MetadataChecksummer checksum.MetadataChecksummer
	DocumentChecksummer checksum.DocumentChecksummer
	DedupMetadata       bool
	DedupDocuments      bool
}

// Default runs fetch, change detection, deduplication and import.
type Default struct {
	opts      Options
	metaDedup Deduper
	docDedup  Deduper
}

// NewDefault creates a Default pipeline.
func NewDefault(opts Options) *Default {
	return &Default{opts: opts}
}

// Reset clears the deduplication registries.
func (p *Default) Reset() {
	p.metaDedup.Reset()
	p.docDedup.Reset()
}

var rejectionEvents = map[models.CrawlState]string{
	models.StateNotFound:   event.RejectedNotFound,
	models.StateBadStatus:  event.RejectedBadStatus,
	models.StateUnmodified: event.RejectedUnmodified,
	models.StatePremature:  event.RejectedPremature,
	models.StateError:      event.RejectedError,
}

func reject(pctx *Context, state models.CrawlState, name, format string, args ...any) {
	pctx.Doc.Info.State = state
	if name == "" {
		name = event.RejectedFilter
	}
	pctx.Host.Fire(event.New(name, pctx.Host).WithInfo(pctx.Doc.Info).WithMessage(format, args...))
}

// Execute implements ImporterPipeline.
func (p *Default) Execute(pctx *Context) (*importer.Response, error) {
	doc := pctx.Doc
	if doc.Metadata == nil {
		doc.Metadata = models.Metadata{}
	}

	if p.opts.Fetcher == nil {
		return nil, fmt.Errorf("%w: no fetcher configured", utils.ErrFetch)
	}
	state, err := p.opts.Fetcher.Fetch(pctx)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching '%s': %w", utils.ErrFetch, doc.Reference(), err)
	}
	if !state.IsNewOrModified() {
		reject(pctx, state, rejectionEvents[state], "fetch returned %s", state)
		return nil, nil
	}

	if !p.metadataStage(pctx) {
		return nil, nil
	}
	ok, err := p.documentStage(pctx)
	if err != nil || !ok {
		return nil, err
	}

	if doc.HasCache() && doc.Cached.State != models.StateDeleted {
		doc.Info.State = models.StateModified
	} else {
		doc.Info.State = models.StateNew
	}

	in := &importer.Document{
		Reference:   doc.Reference(),
		Metadata:    doc.Metadata,
		ContentType: doc.Info.ContentType,
		Content:     doc.Content,
	}
	if p.opts.Importer == nil {
		return importer.Success(in), nil
	}
	resp, err := p.opts.Importer.Import(pctx.Ctx, in)
	if err != nil {
		return nil, fmt.Errorf("%w: importing '%s': %w", utils.ErrImport, doc.Reference(), err)
	}
	return resp, nil
}

// metadataStage returns false when the document was rejected.
func (p *Default) metadataStage(pctx *Context) bool {
	if p.opts.MetadataChecksummer == nil {
		return true
	}
	doc := pctx.Doc
	sum := p.opts.MetadataChecksummer.CreateMetadataChecksum(doc.Metadata)
	doc.Info.MetaChecksum = sum
	if doc.HasCache() && checksum.Unchanged(sum, doc.Cached.MetaChecksum) {
		reject(pctx, models.StateUnmodified, event.RejectedUnmodified, "metadata checksum unchanged")
		return false
	}
	if p.opts.DedupMetadata {
		if orig, dup := p.metaDedup.Register(sum, doc.Reference()); dup {
			reject(pctx, models.StateRejected, event.RejectedDuplicate, "duplicate metadata of %s", orig)
			return false
		}
	}
	return true
}

func (p *Default) documentStage(pctx *Context) (bool, error) {
	if p.opts.DocumentChecksummer == nil {
		return true, nil
	}
	doc := pctx.Doc
	sum, err := p.opts.DocumentChecksummer.CreateDocumentChecksum(doc.Content)
	if err != nil {
		return false, err
	}
	doc.Info.ContentChecksum = sum
	if doc.HasCache() && checksum.Unchanged(sum, doc.Cached.ContentChecksum) {
		reject(pctx, models.StateUnmodified, event.RejectedUnmodified, "document checksum unchanged")
		return false, nil
	}
	if p.opts.DedupDocuments {
		if orig, dup := p.docDedup.Register(sum, doc.Reference()); dup {
			reject(pctx, models.StateRejected, event.RejectedDuplicate, "duplicate content of %s", orig)
			return false, nil
		}
	}
	return true, nil
}
