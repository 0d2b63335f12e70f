package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/crawlcore/pkg/checksum"
	"github.com/Sriram-PR/crawlcore/pkg/event"
	"github.com/Sriram-PR/crawlcore/pkg/importer"
	"github.com/Sriram-PR/crawlcore/pkg/models"
	"github.com/Sriram-PR/crawlcore/pkg/streams"
	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

type fakeHost struct {
	mu      sync.Mutex
	events  []event.Event
	queued  []string
	factory *streams.Factory
}

func newFakeHost(t *testing.T) *fakeHost {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return &fakeHost{factory: streams.NewFactory(1<<20, 1<<20, t.TempDir(), logrus.NewEntry(log))}
}

func (h *fakeHost) ID() string { return "test-crawler" }
func (h *fakeHost) Queue(ref string, _ *models.CrawlDocInfo) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queued = append(h.queued, ref)
	return nil
}
func (h *fakeHost) Fire(e event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
}
func (h *fakeHost) Streams() *streams.Factory { return h.factory }
func (h *fakeHost) DownloadDir() string       { return "" }

func (h *fakeHost) eventNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var names []string
	for _, e := range h.events {
		names = append(names, e.Name)
	}
	return names
}

// bodies maps references to content; missing references are NOT_FOUND.
func bodyFetcher(bodies map[string]string) Fetcher {
	return FetcherFunc(func(pctx *Context) (models.CrawlState, error) {
		body, ok := bodies[pctx.Doc.Reference()]
		if !ok {
			return models.StateNotFound, nil
		}
		pctx.Doc.Content = pctx.Host.Streams().NewStreamFromBytes([]byte(body))
		pctx.Doc.Metadata.Set("size", string(rune('0'+len(body)%10)))
		return models.StateNew, nil
	})
}

func run(t *testing.T, p *Default, host *fakeHost, ref string, cached *models.CrawlDocInfo) (*models.CrawlDoc, *importer.Response, error) {
	t.Helper()
	doc := models.NewCrawlDoc(models.NewCrawlDocInfo(ref), cached, false)
	t.Cleanup(func() { doc.Dispose() })
	resp, err := p.Execute(&Context{Ctx: context.Background(), Host: host, Doc: doc})
	return doc, resp, err
}

func TestDefault_NewAndModified(t *testing.T) {
	host := newFakeHost(t)
	p := NewDefault(Options{
		Fetcher:             bodyFetcher(map[string]string{"r1": "hello"}),
		DocumentChecksummer: checksum.MD5DocumentChecksummer{},
	})

	doc, resp, err := run(t, p, host, "r1", nil)
	require.NoError(t, err)
	require.True(t, resp.IsSuccess())
	assert.Equal(t, models.StateNew, doc.Info.State)
	assert.Equal(t, utils.CalculateStringMD5("hello"), doc.Info.ContentChecksum)

	cached := &models.CrawlDocInfo{Reference: "r1", State: models.StateNew, ContentChecksum: "other"}
	doc, resp, err = run(t, p, host, "r1", cached)
	require.NoError(t, err)
	require.True(t, resp.IsSuccess())
	assert.Equal(t, models.StateModified, doc.Info.State)
}

func TestDefault_Unmodified(t *testing.T) {
	host := newFakeHost(t)
	p := NewDefault(Options{
		Fetcher:             bodyFetcher(map[string]string{"r1": "hello"}),
		DocumentChecksummer: checksum.MD5DocumentChecksummer{},
	})
	cached := &models.CrawlDocInfo{Reference: "r1", State: models.StateNew, ContentChecksum: utils.CalculateStringMD5("hello")}

	doc, resp, err := run(t, p, host, "r1", cached)
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, models.StateUnmodified, doc.Info.State)
	assert.Equal(t, []string{event.RejectedUnmodified}, host.eventNames())
}

func TestDefault_MetadataUnmodified(t *testing.T) {
	host := newFakeHost(t)
	p := NewDefault(Options{
		Fetcher:             bodyFetcher(map[string]string{"r1": "hello"}),
		MetadataChecksummer: &checksum.GenericMetadataChecksummer{Fields: []string{"size"}},
	})
	first, _, err := run(t, p, host, "r1", nil)
	require.NoError(t, err)
	require.NotEmpty(t, first.Info.MetaChecksum)

	doc, resp, err := run(t, p, host, "r1", first.Info.Clone())
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, models.StateUnmodified, doc.Info.State)
}

func TestDefault_FetchRejections(t *testing.T) {
	tests := []struct {
		state models.CrawlState
		event string
	}{
		{models.StateNotFound, event.RejectedNotFound},
		{models.StateBadStatus, event.RejectedBadStatus},
		{models.StatePremature, event.RejectedPremature},
		{models.StateRejected, event.RejectedFilter},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			host := newFakeHost(t)
			p := NewDefault(Options{Fetcher: FetcherFunc(func(*Context) (models.CrawlState, error) {
				return tt.state, nil
			})})
			doc, resp, err := run(t, p, host, "r1", nil)
			require.NoError(t, err)
			assert.Nil(t, resp)
			assert.Equal(t, tt.state, doc.Info.State)
			assert.Equal(t, []string{tt.event}, host.eventNames())
		})
	}
}

func TestDefault_DocumentDedup(t *testing.T) {
	host := newFakeHost(t)
	p := NewDefault(Options{
		Fetcher:             bodyFetcher(map[string]string{"a": "same", "b": "same"}),
		DocumentChecksummer: checksum.MD5DocumentChecksummer{},
		DedupDocuments:      true,
	})

	_, resp, err := run(t, p, host, "a", nil)
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())

	doc, resp, err := run(t, p, host, "b", nil)
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, models.StateRejected, doc.Info.State)
	assert.Equal(t, []string{event.RejectedDuplicate}, host.eventNames())

	// Reprocessing the original reference is not a duplicate.
	_, resp, err = run(t, p, host, "a", nil)
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())

	p.Reset()
	_, resp, err = run(t, p, host, "b", nil)
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())
}

func TestDefault_Errors(t *testing.T) {
	host := newFakeHost(t)

	p := NewDefault(Options{})
	_, _, err := run(t, p, host, "r1", nil)
	assert.ErrorIs(t, err, utils.ErrFetch)

	boom := errors.New("boom")
	p = NewDefault(Options{Fetcher: FetcherFunc(func(*Context) (models.CrawlState, error) {
		return models.StateUnset, boom
	})})
	_, _, err = run(t, p, host, "r1", nil)
	assert.ErrorIs(t, err, utils.ErrFetch)
	assert.ErrorIs(t, err, boom)

	p = NewDefault(Options{
		Fetcher: bodyFetcher(map[string]string{"r1": "x"}),
		Importer: importerFunc(func(context.Context, *importer.Document) (*importer.Response, error) {
			return nil, boom
		}),
	})
	_, _, err = run(t, p, host, "r1", nil)
	assert.ErrorIs(t, err, utils.ErrImport)
}

type importerFunc func(ctx context.Context, doc *importer.Document) (*importer.Response, error)

func (f importerFunc) Import(ctx context.Context, doc *importer.Document) (*importer.Response, error) {
	return f(ctx, doc)
}

func TestDefault_ImporterChain(t *testing.T) {
	host := newFakeHost(t)
	chain := importer.NewChain(importer.HandlerFunc(func(_ context.Context, doc *importer.Document) ([]*importer.Document, bool, error) {
		doc.Metadata.Set("imported", "yes")
		return nil, true, nil
	}))
	p := NewDefault(Options{Fetcher: bodyFetcher(map[string]string{"r1": "x"}), Importer: chain})

	doc, resp, err := run(t, p, host, "r1", nil)
	require.NoError(t, err)
	require.True(t, resp.IsSuccess())
	assert.Equal(t, "yes", doc.Metadata.Get("imported"))
}

func TestDeduper(t *testing.T) {
	var d Deduper
	_, dup := d.Register("", "a")
	assert.False(t, dup)
	_, dup = d.Register("x", "a")
	assert.False(t, dup)
	orig, dup := d.Register("x", "b")
	assert.True(t, dup)
	assert.Equal(t, "a", orig)
}
