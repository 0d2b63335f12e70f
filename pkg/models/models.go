package models

import (
	"sort"
	"sync"
	"time"

	"github.com/Sriram-PR/crawlcore/pkg/streams"
)

// CrawlDocInfo is the persisted tracking record of one reference.
type CrawlDocInfo struct {
	Reference             string            `json:"reference"`
	ParentRootReference   string            `json:"parent_root_reference,omitempty"` // Set on embedded/child documents
	IsRootParentReference bool              `json:"is_root_parent_reference,omitempty"`
	State                 CrawlState        `json:"state,omitempty"`
	MetaChecksum          string            `json:"meta_checksum,omitempty"`
	ContentChecksum       string            `json:"content_checksum,omitempty"`
	ContentType           string            `json:"content_type,omitempty"`
	CrawlDate             time.Time         `json:"crawl_date,omitempty"`
	Depth                 int               `json:"depth"`
	Graced                bool              `json:"graced,omitempty"` // Spoiled but kept in committers
	Extra                 map[string]string `json:"extra,omitempty"`
}

// NewCrawlDocInfo creates a root tracking record for reference.
func NewCrawlDocInfo(reference string) *CrawlDocInfo {
	return &CrawlDocInfo{Reference: reference, IsRootParentReference: true}
}

// NewChildDocInfo creates the tracking record of a document embedded in parent.
func NewChildDocInfo(reference string, parent *CrawlDocInfo) *CrawlDocInfo {
	return &CrawlDocInfo{
		Reference:           reference,
		ParentRootReference: parent.Reference,
		Depth:               parent.Depth,
	}
}

// Retained reports whether the record carries over to the next session's
// cache: good states, plus spoiled references that were spared.
func (i *CrawlDocInfo) Retained() bool {
	return i.State.IsGoodState() || (i.Graced && i.State != StateDeleted)
}

// Clone returns a deep copy.
func (i *CrawlDocInfo) Clone() *CrawlDocInfo {
	if i == nil {
		return nil
	}
	c := *i
	if i.Extra != nil {
		c.Extra = make(map[string]string, len(i.Extra))
		for k, v := range i.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// BackfillFrom copies lineage, checksum and content type fields from cached
// where the current record left them empty. State and CrawlDate always
// describe the current attempt and are never copied.
func (i *CrawlDocInfo) BackfillFrom(cached *CrawlDocInfo) {
	if cached == nil {
		return
	}
	if i.ParentRootReference == "" && cached.ParentRootReference != "" {
		i.ParentRootReference = cached.ParentRootReference
		i.IsRootParentReference = cached.IsRootParentReference
	}
	if i.MetaChecksum == "" {
		i.MetaChecksum = cached.MetaChecksum
	}
	if i.ContentChecksum == "" {
		i.ContentChecksum = cached.ContentChecksum
	}
	if i.ContentType == "" {
		i.ContentType = cached.ContentType
	}
	for k, v := range cached.Extra {
		if _, ok := i.Extra[k]; ok {
			continue
		}
		if i.Extra == nil {
			i.Extra = make(map[string]string, len(cached.Extra))
		}
		i.Extra[k] = v
	}
}

// Metadata holds multi-valued document fields.
type Metadata map[string][]string

// Get returns the first value of key, or "".
func (m Metadata) Get(key string) string {
	if vals := m[key]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// Set replaces the values of key.
func (m Metadata) Set(key string, values ...string) {
	m[key] = append([]string(nil), values...)
}

// Add appends values to key.
func (m Metadata) Add(key string, values ...string) {
	m[key] = append(m[key], values...)
}

// Keys returns the field names in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy. A nil Metadata clones to an empty one.
func (m Metadata) Clone() Metadata {
	c := make(Metadata, len(m))
	for k, v := range m {
		c[k] = append([]string(nil), v...)
	}
	return c
}

// CrawlDoc is the in-flight working object of one processing attempt.
// It is never persisted.
type CrawlDoc struct {
	Info     *CrawlDocInfo
	Cached   *CrawlDocInfo // Previous session's record, nil when never seen
	Metadata Metadata
	Content  *streams.CachedStream
	Orphan   bool

	disposeOnce sync.Once
	disposeErr  error
}

// NewCrawlDoc builds the working object for info.
func NewCrawlDoc(info, cached *CrawlDocInfo, orphan bool) *CrawlDoc {
	return &CrawlDoc{
		Info:     info,
		Cached:   cached,
		Metadata: Metadata{},
		Orphan:   orphan,
	}
}

// Reference returns the tracked reference.
func (d *CrawlDoc) Reference() string { return d.Info.Reference }

// HasCache reports whether a previous-session record exists.
func (d *CrawlDoc) HasCache() bool { return d.Cached != nil }

// Dispose releases the content stream. Only the first call has an effect.
func (d *CrawlDoc) Dispose() error {
	d.disposeOnce.Do(func() {
		if d.Content != nil {
			d.disposeErr = d.Content.Dispose()
		}
	})
	return d.disposeErr
}

// CrawlSummary is written to a crawler's work directory when a run ends.
type CrawlSummary struct {
	CollectorID  string           `yaml:"collector_id"`
	CrawlerID    string           `yaml:"crawler_id"`
	StartTime    time.Time        `yaml:"start_time"`
	EndTime      time.Time        `yaml:"end_time"`
	Resumed      bool             `yaml:"resumed"`
	Stopped      bool             `yaml:"stopped"`
	Processed    int64            `yaml:"processed"`
	StateCounts  map[string]int64 `yaml:"state_counts,omitempty"`
	OrphansFound int              `yaml:"orphans_found"`
	Error        string           `yaml:"error,omitempty"`
}
