// Package event carries lifecycle and per-document notifications from
// collectors and crawlers to registered listeners.
package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Sriram-PR/crawlcore/pkg/models"
)

// Collector lifecycle events.
const (
	CollectorRunBegin    = "COLLECTOR_RUN_BEGIN"
	CollectorRunEnd      = "COLLECTOR_RUN_END"
	CollectorStopBegin   = "COLLECTOR_STOP_BEGIN"
	CollectorStopEnd     = "COLLECTOR_STOP_END"
	CollectorCleanBegin  = "COLLECTOR_CLEAN_BEGIN"
	CollectorCleanEnd    = "COLLECTOR_CLEAN_END"
	CollectorExportBegin = "COLLECTOR_EXPORT_BEGIN"
	CollectorExportEnd   = "COLLECTOR_EXPORT_END"
	CollectorImportBegin = "COLLECTOR_IMPORT_BEGIN"
	CollectorImportEnd   = "COLLECTOR_IMPORT_END"
)

// Crawler lifecycle events.
const (
	CrawlerInitBegin      = "CRAWLER_INIT_BEGIN"
	CrawlerInitEnd        = "CRAWLER_INIT_END"
	CrawlerRunBegin       = "CRAWLER_RUN_BEGIN"
	CrawlerRunEnd         = "CRAWLER_RUN_END"
	CrawlerRunThreadBegin = "CRAWLER_RUN_THREAD_BEGIN"
	CrawlerRunThreadEnd   = "CRAWLER_RUN_THREAD_END"
	CrawlerStopBegin      = "CRAWLER_STOP_BEGIN"
	CrawlerStopEnd        = "CRAWLER_STOP_END"
	CrawlerCleanBegin     = "CRAWLER_CLEAN_BEGIN"
	CrawlerCleanEnd       = "CRAWLER_CLEAN_END"
)

// Document events.
const (
	RejectedImport          = "REJECTED_IMPORT"
	RejectedError           = "REJECTED_ERROR"
	RejectedUnmodified      = "REJECTED_UNMODIFIED"
	RejectedDuplicate       = "REJECTED_DUPLICATE"
	RejectedNotFound        = "REJECTED_NOTFOUND"
	RejectedBadStatus       = "REJECTED_BAD_STATUS"
	RejectedFilter          = "REJECTED_FILTER"
	RejectedPremature       = "REJECTED_PREMATURE"
	DocumentImported        = "DOCUMENT_IMPORTED"
	DocumentCommittedUpsert = "DOCUMENT_COMMITTED_UPSERT"
	DocumentCommittedDelete = "DOCUMENT_COMMITTED_DELETE"
)

// Source identifies who fired an event.
type Source interface {
	ID() string
}

// Event is an immutable notification. Build one with New and the With*
// helpers; each helper returns a modified copy.
type Event struct {
	ID      string
	Name    string
	Source  Source
	Info    *models.CrawlDocInfo // Per-document events only
	Subject any
	Err     error
	Message string
	Time    time.Time
}

// New creates an event named name fired by source.
func New(name string, source Source) Event {
	return Event{
		ID:     uuid.NewString(),
		Name:   name,
		Source: source,
		Time:   time.Now(),
	}
}

// WithInfo returns a copy carrying a snapshot of info.
func (e Event) WithInfo(info *models.CrawlDocInfo) Event {
	e.Info = info.Clone()
	return e
}

// WithSubject returns a copy carrying subject.
func (e Event) WithSubject(subject any) Event {
	e.Subject = subject
	return e
}

// WithErr returns a copy carrying err.
func (e Event) WithErr(err error) Event {
	e.Err = err
	return e
}

// WithMessage returns a copy carrying a formatted message.
func (e Event) WithMessage(format string, args ...any) Event {
	e.Message = fmt.Sprintf(format, args...)
	return e
}

// Reference returns the document reference, or "".
func (e Event) Reference() string {
	if e.Info == nil {
		return ""
	}
	return e.Info.Reference
}

// SourceID returns the source identifier, or "".
func (e Event) SourceID() string {
	if e.Source == nil {
		return ""
	}
	return e.Source.ID()
}

// IsDocumentEvent reports whether the event concerns a single document.
func (e Event) IsDocumentEvent() bool {
	return strings.HasPrefix(e.Name, "REJECTED_") || strings.HasPrefix(e.Name, "DOCUMENT_")
}

// Is reports whether the event has one of names.
func (e Event) Is(names ...string) bool {
	for _, n := range names {
		if e.Name == n {
			return true
		}
	}
	return false
}
