package storage

import (
	"github.com/Sriram-PR/crawlcore/pkg/models"
)

// ReferenceStore tracks every reference of one crawler across the QUEUED,
// ACTIVE, PROCESSED and CACHED partitions. Implementations must be safe for
// concurrent use; PollQueue in particular hands each queued reference to at
// most one caller.
type ReferenceStore interface {
	// Open starts a session. With resume requested and unfinished work present,
	// ACTIVE entries go back to QUEUED and true is returned. Otherwise a fresh
	// session begins: valid PROCESSED entries become the new CACHED set and
	// everything else is cleared.
	Open(resume bool) (wasResuming bool, err error)

	// Queue inserts or overwrites info as QUEUED. Idempotent per reference.
	Queue(info *models.CrawlDocInfo) error

	// PollQueue atomically moves one QUEUED entry to ACTIVE and returns it.
	// Returns nil, nil when the queue is empty.
	PollQueue() (*models.CrawlDocInfo, error)

	// Processed records the final record of a reference, valid when
	// info.Retained(), and drops any ACTIVE or CACHED copy.
	Processed(info *models.CrawlDocInfo) error

	// GetCached returns the previous-session record, or nil.
	GetCached(reference string) (*models.CrawlDocInfo, error)

	// ForEachCached visits CACHED entries until fn returns false and
	// returns how many were visited.
	ForEachCached(fn func(info *models.CrawlDocInfo) bool) (int, error)

	// Stage reports the partition a reference is in. QUEUED, ACTIVE and
	// PROCESSED win over CACHED.
	Stage(reference string) (models.Stage, error)

	ActiveCount() (int, error)
	QueueSize() (int, error)
	IsQueueEmpty() (bool, error)

	// Clean deletes all persisted data.
	Clean() error

	// Close releases the engine. The store cannot be used afterwards.
	Close() error
}

// EntryWalker gives administrative access to every partition. It backs the
// data-store export and import.
type EntryWalker interface {
	// ForEachEntry visits all entries until fn returns false. valid is only
	// meaningful for the processed stage.
	ForEachEntry(fn func(stage models.Stage, valid bool, info *models.CrawlDocInfo) bool) error

	// Restore writes info into stage without any lifecycle checks.
	Restore(stage models.Stage, valid bool, info *models.CrawlDocInfo) error
}

// Store is what crawlers need from an engine.
type Store interface {
	ReferenceStore
	EntryWalker
}
