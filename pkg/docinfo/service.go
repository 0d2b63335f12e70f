// Package docinfo wraps a reference store with the session operations a
// crawler performs on it.
package docinfo

import (
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawlcore/pkg/models"
	"github.com/Sriram-PR/crawlcore/pkg/storage"
)

// Service is the crawler-facing view of a storage.Store.
type Service struct {
	store storage.Store
	log   *logrus.Entry
}

// NewService wraps store.
func NewService(store storage.Store, log *logrus.Entry) *Service {
	return &Service{store: store, log: log}
}

// Store exposes the underlying engine for administrative tasks.
func (s *Service) Store() storage.Store { return s.store }

// Open starts a session; see storage.ReferenceStore.Open.
func (s *Service) Open(resume bool) (bool, error) {
	return s.store.Open(resume)
}

// Queue marks info as QUEUED.
func (s *Service) Queue(info *models.CrawlDocInfo) error {
	s.log.WithField("ref", info.Reference).Debug("Queued")
	return s.store.Queue(info)
}

// QueueIfNew queues info unless the reference was already queued, polled or
// processed in this session. Cached references count as new.
func (s *Service) QueueIfNew(info *models.CrawlDocInfo) (bool, error) {
	stage, err := s.store.Stage(info.Reference)
	if err != nil {
		return false, err
	}
	if stage != models.StageNone && stage != models.StageCached {
		s.log.WithFields(logrus.Fields{"ref": info.Reference, "stage": stage}).Debug("Already known this session, not queued")
		return false, nil
	}
	return true, s.Queue(info)
}

// Poll claims the next queued reference, or returns nil when none is left.
func (s *Service) Poll() (*models.CrawlDocInfo, error) {
	info, err := s.store.PollQueue()
	if err == nil && info != nil {
		s.log.WithField("ref", info.Reference).Debug("Polled")
	}
	return info, err
}

// Processed records the final state of a reference.
func (s *Service) Processed(info *models.CrawlDocInfo) error {
	s.log.WithFields(logrus.Fields{"ref": info.Reference, "state": info.State}).Debug("Processed")
	return s.store.Processed(info)
}

// GetCached returns the previous-session record of reference, or nil.
func (s *Service) GetCached(reference string) (*models.CrawlDocInfo, error) {
	return s.store.GetCached(reference)
}

// ForEachCached visits cached records until fn returns false.
func (s *Service) ForEachCached(fn func(info *models.CrawlDocInfo) bool) (int, error) {
	return s.store.ForEachCached(fn)
}

func (s *Service) ActiveCount() (int, error)   { return s.store.ActiveCount() }
func (s *Service) QueueSize() (int, error)     { return s.store.QueueSize() }
func (s *Service) IsQueueEmpty() (bool, error) { return s.store.IsQueueEmpty() }

// Clean wipes all persisted records.
func (s *Service) Clean() error { return s.store.Clean() }

// Close releases the store.
func (s *Service) Close() error { return s.store.Close() }
