package committer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawlcore/pkg/event"
	"github.com/Sriram-PR/crawlcore/pkg/models"
	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

// SinkErrors aggregates per-committer failures of one fan-out operation.
type SinkErrors struct {
	Op       string
	Names    []string
	Failures []error
}

func (e *SinkErrors) add(name string, err error) {
	e.Names = append(e.Names, name)
	e.Failures = append(e.Failures, err)
}

func (e *SinkErrors) orNil() error {
	if len(e.Names) == 0 {
		return nil
	}
	return e
}

// Error implements error.
func (e *SinkErrors) Error() string {
	parts := make([]string, len(e.Names))
	for i, name := range e.Names {
		parts[i] = fmt.Sprintf("%s: %v", name, e.Failures[i])
	}
	return fmt.Sprintf("committer %s failed for %d committer(s) [%s]", e.Op, len(e.Names), strings.Join(parts, "; "))
}

// Unwrap exposes utils.ErrCommitter and every sink error to errors.Is.
func (e *SinkErrors) Unwrap() []error {
	return append([]error{utils.ErrCommitter}, e.Failures...)
}

// Service fans requests out to every committer of a crawler. Each committer
// gets its own request with its own copy of the metadata, and a failing
// committer does not keep the others from receiving the request.
type Service struct {
	committers []Committer
	events     *event.Manager
	source     event.Source
	log        *logrus.Entry
}

// NewService creates a Service.
func NewService(committers []Committer, events *event.Manager, source event.Source, log *logrus.Entry) *Service {
	return &Service{committers: committers, events: events, source: source, log: log}
}

// Committers returns the managed committers.
func (s *Service) Committers() []Committer { return s.committers }

// Init prepares committer-<index> work directories under workDir and
// initializes every committer.
func (s *Service) Init(ctx context.Context, crawlerID, workDir string) error {
	errs := &SinkErrors{Op: "init"}
	for i, c := range s.committers {
		dir := filepath.Join(workDir, fmt.Sprintf("committer-%d", i))
		if err := os.MkdirAll(dir, 0755); err != nil {
			errs.add(c.Name(), fmt.Errorf("%w: %w", utils.ErrFilesystem, err))
			continue
		}
		cctx := &Context{
			CrawlerID: crawlerID,
			WorkDir:   dir,
			Log:       s.log.WithField("committer", c.Name()),
		}
		if err := c.Init(ctx, cctx); err != nil {
			s.log.Errorf("Could not initialize committer '%s': %v", c.Name(), err)
			errs.add(c.Name(), err)
		}
	}
	return errs.orNil()
}

// Upsert sends doc to every accepting committer and fires
// DOCUMENT_COMMITTED_UPSERT naming them.
func (s *Service) Upsert(ctx context.Context, doc *models.CrawlDoc) error {
	var content io.ReadSeeker = bytes.NewReader(nil)
	if doc.Content != nil {
		content = doc.Content
	}

	var accepted []string
	errs := &SinkErrors{Op: "upsert"}
	for _, c := range s.committers {
		req := &UpsertRequest{
			Request:     Request{Reference: doc.Reference(), Metadata: doc.Metadata.Clone()},
			ContentType: doc.Info.ContentType,
		}
		if !c.Accept(req.Request) {
			continue
		}
		if _, err := content.Seek(0, io.SeekStart); err != nil {
			errs.add(c.Name(), fmt.Errorf("%w: rewinding content: %w", utils.ErrStream, err))
			continue
		}
		req.Content = content
		accepted = append(accepted, c.Name())
		if err := c.Upsert(ctx, req); err != nil {
			errs.add(c.Name(), err)
		}
	}
	s.fire(event.DocumentCommittedUpsert, doc, accepted)
	return errs.orNil()
}

// Delete sends a delete request for doc to every accepting committer and
// fires DOCUMENT_COMMITTED_DELETE naming them.
func (s *Service) Delete(ctx context.Context, doc *models.CrawlDoc) error {
	var accepted []string
	errs := &SinkErrors{Op: "delete"}
	for _, c := range s.committers {
		req := &DeleteRequest{Request{Reference: doc.Reference(), Metadata: doc.Metadata.Clone()}}
		if !c.Accept(req.Request) {
			continue
		}
		accepted = append(accepted, c.Name())
		if err := c.Delete(ctx, req); err != nil {
			errs.add(c.Name(), err)
		}
	}
	s.fire(event.DocumentCommittedDelete, doc, accepted)
	return errs.orNil()
}

func (s *Service) fire(name string, doc *models.CrawlDoc, accepted []string) {
	if s.events == nil {
		return
	}
	msg := "none"
	if len(accepted) > 0 {
		msg = strings.Join(accepted, ", ")
	}
	s.events.Fire(event.New(name, s.source).
		WithInfo(doc.Info).
		WithSubject(accepted).
		WithMessage("%s", msg))
}

// Close closes every committer, even after failures.
func (s *Service) Close() error {
	errs := &SinkErrors{Op: "close"}
	for _, c := range s.committers {
		if err := c.Close(); err != nil {
			s.log.Errorf("Could not close committer '%s': %v", c.Name(), err)
			errs.add(c.Name(), err)
		}
	}
	return errs.orNil()
}

// Clean cleans every committer, even after failures.
func (s *Service) Clean() error {
	errs := &SinkErrors{Op: "clean"}
	for _, c := range s.committers {
		if err := c.Clean(); err != nil {
			s.log.Errorf("Could not clean committer '%s': %v", c.Name(), err)
			errs.add(c.Name(), err)
		}
	}
	return errs.orNil()
}
