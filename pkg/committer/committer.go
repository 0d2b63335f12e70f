// Package committer defines the sinks crawlers push document additions and
// removals to, and the Service that fans requests out to all of them.
package committer

import (
	"context"
	"fmt"
	"io"
	"regexp"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawlcore/pkg/models"
	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

// Context is handed to a committer when it is initialized.
type Context struct {
	CrawlerID string
	WorkDir   string // Private directory for this committer
	Log       *logrus.Entry
}

// Request is common to upserts and deletes.
type Request struct {
	Reference string
	Metadata  models.Metadata
}

// UpsertRequest adds or replaces a document.
type UpsertRequest struct {
	Request
	ContentType string
	Content     io.Reader
}

// DeleteRequest removes a document.
type DeleteRequest struct {
	Request
}

// Committer is a document sink.
type Committer interface {
	Name() string
	Init(ctx context.Context, cctx *Context) error
	// Accept decides whether the request is for this committer.
	Accept(req Request) bool
	Upsert(ctx context.Context, req *UpsertRequest) error
	Delete(ctx context.Context, req *DeleteRequest) error
	Close() error
	// Clean removes everything the committer persisted.
	Clean() error
}

// Restriction matches a metadata field (or "reference") against a pattern.
type Restriction struct {
	Field   string
	Pattern *regexp.Regexp
}

// Restrictions accept a request only when every restriction matches. An
// empty set accepts everything.
type Restrictions []Restriction

// NewRestriction compiles pattern for field.
func NewRestriction(field, pattern string) (Restriction, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Restriction{}, fmt.Errorf("%w: invalid restriction pattern for '%s': %w", utils.ErrConfigValidation, field, err)
	}
	return Restriction{Field: field, Pattern: re}, nil
}

// Matches reports whether req satisfies every restriction.
func (rs Restrictions) Matches(req Request) bool {
	for _, r := range rs {
		if !r.matches(req) {
			return false
		}
	}
	return true
}

func (r Restriction) matches(req Request) bool {
	if r.Field == "reference" {
		return r.Pattern.MatchString(req.Reference)
	}
	for _, v := range req.Metadata[r.Field] {
		if r.Pattern.MatchString(v) {
			return true
		}
	}
	return false
}
