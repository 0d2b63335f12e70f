// Package memory provides a committer that keeps requests in memory.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/Sriram-PR/crawlcore/pkg/committer"
	"github.com/Sriram-PR/crawlcore/pkg/models"
	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

// Upsert is a recorded upsert request with its content read out.
type Upsert struct {
	Reference   string
	Metadata    models.Metadata
	ContentType string
	Content     []byte
}

// Delete is a recorded delete request.
type Delete struct {
	Reference string
	Metadata  models.Metadata
}

// Committer records every request it accepts.
type Committer struct {
	name         string
	Restrictions committer.Restrictions
	// AcceptFunc, when set, replaces Restrictions.
	AcceptFunc func(req committer.Request) bool
	// FailWith, when set, is returned by Upsert and Delete.
	FailWith error

	mu          sync.Mutex
	upserts     []Upsert
	deletes     []Delete
	initialized bool
	closed      bool
	cleaned     int
}

// New creates a Committer named name.
func New(name string) *Committer {
	if name == "" {
		name = "memory"
	}
	return &Committer{name: name}
}

func (c *Committer) Name() string { return c.name }

func (c *Committer) Init(context.Context, *committer.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = true
	c.closed = false
	return nil
}

func (c *Committer) Accept(req committer.Request) bool {
	if c.AcceptFunc != nil {
		return c.AcceptFunc(req)
	}
	return c.Restrictions.Matches(req)
}

func (c *Committer) Upsert(_ context.Context, req *committer.UpsertRequest) error {
	if c.FailWith != nil {
		return c.FailWith
	}
	var body []byte
	if req.Content != nil {
		var err error
		if body, err = io.ReadAll(req.Content); err != nil {
			return fmt.Errorf("%w: reading content for '%s': %w", utils.ErrStream, req.Reference, err)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upserts = append(c.upserts, Upsert{
		Reference:   req.Reference,
		Metadata:    req.Metadata,
		ContentType: req.ContentType,
		Content:     body,
	})
	return nil
}

func (c *Committer) Delete(_ context.Context, req *committer.DeleteRequest) error {
	if c.FailWith != nil {
		return c.FailWith
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes = append(c.deletes, Delete{Reference: req.Reference, Metadata: req.Metadata})
	return nil
}

func (c *Committer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Clean forgets every recorded request.
func (c *Committer) Clean() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upserts, c.deletes = nil, nil
	c.cleaned++
	return nil
}

// Upserts returns a copy of the recorded upserts.
func (c *Committer) Upserts() []Upsert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Upsert(nil), c.upserts...)
}

// Deletes returns a copy of the recorded deletes.
func (c *Committer) Deletes() []Delete {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Delete(nil), c.deletes...)
}

// UpsertedRefs returns the references of recorded upserts, in order.
func (c *Committer) UpsertedRefs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	refs := make([]string, len(c.upserts))
	for i, u := range c.upserts {
		refs[i] = u.Reference
	}
	return refs
}

// DeletedRefs returns the references of recorded deletes, in order.
func (c *Committer) DeletedRefs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	refs := make([]string, len(c.deletes))
	for i, d := range c.deletes {
		refs[i] = d.Reference
	}
	return refs
}

// State reports lifecycle flags.
func (c *Committer) State() (initialized, closed bool, cleaned int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized, c.closed, c.cleaned
}
