// Package importer defines the contract between crawlers and the component
// that turns fetched content into committable documents.
package importer

import (
	"context"
	"fmt"
	"io"

	"github.com/Sriram-PR/crawlcore/pkg/models"
	"github.com/Sriram-PR/crawlcore/pkg/streams"
	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

// StatusCode classifies an import outcome.
type StatusCode string

const (
	StatusSuccess  StatusCode = "SUCCESS"
	StatusRejected StatusCode = "REJECTED"
	StatusError    StatusCode = "ERROR"
)

// Status describes an import outcome.
type Status struct {
	Code        StatusCode
	Description string
	Err         error
}

// Document is the importer's input and output unit.
type Document struct {
	Reference   string
	Metadata    models.Metadata
	ContentType string
	Content     *streams.CachedStream
}

// Response is the result of importing one document. Nested responses stand
// for documents embedded in the parent, such as archive entries.
type Response struct {
	Reference string
	Status    Status
	Document  *Document
	Nested    []*Response
}

// IsSuccess reports whether the document was imported.
func (r *Response) IsSuccess() bool { return r != nil && r.Status.Code == StatusSuccess }

// Importer transforms a document.
type Importer interface {
	Import(ctx context.Context, doc *Document) (*Response, error)
}

// Success builds a successful response for doc.
func Success(doc *Document, nested ...*Response) *Response {
	return &Response{Reference: doc.Reference, Status: Status{Code: StatusSuccess}, Document: doc, Nested: nested}
}

// Rejected builds a rejected response.
func Rejected(reference, description string) *Response {
	return &Response{Reference: reference, Status: Status{Code: StatusRejected, Description: description}}
}

// Failed builds an error response.
func Failed(reference string, err error) *Response {
	return &Response{Reference: reference, Status: Status{Code: StatusError, Description: err.Error(), Err: err}}
}

// Handler is one step of a Chain. It may mutate doc, return nested documents,
// reject it (keep == false) or fail.
type Handler interface {
	Handle(ctx context.Context, doc *Document) (nested []*Document, keep bool, err error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, doc *Document) ([]*Document, bool, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, doc *Document) ([]*Document, bool, error) {
	return f(ctx, doc)
}

// Chain runs handlers in order. Nested documents produced by a handler are
// pushed through the whole chain themselves.
type Chain struct {
	Handlers []Handler
	MaxDepth int // Nesting limit, 0 = 10
}

// NewChain creates a Chain.
func NewChain(handlers ...Handler) *Chain {
	return &Chain{Handlers: handlers}
}

// Import implements Importer.
func (c *Chain) Import(ctx context.Context, doc *Document) (*Response, error) {
	maxDepth := c.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 10
	}
	return c.importDoc(ctx, doc, 0, maxDepth), nil
}

func (c *Chain) importDoc(ctx context.Context, doc *Document, depth, maxDepth int) *Response {
	if doc.Metadata == nil {
		doc.Metadata = models.Metadata{}
	}
	var nestedDocs []*Document
	for _, h := range c.Handlers {
		if err := ctx.Err(); err != nil {
			return Failed(doc.Reference, err)
		}
		if doc.Content != nil {
			if err := doc.Content.Rewind(); err != nil {
				return Failed(doc.Reference, fmt.Errorf("%w: rewinding content: %w", utils.ErrImport, err))
			}
		}
		nested, keep, err := h.Handle(ctx, doc)
		if err != nil {
			return Failed(doc.Reference, fmt.Errorf("%w: %w", utils.ErrImport, err))
		}
		if !keep {
			return Rejected(doc.Reference, fmt.Sprintf("rejected by handler %T", h))
		}
		nestedDocs = append(nestedDocs, nested...)
	}
	if doc.Content != nil {
		if err := doc.Content.Rewind(); err != nil {
			return Failed(doc.Reference, fmt.Errorf("%w: rewinding content: %w", utils.ErrImport, err))
		}
	}

	resp := Success(doc)
	for _, child := range nestedDocs {
		if depth+1 > maxDepth {
			resp.Nested = append(resp.Nested, Rejected(child.Reference, "maximum embedding depth reached"))
			continue
		}
		resp.Nested = append(resp.Nested, c.importDoc(ctx, child, depth+1, maxDepth))
	}
	return resp
}

// ReadAll returns the full content of doc and rewinds it.
func ReadAll(doc *Document) ([]byte, error) {
	if doc.Content == nil {
		return nil, nil
	}
	if err := doc.Content.Rewind(); err != nil {
		return nil, err
	}
	b, err := io.ReadAll(doc.Content)
	if err != nil {
		return nil, err
	}
	return b, doc.Content.Rewind()
}
