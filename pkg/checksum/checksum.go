// Package checksum computes the fingerprints crawlers use to detect
// unchanged and duplicate documents.
package checksum

import (
	"fmt"
	"strings"

	"github.com/Sriram-PR/crawlcore/pkg/models"
	"github.com/Sriram-PR/crawlcore/pkg/streams"
	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

// MetadataChecksummer fingerprints document metadata, typically before any
// content is fetched.
type MetadataChecksummer interface {
	CreateMetadataChecksum(meta models.Metadata) string
}

// DocumentChecksummer fingerprints document content.
type DocumentChecksummer interface {
	CreateDocumentChecksum(content *streams.CachedStream) (string, error)
}

// GenericMetadataChecksummer hashes the values of selected fields. With no
// fields configured, or none present, the checksum is empty and change
// detection is skipped.
type GenericMetadataChecksummer struct {
	Fields []string
}

// CreateMetadataChecksum implements MetadataChecksummer.
func (c *GenericMetadataChecksummer) CreateMetadataChecksum(meta models.Metadata) string {
	var b strings.Builder
	for _, field := range c.Fields {
		vals, ok := meta[field]
		if !ok {
			continue
		}
		b.WriteString(field)
		b.WriteByte('=')
		b.WriteString(strings.Join(vals, "\x1f"))
		b.WriteByte('\n')
	}
	if b.Len() == 0 {
		return ""
	}
	return utils.CalculateStringMD5(b.String())
}

// MD5DocumentChecksummer hashes the full content.
type MD5DocumentChecksummer struct{}

// CreateDocumentChecksum implements DocumentChecksummer. The stream is
// rewound before and after hashing.
func (MD5DocumentChecksummer) CreateDocumentChecksum(content *streams.CachedStream) (string, error) {
	if content == nil {
		return "", nil
	}
	if err := content.Rewind(); err != nil {
		return "", err
	}
	sum, err := utils.CalculateReaderMD5(content)
	if err != nil {
		return "", fmt.Errorf("%w: hashing content: %w", utils.ErrStream, err)
	}
	return sum, content.Rewind()
}

// Unchanged reports whether a non-empty checksum equals the previous one.
func Unchanged(current, previous string) bool {
	return current != "" && current == previous
}
