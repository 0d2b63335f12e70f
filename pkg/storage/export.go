package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/Sriram-PR/crawlcore/pkg/models"
	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

const (
	exportFormat  = "crawlcore-store"
	exportVersion = 1
)

// ExportHeader is the first line of an export archive.
type ExportHeader struct {
	Format     string    `json:"format"`
	Version    int       `json:"version"`
	ExportID   string    `json:"export_id"`
	CrawlerID  string    `json:"crawler_id"`
	ExportedAt time.Time `json:"exported_at"`
}

type exportEntry struct {
	Stage models.Stage         `json:"stage"`
	Valid bool                 `json:"valid,omitempty"`
	Info  *models.CrawlDocInfo `json:"info"`
}

// Export writes every entry of store to w as gzip-compressed JSON lines and
// returns the number of entries written.
func Export(store EntryWalker, w io.Writer, crawlerID string) (int, error) {
	gz := gzip.NewWriter(w)
	enc := json.NewEncoder(gz)

	header := ExportHeader{
		Format:     exportFormat,
		Version:    exportVersion,
		ExportID:   uuid.NewString(),
		CrawlerID:  crawlerID,
		ExportedAt: time.Now().UTC(),
	}
	if err := enc.Encode(header); err != nil {
		gz.Close()
		return 0, fmt.Errorf("%w: writing export header: %w", utils.ErrFilesystem, err)
	}

	count := 0
	var writeErr error
	walkErr := store.ForEachEntry(func(stage models.Stage, valid bool, info *models.CrawlDocInfo) bool {
		if err := enc.Encode(exportEntry{Stage: stage, Valid: valid, Info: info}); err != nil {
			writeErr = err
			return false
		}
		count++
		return true
	})
	closeErr := gz.Close()
	switch {
	case walkErr != nil:
		return count, walkErr
	case writeErr != nil:
		return count, fmt.Errorf("%w: writing export entry: %w", utils.ErrFilesystem, writeErr)
	case closeErr != nil:
		return count, fmt.Errorf("%w: finishing export archive: %w", utils.ErrFilesystem, closeErr)
	}
	return count, nil
}

// Import reads an archive produced by Export and restores its entries into
// store. It returns the archive header and the number of entries restored.
func Import(store EntryWalker, r io.Reader) (*ExportHeader, int, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: opening export archive: %w", utils.ErrParsing, err)
	}
	defer gz.Close()
	dec := json.NewDecoder(gz)

	var header ExportHeader
	if err := dec.Decode(&header); err != nil {
		return nil, 0, fmt.Errorf("%w: reading JSON export header: %w", utils.ErrParsing, err)
	}
	if header.Format != exportFormat {
		return nil, 0, fmt.Errorf("%w: not a store export (format %q)", utils.ErrParsing, header.Format)
	}
	if header.Version > exportVersion {
		return nil, 0, fmt.Errorf("%w: unsupported export version %d", utils.ErrParsing, header.Version)
	}

	count := 0
	for {
		var entry exportEntry
		err := dec.Decode(&entry)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return &header, count, fmt.Errorf("%w: reading JSON export entry %d: %w", utils.ErrParsing, count+1, err)
		}
		if entry.Info == nil {
			continue
		}
		if err := store.Restore(entry.Stage, entry.Valid, entry.Info); err != nil {
			return &header, count, err
		}
		count++
	}
	return &header, count, nil
}
