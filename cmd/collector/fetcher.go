package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Sriram-PR/crawlcore/pkg/models"
	"github.com/Sriram-PR/crawlcore/pkg/pipeline"
	"github.com/Sriram-PR/crawlcore/pkg/streams"
	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

// Metadata fields set by the file fetcher.
const (
	metaFileName     = "file.name"
	metaFileSize     = "file.size"
	metaFileModified = "file.modified"
)

// filePath turns a reference into a local path. Both plain paths and
// file:// URLs are accepted.
func filePath(reference string) (string, error) {
	if !strings.HasPrefix(reference, "file://") {
		return filepath.Clean(reference), nil
	}
	u, err := url.Parse(reference)
	if err != nil {
		return "", fmt.Errorf("%w: bad file reference '%s': %w", utils.ErrParsing, reference, err)
	}
	return filepath.Clean(filepath.FromSlash(u.Path)), nil
}

// fetchFile fetches local files. Directories queue their entries and are
// rejected themselves, so only files reach committers.
func fetchFile(pctx *pipeline.Context) (models.CrawlState, error) {
	ref := pctx.Doc.Reference()
	path, err := filePath(ref)
	if err != nil {
		return models.StateUnset, err
	}

	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return models.StateNotFound, nil
	}
	if err != nil {
		return models.StateUnset, fmt.Errorf("%w: %w", utils.ErrFilesystem, err)
	}

	if fi.IsDir() {
		if pctx.Orphan {
			return models.StateRejected, nil
		}
		return models.StateRejected, queueDir(pctx, path)
	}
	if !fi.Mode().IsRegular() {
		return models.StateBadStatus, nil
	}

	meta := pctx.Doc.Metadata
	meta.Set(metaFileName, fi.Name())
	meta.Set(metaFileSize, strconv.FormatInt(fi.Size(), 10))
	meta.Set(metaFileModified, fi.ModTime().UTC().Format(time.RFC3339Nano))

	f, err := os.Open(path)
	if err != nil {
		return models.StateUnset, fmt.Errorf("%w: %w", utils.ErrFilesystem, err)
	}
	defer f.Close()

	s, err := pctx.Host.Streams().NewStream(f)
	if err != nil {
		return models.StateUnset, err
	}
	pctx.Doc.Content = s
	pctx.Doc.Info.ContentType = contentType(path, s)
	return models.StateNew, nil
}

func queueDir(pctx *pipeline.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: %w", utils.ErrFilesystem, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		if err := pctx.Host.Queue(filepath.Join(dir, name), pctx.Doc.Info); err != nil {
			return err
		}
	}
	pctx.Log.Debugf("Queued %d entries of directory %s", len(names), dir)
	return nil
}

// contentType guesses from the extension first, then sniffs the content.
func contentType(path string, s *streams.CachedStream) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	buf := make([]byte, 512)
	n, _ := io.ReadFull(s, buf)
	_ = s.Rewind()
	return http.DetectContentType(buf[:n])
}

var _ pipeline.Fetcher = pipeline.FetcherFunc(fetchFile)
