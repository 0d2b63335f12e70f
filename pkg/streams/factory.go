// Package streams caches document content so it can be read more than once
// during a crawl. Small payloads stay in memory under a shared pool budget;
// anything over budget spills to a temporary file.
package streams

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

const (
	DefaultMaxPool     int64 = 1 << 30   // 1 GiB across all streams
	DefaultMaxInstance int64 = 100 << 20 // 100 MiB per stream

	readChunkSize = 32 * 1024
)

// Factory creates CachedStreams. It is shared by every crawler of a collector
// and is safe for concurrent use.
type Factory struct {
	maxPool     int64
	maxInstance int64
	tempDir     string
	log         *logrus.Entry

	poolUsed atomic.Int64
	spilled  atomic.Int64
}

// NewFactory returns a factory bounded by maxPool bytes of memory overall and
// maxInstance bytes per stream. Non-positive limits fall back to defaults.
func NewFactory(maxPool, maxInstance int64, tempDir string, log *logrus.Entry) *Factory {
	if maxPool <= 0 {
		maxPool = DefaultMaxPool
	}
	if maxInstance <= 0 {
		maxInstance = DefaultMaxInstance
	}
	if maxInstance > maxPool {
		maxInstance = maxPool
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	log.Infof("Stream cache: pool %s, per stream %s, spill dir %s",
		humanize.IBytes(uint64(maxPool)), humanize.IBytes(uint64(maxInstance)), tempDir)
	return &Factory{
		maxPool:     maxPool,
		maxInstance: maxInstance,
		tempDir:     tempDir,
		log:         log,
	}
}

// PoolUsed returns the number of in-memory bytes currently held by live streams.
func (f *Factory) PoolUsed() int64 { return f.poolUsed.Load() }

// SpilledCount returns how many streams have been written to disk so far.
func (f *Factory) SpilledCount() int64 { return f.spilled.Load() }

func (f *Factory) reserve(n int64) bool {
	for {
		used := f.poolUsed.Load()
		if used+n > f.maxPool {
			return false
		}
		if f.poolUsed.CompareAndSwap(used, used+n) {
			return true
		}
	}
}

func (f *Factory) release(n int64) {
	if n > 0 {
		f.poolUsed.Add(-n)
	}
}

// NewStream drains r into a new CachedStream. The caller owns the returned
// stream and must Dispose it.
func (f *Factory) NewStream(r io.Reader) (*CachedStream, error) {
	if r == nil {
		return f.NewStreamFromBytes(nil), nil
	}

	var (
		buf      bytes.Buffer
		reserved int64
		spill    *os.File
		size     int64
	)
	cleanup := func() {
		f.release(reserved)
		if spill != nil {
			spill.Close()
			os.Remove(spill.Name())
		}
	}

	chunk := make([]byte, readChunkSize)
	for {
		n, readErr := r.Read(chunk)
		if n > 0 {
			if spill == nil && (int64(buf.Len()+n) > f.maxInstance || !f.reserve(int64(n))) {
				file, err := os.CreateTemp(f.tempDir, "crawlcore-stream-*.tmp")
				if err != nil {
					cleanup()
					return nil, fmt.Errorf("%w: creating spill file: %w", utils.ErrStream, err)
				}
				spill = file
				if _, err := spill.Write(buf.Bytes()); err != nil {
					cleanup()
					return nil, fmt.Errorf("%w: writing spill file: %w", utils.ErrStream, err)
				}
				f.release(reserved)
				reserved = 0
				buf = bytes.Buffer{}
				f.spilled.Add(1)
			}
			if spill != nil {
				if _, err := spill.Write(chunk[:n]); err != nil {
					cleanup()
					return nil, fmt.Errorf("%w: writing spill file: %w", utils.ErrStream, err)
				}
			} else {
				buf.Write(chunk[:n])
				reserved += int64(n)
			}
			size += int64(n)
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			cleanup()
			return nil, fmt.Errorf("%w: reading source: %w", utils.ErrStream, readErr)
		}
	}

	if spill != nil {
		if _, err := spill.Seek(0, io.SeekStart); err != nil {
			cleanup()
			return nil, fmt.Errorf("%w: rewinding spill file: %w", utils.ErrStream, err)
		}
		f.log.Debugf("Stream of %s spilled to %s", humanize.IBytes(uint64(size)), spill.Name())
		return &CachedStream{factory: f, file: spill, size: size}, nil
	}
	data := buf.Bytes()
	return &CachedStream{factory: f, mem: bytes.NewReader(data), reserved: reserved, size: size}, nil
}

// NewStreamFromBytes wraps b without copying. The bytes count against the
// pool when they fit, otherwise they are held outside the budget.
func (f *Factory) NewStreamFromBytes(b []byte) *CachedStream {
	n := int64(len(b))
	var reserved int64
	if n <= f.maxInstance && f.reserve(n) {
		reserved = n
	}
	return &CachedStream{factory: f, mem: bytes.NewReader(b), reserved: reserved, size: n}
}

// CachedStream is a rewindable view over cached content.
type CachedStream struct {
	factory  *Factory
	mem      *bytes.Reader
	file     *os.File
	reserved int64
	size     int64

	mu       sync.Mutex
	disposed bool
}

// Read implements io.Reader.
func (s *CachedStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return 0, fmt.Errorf("%w: read from disposed stream", utils.ErrStream)
	}
	if s.file != nil {
		return s.file.Read(p)
	}
	return s.mem.Read(p)
}

// Seek implements io.Seeker.
func (s *CachedStream) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return 0, fmt.Errorf("%w: seek on disposed stream", utils.ErrStream)
	}
	if s.file != nil {
		return s.file.Seek(offset, whence)
	}
	return s.mem.Seek(offset, whence)
}

// Rewind positions the stream back at its first byte.
func (s *CachedStream) Rewind() error {
	_, err := s.Seek(0, io.SeekStart)
	return err
}

// Size returns the total content length in bytes.
func (s *CachedStream) Size() int64 { return s.size }

// InMemory reports whether the content is held in memory.
func (s *CachedStream) InMemory() bool { return s.file == nil }

// Dispose releases memory budget or removes the spill file. Safe to call
// more than once.
func (s *CachedStream) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil
	}
	s.disposed = true
	s.factory.release(s.reserved)
	s.reserved = 0
	if s.file != nil {
		name := s.file.Name()
		closeErr := s.file.Close()
		if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: removing spill file '%s': %w", utils.ErrStream, name, err)
		}
		return closeErr
	}
	return nil
}
