package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"sort"
	"strings"
	"syscall"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrDatabase         = errors.New("database error")   // Wraps reference store engine errors
	ErrFilesystem       = errors.New("filesystem error") // Wraps os errors
	ErrParsing          = errors.New("parsing error")    // Wraps JSON/YAML decoding errors
	ErrConfigValidation = errors.New("configuration validation error")
	ErrLockHeld         = errors.New("collector lock held by another process")
	ErrNotRunning       = errors.New("collector not running")
	ErrCommitter        = errors.New("committer error")
	ErrImport           = errors.New("import error")
	ErrFetch            = errors.New("fetch error")
	ErrStream           = errors.New("stream cache error")
	ErrIO               = errors.New("i/o error") // Matches any IsIOError failure in stop_on_errors
)

// stopErrorNames maps configuration names to the error classes they stand for.
// A configured name matches the error itself or anything wrapping it.
var stopErrorNames = map[string]error{
	"database":       ErrDatabase,
	"filesystem":     ErrFilesystem,
	"parsing":        ErrParsing,
	"committer":      ErrCommitter,
	"import":         ErrImport,
	"fetch":          ErrFetch,
	"stream":         ErrStream,
	"io":             ErrIO,
	"unexpected_eof": io.ErrUnexpectedEOF,
	"not_exist":      os.ErrNotExist,
	"permission":     os.ErrPermission,
	"canceled":       context.Canceled,
	"deadline":       context.DeadlineExceeded,
}

// StopErrorNames lists the names accepted by ResolveStopErrors, sorted.
func StopErrorNames() []string {
	names := make([]string, 0, len(stopErrorNames))
	for n := range stopErrorNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ResolveStopErrors converts configured error names to error classes.
func ResolveStopErrors(names []string) ([]error, error) {
	resolved := make([]error, 0, len(names))
	for _, name := range names {
		target, ok := stopErrorNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("%w: unknown stop_on_errors entry '%s' (known: %s)",
				ErrConfigValidation, name, strings.Join(StopErrorNames(), ", "))
		}
		resolved = append(resolved, target)
	}
	return resolved, nil
}

// MatchesAny reports whether err is, or wraps, one of targets. ErrIO
// matches by class, see IsIOError.
func MatchesAny(err error, targets []error) bool {
	if err == nil {
		return false
	}
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
		if target == ErrIO && IsIOError(err) {
			return true
		}
	}
	return false
}

// IsIOError reports whether err is, or wraps, an input/output failure: a
// path, link, syscall or network operation error, a bare errno, or a
// truncated or closed stream.
func IsIOError(err error) bool {
	if err == nil {
		return false
	}
	var (
		pathErr *fs.PathError
		linkErr *os.LinkError
		sysErr  *os.SyscallError
		opErr   *net.OpError
		errno   syscall.Errno
	)
	switch {
	case errors.Is(err, ErrIO),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, io.ErrShortWrite):
		return true
	case errors.As(err, &pathErr),
		errors.As(err, &linkErr),
		errors.As(err, &sysErr),
		errors.As(err, &opErr),
		errors.As(err, &errno):
		return true
	}
	return false
}

// CategorizeError maps an error to a predefined category string for logging/metrics.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	switch {
	case errors.Is(err, ErrLockHeld):
		return "Collector_LockHeld"
	case errors.Is(err, ErrNotRunning):
		return "Collector_NotRunning"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	case errors.Is(err, ErrDatabase):
		if strings.Contains(strings.ToLower(err.Error()), "conflict") {
			return "Database_Conflict"
		}
		return "Database_Other"
	case errors.Is(err, ErrFilesystem):
		if errors.Is(err, os.ErrPermission) {
			return "Filesystem_Permission"
		}
		if errors.Is(err, os.ErrNotExist) {
			return "Filesystem_NotExist"
		}
		if errors.Is(err, os.ErrExist) {
			return "Filesystem_Exist"
		}
		return "Filesystem_Other"
	case errors.Is(err, ErrParsing):
		errMsg := err.Error()
		if strings.Contains(errMsg, "JSON") {
			return "Content_ParsingJSON"
		}
		if strings.Contains(errMsg, "YAML") {
			return "Content_ParsingYAML"
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrCommitter):
		return "Committer"
	case errors.Is(err, ErrImport):
		return "Import"
	case errors.Is(err, ErrFetch):
		return "Fetch"
	case errors.Is(err, ErrStream):
		return "Stream"
	}

	// --- Fallback checks for common underlying error types ---
	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "System_ContextDeadlineExceeded"
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return "IO_UnexpectedEOF"
	}
	if errors.Is(err, os.ErrPermission) {
		return "Filesystem_Permission"
	}
	if errors.Is(err, os.ErrNotExist) {
		return "Filesystem_NotExist"
	}
	if IsIOError(err) {
		return "IO_Other"
	}
	lowerErrMsg := strings.ToLower(err.Error())
	if strings.Contains(lowerErrMsg, "timeout") {
		return "Network_TimeoutGeneric"
	}
	if strings.Contains(lowerErrMsg, "connection refused") {
		return "Network_ConnectionRefused"
	}

	return "Unknown"
}
