package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

// Engine names accepted by Open.
const (
	EngineBadger   = "badger"
	EngineMemory   = "memory"
	EnginePostgres = "postgres"
)

// Options selects and configures a store engine.
type Options struct {
	Engine         string
	Dir            string // badger: database directory
	DSN            string // postgres: connection string
	Table          string // postgres: table base name
	MaxConns       int32
	GCInterval     time.Duration
	BadgerLogLevel logrus.Level
}

// Open creates the configured engine. For badger a value-log GC goroutine is
// started and stops with ctx.
func Open(ctx context.Context, opts Options, logger *logrus.Entry) (Store, error) {
	switch strings.ToLower(opts.Engine) {
	case "", EngineBadger:
		store, err := NewBadgerStore(ctx, opts.Dir, logger, opts.BadgerLogLevel)
		if err != nil {
			return nil, err
		}
		go store.RunGC(ctx, opts.GCInterval)
		return store, nil
	case EngineMemory:
		return NewMemoryStore(logger), nil
	case EnginePostgres:
		return NewPostgresStore(ctx, opts.DSN, opts.Table, opts.MaxConns, logger)
	}
	return nil, fmt.Errorf("%w: unknown store engine '%s'", utils.ErrConfigValidation, opts.Engine)
}
