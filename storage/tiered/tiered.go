// Package tiered provides a Hot/Cold tiered backend that pairs a fast store
// (Hot) with a durable one (Cold). Cold is the source of truth: reads go to Cold
// and fall back to Hot only when Cold is unreachable; writes go to Cold first and
// then to Hot, synchronously or through an async worker.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/gocredit/pkg/credit"
)

// Config configures the tiered backend behavior
type Config struct {
	// Hot is the fast backend (e.g., Redis, Memory), read when Cold fails
	Hot credit.Backend

	// Cold is the durable backend (e.g., Postgres, Firestore, files) and the source of truth
	Cold credit.Backend

	// AsyncHotSync copies saved documents to Hot from a background worker.
	// If false, Hot is written synchronously after Cold.
	AsyncHotSync bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 100
	SyncBufferSize int

	// SyncTimeout bounds a single async Hot write. Default: 5s
	SyncTimeout time.Duration

	// AsyncErrorHandler is called when an async operation fails.
	AsyncErrorHandler func(error)
}

// Storage implements credit.Backend over two backends.
type Storage struct {
	hot  credit.Backend
	cold credit.Backend
	conf Config

	syncQueue chan func(context.Context) error
	shutdown  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ credit.Backend = (*Storage)(nil)

// New creates a new tiered backend.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold backends are required")
	}
	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 100
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = 5 * time.Second
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func(context.Context) error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}
	if config.AsyncHotSync {
		s.startWorker()
	}
	return s, nil
}

// Close stops the async worker after draining queued writes.
func (s *Storage) Close() error {
	if s.conf.AsyncHotSync {
		s.closeOnce.Do(func() {
			close(s.shutdown)
			s.wg.Wait()
		})
	}
	return nil
}

// startWorker runs queued Hot writes sequentially so documents land in save order.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.run(job)
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						s.run(job)
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) run(job func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.conf.SyncTimeout)
	defer cancel()
	if err := job(ctx); err != nil {
		s.reportError(fmt.Errorf("tiered sync failed: %w", err))
	}
}

func (s *Storage) reportError(err error) {
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(err)
	}
}

// Load implements credit.Backend. Cold answers; Hot serves only when Cold
// fails with something other than ErrDocumentNotFound, since Hot may lag.
func (s *Storage) Load(ctx context.Context, name string) ([]byte, error) {
	data, err := s.cold.Load(ctx, name)
	if err == nil {
		if repairErr := s.hot.Save(ctx, name, data); repairErr != nil {
			s.reportError(fmt.Errorf("tiered read repair of %s: %w", name, repairErr))
		}
		return data, nil
	}
	if errors.Is(err, credit.ErrDocumentNotFound) || ctx.Err() != nil {
		return nil, err
	}

	s.reportError(fmt.Errorf("tiered cold read of %s: %w", name, err))
	data, hotErr := s.hot.Load(ctx, name)
	if hotErr != nil {
		return nil, err
	}
	return data, nil
}

// LoadBackup implements credit.Backend. Backups are only read from Cold.
func (s *Storage) LoadBackup(ctx context.Context, name string) ([]byte, error) {
	return s.cold.LoadBackup(ctx, name)
}

// Save implements credit.Backend with write-through: Cold first, then Hot.
func (s *Storage) Save(ctx context.Context, name string, data []byte) error {
	if err := s.cold.Save(ctx, name, data); err != nil {
		return err
	}

	if !s.conf.AsyncHotSync {
		if err := s.hot.Save(ctx, name, data); err != nil {
			s.reportError(fmt.Errorf("tiered hot write of %s: %w", name, err))
		}
		return nil
	}

	copied := append([]byte(nil), data...)
	job := func(ctx context.Context) error {
		return s.hot.Save(ctx, name, copied)
	}
	// Hot writes stay in save order, so a full queue blocks the caller.
	select {
	case s.syncQueue <- job:
	case <-ctx.Done():
		s.reportError(fmt.Errorf("tiered hot write of %s not queued: %w", name, ctx.Err()))
	}
	return nil
}
