package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mihaimyh/gocredit/pkg/credit"
)

// table is one cached document guarded by a weight-1 semaphore. The
// semaphore hands the lock to waiters in arrival order.
type table[T any] struct {
	name    string
	backend credit.Backend
	lock    *semaphore.Weighted
	indent  bool
	metrics credit.Metrics
	logger  credit.Logger

	loaded bool
	data   T
	empty  func() T
	clone  func(T) T
}

func newTable[T any](name string, backend credit.Backend, config Config, empty func() T, clone func(T) T) *table[T] {
	return &table[T]{
		name:    name,
		backend: backend,
		lock:    semaphore.NewWeighted(1),
		indent:  config.Indent,
		metrics: config.Metrics,
		logger:  config.Logger,
		empty:   empty,
		clone:   clone,
	}
}

func (t *table[T]) view(ctx context.Context, fn func(T) error) error {
	if err := t.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer t.lock.Release(1)

	if err := t.load(ctx); err != nil {
		return err
	}
	return fn(t.data)
}

func (t *table[T]) update(ctx context.Context, fn func(T) (T, error)) error {
	return t.updateThen(ctx, fn, nil)
}

// updateThen is update with a hook that runs after the save, lock still held.
// When after fails the previous document is saved back.
func (t *table[T]) updateThen(ctx context.Context, fn func(T) (T, error), after func() error) error {
	if err := t.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer t.lock.Release(1)

	if err := t.load(ctx); err != nil {
		return err
	}

	next, err := fn(t.clone(t.data))
	if err != nil {
		return err
	}

	if err := t.save(ctx, next); err != nil {
		return err
	}

	if after != nil {
		if err := after(); err != nil {
			if rbErr := t.save(ctx, t.data); rbErr != nil {
				t.logger.Error("failed to roll back ledger table",
					credit.Field{Key: "table", Value: t.name},
					credit.ErrorField(rbErr))
				t.data = next
			}
			return err
		}
	}

	t.data = next
	return nil
}

func (t *table[T]) save(ctx context.Context, v T) error {
	data, err := encode(v, t.indent)
	if err != nil {
		return fmt.Errorf("document: encode %s: %w", t.name, err)
	}

	start := time.Now()
	err = t.backend.Save(ctx, t.name, data)
	t.metrics.RecordStorageOperation(t.name, "save", time.Since(start), err)
	if err != nil {
		t.logger.Error("failed to persist ledger table",
			credit.Field{Key: "table", Value: t.name},
			credit.ErrorField(err))
		return fmt.Errorf("document: save %s: %w", t.name, err)
	}
	return nil
}

// load reads the table on first access. Callers hold the lock.
func (t *table[T]) load(ctx context.Context) error {
	if t.loaded {
		return nil
	}

	start := time.Now()
	v, err := t.read(ctx, t.backend.Load)
	t.metrics.RecordStorageOperation(t.name, "load", time.Since(start), ignoreNotFound(err))
	if err == nil {
		t.set(v)
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	primaryMissing := errors.Is(err, credit.ErrDocumentNotFound)
	if !primaryMissing {
		t.logger.Warn("ledger table unreadable, trying backup",
			credit.Field{Key: "table", Value: t.name},
			credit.ErrorField(err))
	}

	v, backupErr := t.read(ctx, t.backend.LoadBackup)
	if backupErr == nil {
		if primaryMissing {
			t.logger.Warn("ledger table missing, restored from backup",
				credit.Field{Key: "table", Value: t.name})
		}
		t.set(v)
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	if primaryMissing && errors.Is(backupErr, credit.ErrDocumentNotFound) {
		t.logger.Debug("ledger table initialized empty", credit.Field{Key: "table", Value: t.name})
	} else {
		t.logger.Error("ledger table and backup unreadable, starting empty",
			credit.Field{Key: "table", Value: t.name},
			credit.ErrorField(err),
			credit.Field{Key: "backup_error", Value: backupErr.Error()})
	}
	t.set(t.empty())
	return nil
}

func (t *table[T]) read(ctx context.Context, get func(context.Context, string) ([]byte, error)) (T, error) {
	var zero T
	raw, err := get(ctx, t.name)
	if err != nil {
		return zero, err
	}
	v := t.empty()
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, fmt.Errorf("document: decode %s: %w", t.name, err)
	}
	return v, nil
}

// set installs a freshly decoded table, dropping null rows.
func (t *table[T]) set(v T) {
	t.data = t.clone(v)
	t.loaded = true
}

func ignoreNotFound(err error) error {
	if errors.Is(err, credit.ErrDocumentNotFound) {
		return nil
	}
	return err
}
