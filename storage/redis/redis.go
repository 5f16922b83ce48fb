// Package redis provides a Redis implementation of the credit.Backend interface.
// Saves run as a Lua script so the backup copy and the new document are
// written atomically.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gocredit/pkg/credit"
)

// Storage implements credit.Backend using Redis strings
type Storage struct {
	client redis.UniversalClient
	config Config
	save   *redis.Script
}

var _ credit.Backend = (*Storage)(nil)

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gocredit:")
	KeyPrefix string

	// BackupTTL expires backup keys (0 = no expiration)
	BackupTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "gocredit:",
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "gocredit:"
	}

	return &Storage{
		client: client,
		config: config,
		save: redis.NewScript(`
			local current = redis.call('GET', KEYS[1])
			if current then
				redis.call('SET', KEYS[2], current)
				local ttl = tonumber(ARGV[2])
				if ttl > 0 then
					redis.call('PEXPIRE', KEYS[2], ttl)
				end
			end
			redis.call('SET', KEYS[1], ARGV[1])
			return 1
		`),
	}, nil
}

// Load implements credit.Backend
func (s *Storage) Load(ctx context.Context, name string) ([]byte, error) {
	return s.get(ctx, s.documentKey(name))
}

// LoadBackup implements credit.Backend
func (s *Storage) LoadBackup(ctx context.Context, name string) ([]byte, error) {
	return s.get(ctx, s.backupKey(name))
}

// Save implements credit.Backend
func (s *Storage) Save(ctx context.Context, name string, data []byte) error {
	keys := []string{s.documentKey(name), s.backupKey(name)}
	err := s.save.Run(ctx, s.client, keys, data, s.config.BackupTTL.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to save document %s: %w", name, err)
	}
	return nil
}

// Now returns the Redis server time (TIME command).
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read redis time: %w", err)
	}
	return t.UTC(), nil
}

func (s *Storage) get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, credit.ErrDocumentNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return data, nil
}

func (s *Storage) documentKey(name string) string {
	return s.config.KeyPrefix + "doc:" + name
}

func (s *Storage) backupKey(name string) string {
	return s.config.KeyPrefix + "doc:" + name + ":bak"
}
