// Package store persists trading state that must survive a restart in Redis,
// falling back to an in-memory copy when Redis is unavailable.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"risk-gated-trader/internal/circuit"
	"risk-gated-trader/internal/compliance"
	"risk-gated-trader/internal/domain"
)

// Config holds Redis connection settings
type Config struct {
	Enabled   bool   `json:"enabled"`
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	PoolSize  int    `json:"pool_size"`
	KeyPrefix string `json:"key_prefix"`
}

// DefaultConfig returns a disabled local Redis configuration
func DefaultConfig() Config {
	return Config{
		Address:   "localhost:6379",
		PoolSize:  10,
		KeyPrefix: "trader",
	}
}

// StateTTL bounds how long persisted state outlives the process
const StateTTL = 7 * 24 * time.Hour

// StateStore keeps compliance, breaker and position state. Writes always
// land in memory first; Redis failures degrade to memory-only until
// CheckConnection succeeds again.
type StateStore struct {
	client         *redis.Client
	prefix         string
	logger         zerolog.Logger
	redisAvailable atomic.Bool

	mu         sync.RWMutex
	compliance *compliance.State
	breaker    *circuit.State
	positions  []domain.Position
}

// NewClient opens a Redis client for cfg, or returns nil when disabled
func NewClient(cfg Config) *redis.Client {
	if !cfg.Enabled {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// NewStateStore creates a store. A nil client means memory-only mode.
func NewStateStore(client *redis.Client, keyPrefix string, logger zerolog.Logger) *StateStore {
	if keyPrefix == "" {
		keyPrefix = "trader"
	}
	s := &StateStore{
		client: client,
		prefix: keyPrefix,
		logger: logger.With().Str("component", "state_store").Logger(),
	}

	if client == nil {
		s.logger.Info().Msg("No Redis client configured, using in-memory state only")
		return s
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory state")
	} else {
		s.redisAvailable.Store(true)
		s.logger.Info().Msg("Redis connected")
	}
	return s
}

func (s *StateStore) key(name string) string {
	return s.prefix + ":" + name
}

// IsRedisAvailable reports whether writes currently reach Redis
func (s *StateStore) IsRedisAvailable() bool {
	return s.redisAvailable.Load()
}

// CheckConnection pings Redis and re-enables it after recovery
func (s *StateStore) CheckConnection(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("no Redis client configured")
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.redisAvailable.Store(false)
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if !s.redisAvailable.Swap(true) {
		s.logger.Info().Msg("Redis connection recovered")
	}
	return nil
}

// SaveCompliance persists the compliance state
func (s *StateStore) SaveCompliance(ctx context.Context, st compliance.State) error {
	s.mu.Lock()
	s.compliance = &st
	s.mu.Unlock()
	return s.write(ctx, "compliance", st)
}

// SaveBreaker persists the breaker halt state
func (s *StateStore) SaveBreaker(ctx context.Context, st circuit.State) error {
	s.mu.Lock()
	s.breaker = &st
	s.mu.Unlock()
	return s.write(ctx, "breaker", st)
}

// SavePositions replaces the persisted open-position registry
func (s *StateStore) SavePositions(ctx context.Context, positions []domain.Position) error {
	cp := make([]domain.Position, len(positions))
	copy(cp, positions)
	s.mu.Lock()
	s.positions = cp
	s.mu.Unlock()
	return s.write(ctx, "positions", cp)
}

// LoadCompliance returns the persisted compliance state, if any
func (s *StateStore) LoadCompliance(ctx context.Context) (compliance.State, bool, error) {
	var st compliance.State
	ok, err := s.read(ctx, "compliance", &st)
	if err != nil || ok {
		return st, ok, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.compliance == nil {
		return compliance.State{}, false, nil
	}
	return *s.compliance, true, nil
}

// LoadBreaker returns the persisted breaker state, if any
func (s *StateStore) LoadBreaker(ctx context.Context) (circuit.State, bool, error) {
	var st circuit.State
	ok, err := s.read(ctx, "breaker", &st)
	if err != nil || ok {
		return st, ok, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.breaker == nil {
		return circuit.State{}, false, nil
	}
	return *s.breaker, true, nil
}

// LoadPositions returns the persisted open positions
func (s *StateStore) LoadPositions(ctx context.Context) ([]domain.Position, error) {
	var positions []domain.Position
	ok, err := s.read(ctx, "positions", &positions)
	if err != nil || ok {
		return positions, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Position, len(s.positions))
	copy(out, s.positions)
	return out, nil
}

// Close closes the Redis client
func (s *StateStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// write stores value in Redis when available. Redis errors are logged and
// swallowed; the in-memory copy is already updated.
func (s *StateStore) write(ctx context.Context, name string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s state: %w", name, err)
	}
	if s.client == nil || !s.redisAvailable.Load() {
		return nil
	}

	if err := s.client.Set(ctx, s.key(name), data, StateTTL).Err(); err != nil {
		s.redisAvailable.Store(false)
		s.logger.Warn().Err(err).Str("key", s.key(name)).Msg("Redis write failed, using in-memory state")
	}
	return nil
}

// read reports ok=false when Redis is unavailable or the key is missing
func (s *StateStore) read(ctx context.Context, name string, dest interface{}) (bool, error) {
	if s.client == nil || !s.redisAvailable.Load() {
		return false, nil
	}

	data, err := s.client.Get(ctx, s.key(name)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		s.redisAvailable.Store(false)
		s.logger.Warn().Err(err).Str("key", s.key(name)).Msg("Redis read failed, using in-memory state")
		return false, nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s state: %w", name, err)
	}
	return true, nil
}
