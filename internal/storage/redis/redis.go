package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goodtune/procmon/internal/config"
	"github.com/goodtune/procmon/internal/storage"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "procmon:state:"

// Store implements the storage.Store interface using Redis
type Store struct {
	client *redis.Client
	prefix string
	save   *redis.Script
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}

	return &Store{
		client: client,
		prefix: prefix,
		save:   redis.NewScript(saveStateScript),
	}, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) metaKey() string   { return s.prefix + "meta" }
func (s *Store) indexKey() string  { return s.prefix + "keys" }
func (s *Store) accessKey() string { return s.prefix + "access" }

// Save writes the snapshot with a single Lua script.
func (s *Store) Save(ctx context.Context, state *storage.State) error {
	args := []interface{}{
		s.prefix,
		state.Version,
		state.Day,
		state.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}

	usage := make([]interface{}, 0)
	for _, user := range sortedKeys(state.Usage) {
		scopes := state.Usage[user]
		for _, scope := range sortedKeys(scopes) {
			usage = append(usage, user, scope, scopes[scope].Seconds)
		}
	}
	args = append(args, len(usage)/3)
	args = append(args, usage...)

	warnings := make([]interface{}, 0)
	for _, user := range sortedKeys(state.Warnings) {
		scopes := state.Warnings[user]
		for _, scope := range sortedKeys(scopes) {
			if len(scopes[scope]) == 0 {
				continue
			}
			warnings = append(warnings, user, scope, formatThresholds(scopes[scope]))
		}
	}
	args = append(args, len(warnings)/3)
	args = append(args, warnings...)

	access := make([]interface{}, 0)
	for _, user := range sortedKeys(state.Access) {
		data, err := json.Marshal(state.Access[user])
		if err != nil {
			return fmt.Errorf("failed to marshal access record for %s: %w", user, err)
		}
		access = append(access, user, string(data))
	}
	args = append(args, len(access)/2)
	args = append(args, access...)

	keys := []string{s.metaKey(), s.indexKey(), s.accessKey()}
	if err := s.save.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// Load reads the current snapshot.
func (s *Store) Load(ctx context.Context) (*storage.State, error) {
	meta, err := s.client.HGetAll(ctx, s.metaKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read state meta: %w", err)
	}

	state, err := parseMeta(meta)
	if err != nil {
		return nil, err
	}

	keys, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read state index: %w", err)
	}

	usagePrefix := s.prefix + "usage:"
	warningsPrefix := s.prefix + "warnings:"

	for _, key := range keys {
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}

		switch {
		case strings.HasPrefix(key, usagePrefix):
			user := strings.TrimPrefix(key, usagePrefix)
			records, err := parseUsageHash(fields, state.Day)
			if err != nil {
				return nil, fmt.Errorf("failed to parse usage for %s: %w", user, err)
			}
			state.Usage[user] = records
		case strings.HasPrefix(key, warningsPrefix):
			user := strings.TrimPrefix(key, warningsPrefix)
			fired, err := parseWarningHash(fields)
			if err != nil {
				return nil, fmt.Errorf("failed to parse warnings for %s: %w", user, err)
			}
			state.Warnings[user] = fired
		}
	}

	access, err := s.client.HGetAll(ctx, s.accessKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read access records: %w", err)
	}
	for user, raw := range access {
		var rec storage.AccessRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to parse access record for %s: %w", user, err)
		}
		state.Access[user] = &rec
	}

	state.Normalize()
	return state, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatThresholds(fired []int64) string {
	parts := make([]string, len(fired))
	for i, v := range fired {
		parts[i] = strconv.FormatInt(v, 10)
	}
	return strings.Join(parts, ",")
}
