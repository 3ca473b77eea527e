package storage

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	TLS       RedisTLSConfig
}

// putEntry writes a field only while the generation is still listed, so a late
// write cannot resurrect a deleted generation's hash.
var putEntry = valkey.NewLuaScript(`
if redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// redisStorage keeps one hash per generation (field = request key, value =
// JSON entry) plus a set listing generation names.
type redisStorage struct {
	client valkey.Client
	prefix string
}

func NewRedis(cfg RedisConfig) (Storage, error) {
	if cfg.Address == "" {
		return nil, errors.New("storage: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("storage: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("storage: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("storage: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("storage: redis ping: %w", err)
	}

	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "offlinecache"
	}
	return &redisStorage{client: client, prefix: prefix}, nil
}

func (s *redisStorage) namesKey() string { return s.prefix + ":generations" }

func (s *redisStorage) generationKey(name string) string { return s.prefix + ":generation:" + name }

func (s *redisStorage) Open(ctx context.Context, name string) (Generation, error) {
	cmd := s.client.B().Sadd().Key(s.namesKey()).Member(name).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return nil, fmt.Errorf("storage: redis open %s: %w", name, err)
	}
	return &redisGeneration{client: s.client, name: name, key: s.generationKey(name), names: s.namesKey()}, nil
}

func (s *redisStorage) Has(ctx context.Context, name string) (bool, error) {
	cmd := s.client.B().Sismember().Key(s.namesKey()).Member(name).Build()
	ok, err := s.client.Do(ctx, cmd).AsBool()
	if err != nil {
		return false, fmt.Errorf("storage: redis has %s: %w", name, err)
	}
	return ok, nil
}

func (s *redisStorage) Names(ctx context.Context) ([]string, error) {
	names, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.namesKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("storage: redis names: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *redisStorage) Delete(ctx context.Context, name string) (bool, error) {
	results := s.client.DoMulti(ctx,
		s.client.B().Srem().Key(s.namesKey()).Member(name).Build(),
		s.client.B().Del().Key(s.generationKey(name)).Build(),
	)
	removed, err := results[0].AsInt64()
	if err != nil {
		return false, fmt.Errorf("storage: redis delete %s: %w", name, err)
	}
	if err := results[1].Error(); err != nil {
		return removed > 0, fmt.Errorf("storage: redis delete entries %s: %w", name, err)
	}
	return removed > 0, nil
}

func (s *redisStorage) Close(context.Context) error {
	s.client.Close()
	return nil
}

type redisGeneration struct {
	client valkey.Client
	name   string
	key    string
	names  string
}

func (g *redisGeneration) Name() string { return g.name }

func (g *redisGeneration) Match(ctx context.Context, key string) (Entry, bool, error) {
	resp := g.client.Do(ctx, g.client.B().Hget().Key(g.key).Field(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("storage: redis hget: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("storage: redis hget bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("storage: redis unmarshal: %w", err)
	}
	return entry, true, nil
}

func (g *redisGeneration) Put(ctx context.Context, key string, entry Entry) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("storage: redis marshal: %w", err)
	}
	written, err := putEntry.Exec(ctx, g.client, []string{g.names, g.key}, []string{g.name, key, string(payload)}).AsInt64()
	if err != nil {
		return fmt.Errorf("storage: redis hset: %w", err)
	}
	if written == 0 {
		return ErrGenerationDeleted
	}
	return nil
}

func (g *redisGeneration) Delete(ctx context.Context, key string) (bool, error) {
	n, err := g.client.Do(ctx, g.client.B().Hdel().Key(g.key).Field(key).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("storage: redis hdel: %w", err)
	}
	return n > 0, nil
}

func (g *redisGeneration) Keys(ctx context.Context) ([]string, error) {
	keys, err := g.client.Do(ctx, g.client.B().Hkeys().Key(g.key).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("storage: redis hkeys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
