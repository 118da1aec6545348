package settings

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const defaultRedisKeyPrefix = "purgectl:"

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

type redisRepository struct {
	client valkey.Client
	prefix string
}

// NewRedis connects to a valkey/redis server and verifies it with PING.
func NewRedis(cfg RedisConfig) (Repository, error) {
	if cfg.Address == "" {
		return nil, errors.New("settings: redis address required")
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
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("settings: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("settings: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("settings: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("settings: redis ping: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &redisRepository{client: client, prefix: prefix}, nil
}

func (r *redisRepository) purgerKey(id string) string { return r.prefix + "purger:" + id }

func (r *redisRepository) indexKey() string { return r.prefix + "purgers" }

func (r *redisRepository) Load(ctx context.Context, id string) (PurgerSettings, error) {
	resp := r.client.Do(ctx, r.client.B().Get().Key(r.purgerKey(id)).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return PurgerSettings{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return PurgerSettings{}, fmt.Errorf("settings: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return PurgerSettings{}, fmt.Errorf("settings: redis get bytes: %w", err)
	}
	var s PurgerSettings
	if err := json.Unmarshal(payload, &s); err != nil {
		return PurgerSettings{}, fmt.Errorf("settings: redis unmarshal: %w", err)
	}
	return s, nil
}

func (r *redisRepository) Save(ctx context.Context, id string, s PurgerSettings) error {
	if id == "" {
		return errors.New("settings: purger id required")
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("settings: redis marshal: %w", err)
	}
	set := r.client.B().Set().Key(r.purgerKey(id)).Value(string(payload)).Build()
	index := r.client.B().Sadd().Key(r.indexKey()).Member(id).Build()
	for _, resp := range r.client.DoMulti(ctx, set, index) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("settings: redis save: %w", err)
		}
	}
	return nil
}

func (r *redisRepository) Delete(ctx context.Context, id string) error {
	del := r.client.B().Del().Key(r.purgerKey(id)).Build()
	index := r.client.B().Srem().Key(r.indexKey()).Member(id).Build()
	results := r.client.DoMulti(ctx, del, index)
	for _, resp := range results {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("settings: redis delete: %w", err)
		}
	}
	removed, err := results[0].AsInt64()
	if err != nil {
		return fmt.Errorf("settings: redis delete count: %w", err)
	}
	if removed == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (r *redisRepository) List(ctx context.Context) ([]string, error) {
	ids, err := r.client.Do(ctx, r.client.B().Smembers().Key(r.indexKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("settings: redis members: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *redisRepository) Close(context.Context) error {
	r.client.Close()
	return nil
}
