// Package config implements the repository metadata: the signed `config`
// document (version, chunker parameters, Cache-ID) stored at the
// repository's reserved `/config` path, and the standalone `/cid` value
// used to invalidate local caches.
package config

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"rekkord/chunker"
	"rekkord/keyring"
	"rekkord/objectstore"
	"rekkord/rekkorderr"
)

const (
	// PathConfig is the fixed path for the signed repository config.
	PathConfig = "config"
	// PathCID is the fixed path for the Cache-ID.
	PathCID = "cid"

	currentVersion = 1
)

// ChunkerParams holds the fixed-per-repository chunking bounds.
type ChunkerParams struct {
	MinChunk int `json:"min_chunk"`
	AvgChunk int `json:"avg_chunk"`
	MaxChunk int `json:"max_chunk"`
}

// DefaultChunkerParams returns the chunking bounds new repositories use.
func DefaultChunkerParams() ChunkerParams {
	return ChunkerParams{
		MinChunk: chunker.MinSize,
		AvgChunk: chunker.AvgSize,
		MaxChunk: chunker.MaxSize,
	}
}

// RepositoryConfig is the document stored at /config.
type RepositoryConfig struct {
	Version int           `json:"version"`
	Chunker ChunkerParams `json:"chunker"`
	CacheID string        `json:"cache_id"`
	Kid     string        `json:"kid"`
}

// signedConfig is the on-wire envelope for the config document: the raw
// JSON payload plus an Ed25519 signature over it.
type signedConfig struct {
	Payload   json.RawMessage `json:"payload"`
	Signature []byte          `json:"signature"`
}

// NewCacheID generates a fresh opaque 16-byte Cache-ID, rendered as a
// UUID.
func NewCacheID() string {
	return uuid.NewString()
}

// Init builds the initial RepositoryConfig for a freshly created
// repository, signs it with the config-signing key, and writes both
// /config and /cid to store.
func Init(ctx context.Context, store objectstore.Store, ks *keyring.KeySet, params ChunkerParams) (RepositoryConfig, error) {
	cacheID := NewCacheID()
	cfg := RepositoryConfig{
		Version: currentVersion,
		Chunker: params,
		CacheID: cacheID,
		Kid:     ks.Kid.String(),
	}

	if err := write(ctx, store, ks, cfg); err != nil {
		return RepositoryConfig{}, err
	}
	if err := store.Put(ctx, PathCID, []byte(cacheID)); err != nil {
		return RepositoryConfig{}, rekkorderr.New(rekkorderr.Io, "init config", err)
	}
	return cfg, nil
}

func write(ctx context.Context, store objectstore.Store, ks *keyring.KeySet, cfg RepositoryConfig) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return rekkorderr.New(rekkorderr.Config, "encode config", err)
	}
	sig, err := ks.SignConfig(payload)
	if err != nil {
		return err
	}
	envelope, err := json.Marshal(signedConfig{Payload: payload, Signature: sig})
	if err != nil {
		return rekkorderr.New(rekkorderr.Config, "encode config", err)
	}
	if err := store.Put(ctx, PathConfig, envelope); err != nil {
		return rekkorderr.New(rekkorderr.Io, "write config", err)
	}
	return nil
}

// Load reads and verifies the repository's /config document.
func Load(ctx context.Context, store objectstore.Store, ks *keyring.KeySet) (RepositoryConfig, error) {
	data, err := store.Get(ctx, PathConfig)
	if err != nil {
		if rekkorderr.Is(err, rekkorderr.NotFound) {
			return RepositoryConfig{}, rekkorderr.New(rekkorderr.Config, "load config", err)
		}
		return RepositoryConfig{}, rekkorderr.New(rekkorderr.Io, "load config", err)
	}

	var envelope signedConfig
	if err := json.Unmarshal(data, &envelope); err != nil {
		return RepositoryConfig{}, rekkorderr.New(rekkorderr.Config, "load config", err)
	}
	if !ks.VerifyConfig(envelope.Payload, envelope.Signature) {
		return RepositoryConfig{}, rekkorderr.New(rekkorderr.Auth, "load config", errBadConfigSignature{})
	}

	var cfg RepositoryConfig
	if err := json.Unmarshal(envelope.Payload, &cfg); err != nil {
		return RepositoryConfig{}, rekkorderr.New(rekkorderr.Config, "load config", err)
	}
	return cfg, nil
}

type errBadConfigSignature struct{}

func (errBadConfigSignature) Error() string { return "config signature verification failed" }

// LoadCacheID reads the repository's current /cid value, which local
// caches compare against their recorded one on open.
func LoadCacheID(ctx context.Context, store objectstore.Store) (string, error) {
	data, err := store.Get(ctx, PathCID)
	if err != nil {
		if rekkorderr.Is(err, rekkorderr.NotFound) {
			return "", rekkorderr.New(rekkorderr.Config, "load cache id", err)
		}
		return "", rekkorderr.New(rekkorderr.Io, "load cache id", err)
	}
	return string(data), nil
}

// Rotate generates a fresh Cache-ID and writes it to /cid, invalidating
// every local cache the next time it opens.
func Rotate(ctx context.Context, store objectstore.Store, ks *keyring.KeySet) (string, error) {
	cfg, err := Load(ctx, store, ks)
	if err != nil {
		return "", err
	}
	cfg.CacheID = NewCacheID()
	if err := write(ctx, store, ks, cfg); err != nil {
		return "", err
	}
	if err := store.Put(ctx, PathCID, []byte(cfg.CacheID)); err != nil {
		return "", rekkorderr.New(rekkorderr.Io, "rotate cache id", err)
	}
	return cfg.CacheID, nil
}
