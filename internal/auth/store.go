// Package auth is the API-key lifecycle: generation, persistent
// metadata, validation with a short-lived cache, and revocation fan-out
// that terminates live sessions.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	bbolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/datagen24/dshield-mcp-sub001/internal/config"
	"github.com/datagen24/dshield-mcp-sub001/internal/contracts"
	"github.com/datagen24/dshield-mcp-sub001/internal/secret"
)

// KeyPrefix marks every generated key value.
const KeyPrefix = "dsk_"

// secretItem groups key values inside the secret store.
const secretItem = "api-keys"

// Bucket names.
var (
	KeysBucket   = []byte("api_keys")
	LookupBucket = []byte("api_key_lookup")
)

// Validation errors.
var (
	ErrKeyNotFound = errors.New("api key not found")
	ErrKeyExpired  = errors.New("api key expired")
	ErrKeyInvalid  = errors.New("api key invalid")
)

type cachedValidation struct {
	key       contracts.APIKey
	expiresAt time.Time
}

// Store owns API-key metadata and validation. Metadata lives in bbolt;
// the key values themselves live in the external secret store.
type Store struct {
	db      *bbolt.DB
	secrets *secret.Resolver
	cfg     config.APIKeyConfig
	logger  *zap.Logger
	clock   func() time.Time

	mu        sync.Mutex
	validated map[string]cachedValidation // keyed by value hash
	onRevoke  []func(keyID string)
}

// Open opens the key metadata database under dataDir.
func Open(dataDir string, secrets *secret.Resolver, cfg config.APIKeyConfig, logger *zap.Logger) (*Store, error) {
	path := filepath.Join(dataDir, "apikeys.db")
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open key database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{KeysBucket, LookupBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create key buckets: %w", err)
	}
	return &Store{
		db:        db,
		secrets:   secrets,
		cfg:       cfg,
		logger:    logger,
		clock:     time.Now,
		validated: make(map[string]cachedValidation),
	}, nil
}

// Close closes the metadata database.
func (s *Store) Close() error {
	return s.db.Close()
}

// OnRevoke registers a callback fired when a key is revoked. Transports
// use it to terminate the key's sessions.
func (s *Store) OnRevoke(fn func(keyID string)) {
	s.mu.Lock()
	s.onRevoke = append(s.onRevoke, fn)
	s.mu.Unlock()
}

func valueHash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func (s *Store) secretRef(keyID string) secret.Ref {
	ref, _ := secret.ParseRef(secret.FormatRef(s.cfg.Vault, secretItem, keyID))
	return ref
}

// CreateParams describes a new key.
type CreateParams struct {
	Name        string
	ExpiresIn   time.Duration // zero means no expiry
	Permissions []string
	RateLimit   uint32 // zero means the configured default
}

// Create generates a key, stores the value in the secret store and the
// metadata locally. The returned key carries the value; it is shown
// exactly once.
func (s *Store) Create(ctx context.Context, params CreateParams) (*contracts.APIKey, error) {
	if params.Name == "" {
		return nil, fmt.Errorf("key name is required")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	value := KeyPrefix + base64.RawURLEncoding.EncodeToString(raw)

	now := s.clock().UTC()
	key := contracts.APIKey{
		ID:          uuid.NewString(),
		Value:       value,
		Name:        params.Name,
		CreatedAt:   now,
		Permissions: make(map[string]bool, len(params.Permissions)),
		RateLimit:   params.RateLimit,
	}
	if key.RateLimit == 0 {
		key.RateLimit = s.cfg.DefaultRateLimit
	}
	if params.ExpiresIn > 0 {
		expires := now.Add(params.ExpiresIn)
		key.ExpiresAt = &expires
	}
	for _, p := range params.Permissions {
		key.Permissions[p] = true
	}
	if len(key.Permissions) == 0 {
		key.Permissions["*"] = true
	}

	if err := s.secrets.Store(ctx, s.secretRef(key.ID), value); err != nil {
		return nil, fmt.Errorf("failed to store key value: %w", err)
	}

	meta := key
	meta.Value = "" // the value never touches the local database
	err := s.db.Update(func(tx *bbolt.Tx) error {
		payload, err := meta.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(KeysBucket).Put([]byte(key.ID), payload); err != nil {
			return err
		}
		return tx.Bucket(LookupBucket).Put([]byte(valueHash(value)), []byte(key.ID))
	})
	if err != nil {
		// Roll the secret back so no orphaned value lingers.
		_ = s.secrets.Delete(ctx, s.secretRef(key.ID))
		return nil, fmt.Errorf("failed to store key metadata: %w", err)
	}

	s.logger.Info("API key created",
		zap.String("key_id", key.ID),
		zap.String("name", key.Name))
	return &key, nil
}

// Get returns one key's metadata.
func (s *Store) Get(keyID string) (*contracts.APIKey, error) {
	var key contracts.APIKey
	err := s.db.View(func(tx *bbolt.Tx) error {
		payload := tx.Bucket(KeysBucket).Get([]byte(keyID))
		if payload == nil {
			return ErrKeyNotFound
		}
		return key.UnmarshalBinary(payload)
	})
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// List returns every key's metadata, sorted by creation time.
func (s *Store) List() ([]contracts.APIKey, error) {
	var keys []contracts.APIKey
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(KeysBucket).ForEach(func(_, payload []byte) error {
			var key contracts.APIKey
			if err := key.UnmarshalBinary(payload); err != nil {
				return err
			}
			keys = append(keys, key)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.Before(keys[j].CreatedAt) })
	return keys, nil
}

// Validate checks a presented key value and returns its metadata.
// Successful validations are cached for the configured TTL so the secret
// store is not consulted on every request.
func (s *Store) Validate(ctx context.Context, value string) (*contracts.APIKey, error) {
	if len(value) < len(KeyPrefix) || value[:len(KeyPrefix)] != KeyPrefix {
		return nil, ErrKeyInvalid
	}
	now := s.clock()
	hash := valueHash(value)

	s.mu.Lock()
	if cached, ok := s.validated[hash]; ok && now.Before(cached.expiresAt) {
		key := cached.key
		s.mu.Unlock()
		if !key.Valid(now) {
			return nil, ErrKeyExpired
		}
		return &key, nil
	}
	s.mu.Unlock()

	var keyID string
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(LookupBucket).Get([]byte(hash))
		if id == nil {
			return ErrKeyNotFound
		}
		keyID = string(id)
		return nil
	})
	if err != nil {
		return nil, err
	}

	key, err := s.Get(keyID)
	if err != nil {
		return nil, err
	}

	stored, err := s.secrets.Resolve(ctx, s.secretRef(keyID))
	if err != nil {
		return nil, fmt.Errorf("failed to read key value: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(value)) != 1 {
		return nil, ErrKeyInvalid
	}
	if !key.Valid(now) {
		return nil, ErrKeyExpired
	}

	s.recordUsage(key)
	s.mu.Lock()
	s.validated[hash] = cachedValidation{key: *key, expiresAt: now.Add(s.cfg.ValidationTTL)}
	s.mu.Unlock()
	return key, nil
}

func (s *Store) recordUsage(key *contracts.APIKey) {
	key.UsageCount++
	key.LastUsed = s.clock().UTC()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		payload, err := key.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(KeysBucket).Put([]byte(key.ID), payload)
	})
	if err != nil {
		s.logger.Warn("Failed to record key usage", zap.String("key_id", key.ID), zap.Error(err))
	}
}

// Revoke deletes a key everywhere, purges its validation cache entries,
// and notifies subscribers so live sessions terminate.
func (s *Store) Revoke(ctx context.Context, keyID string) error {
	key, err := s.Get(keyID)
	if err != nil {
		return err
	}

	if err := s.secrets.Delete(ctx, s.secretRef(keyID)); err != nil {
		s.logger.Warn("Failed to delete key value from secret store",
			zap.String("key_id", keyID), zap.Error(err))
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(KeysBucket).Delete([]byte(keyID)); err != nil {
			return err
		}
		// The lookup row is keyed by value hash; scan for the id.
		lookup := tx.Bucket(LookupBucket)
		var stale [][]byte
		_ = lookup.ForEach(func(k, v []byte) error {
			if string(v) == keyID {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		for _, k := range stale {
			if err := lookup.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete key metadata: %w", err)
	}

	s.mu.Lock()
	for hash, cached := range s.validated {
		if cached.key.ID == keyID {
			delete(s.validated, hash)
		}
	}
	subs := append([]func(string){}, s.onRevoke...)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(keyID)
	}
	s.logger.Info("API key revoked",
		zap.String("key_id", keyID),
		zap.String("name", key.Name))
	return nil
}
