package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jjbrunton/Sauci-sub000/global"
	"github.com/jjbrunton/Sauci-sub000/repository"
	"github.com/jjbrunton/Sauci-sub000/types"
	"github.com/jjbrunton/Sauci-sub000/util"
	"github.com/redis/go-redis/v9"
)

// KeyDirectoryService resolves peers' published public keys, with a redis
// read-through cache. A peer with no published key resolves to nil, nil: that
// is the plaintext-fallback trigger, not an error.
type KeyDirectoryService struct {
	publicKeyRepo repository.Repository
	env           *types.Environment
	cacheTTL      time.Duration
}

func NewKeyDirectoryService(dbSelector repository.DBSelector, env *types.Environment) *KeyDirectoryService {
	publicKeyRepo, err := dbSelector.ChooseDB(repository.PublicKeys)
	if err != nil {
		panic(err)
	}
	ttl := time.Duration(global.Conf.E2EE.DirectoryCacheTTLSeconds) * time.Second
	return &KeyDirectoryService{publicKeyRepo: publicKeyRepo, env: env, cacheTTL: ttl}
}

func cacheKey(accountID string) string {
	return "pubkey:" + accountID
}

// GetPublicKeyFor fetches the current public key record for a peer.
// Returns nil, nil when the peer has never published one.
func (kd *KeyDirectoryService) GetPublicKeyFor(ctx context.Context, accountID string) (*types.PublicKeyRecord, error) {
	if cached := kd.getFromCache(ctx, accountID); cached != nil {
		return cached, nil
	}

	resp, err := kd.publicKeyRepo.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var record types.PublicKeyRecord
	if mErr := repository.MapToObject(resp, &record); mErr != nil {
		return nil, mErr
	}
	if !util.IsValidPublicKeyJWK(record.PublicKeyJWK) {
		// a malformed published key is the same as no key at all
		global.Logger.Log("level", "warn", "service", "keydirectory", "message", "invalid published key, treating as unavailable", "account", accountID)
		return nil, nil
	}

	kd.saveToCache(ctx, accountID, &record)
	return &record, nil
}

// Refresh forces a re-fetch, used when decryption fails with a key-mismatch
// signal or when the peer's profile is known to have changed.
func (kd *KeyDirectoryService) Refresh(ctx context.Context, accountID string) (*types.PublicKeyRecord, error) {
	kd.deleteFromCache(ctx, accountID)
	return kd.GetPublicKeyFor(ctx, accountID)
}

// PublishPublicKey stores the owner's current public key. The version counter
// increments on every key change; publishing the same key is a no-op.
func (kd *KeyDirectoryService) PublishPublicKey(ctx context.Context, accountID string, publicKeyJWK string, version int) error {
	if !util.IsValidPublicKeyJWK(publicKeyJWK) {
		return types.ErrInvalidPublicKey
	}

	now := time.Now().UTC().UnixMilli()
	record := types.PublicKeyRecord{
		OwnerID:      accountID,
		PublicKeyJWK: publicKeyJWK,
		Version:      version,
		Created:      now,
	}

	existing, err := kd.GetPublicKeyFor(ctx, accountID)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.PublicKeyJWK == publicKeyJWK && existing.Version == version {
			return nil
		}
		if version < existing.Version {
			return fmt.Errorf("%w: version %d is older than published %d", types.ErrConflict, version, existing.Version)
		}
		record.BaseDocument = existing.BaseDocument
		record.Created = existing.Created
		record.Modified = now
	}

	if sErr := kd.publicKeyRepo.Save(ctx, accountID, &record); sErr != nil {
		return sErr
	}
	kd.deleteFromCache(ctx, accountID)
	return nil
}

func (kd *KeyDirectoryService) getFromCache(ctx context.Context, accountID string) *types.PublicKeyRecord {
	val, cErr := kd.env.RedisClient.Get(ctx, cacheKey(accountID)).Result()
	if cErr != nil {
		if cErr != redis.Nil {
			global.Logger.Log("CacheError", "KeyDirectoryService.Get", cErr.Error())
		}
		return nil
	}
	var record types.PublicKeyRecord
	if err := json.Unmarshal([]byte(val), &record); err != nil {
		global.Logger.Log("CacheError", "KeyDirectoryService.Get unmarshal error", err.Error())
		return nil
	}
	if record.OwnerID == "" {
		return nil
	}
	return &record
}

func (kd *KeyDirectoryService) saveToCache(ctx context.Context, accountID string, record *types.PublicKeyRecord) {
	recordString, mErr := json.Marshal(record)
	if mErr != nil {
		global.Logger.Log("CacheError", "KeyDirectoryService.Set", "failed to marshal", mErr.Error())
		return
	}
	if cErr := kd.env.RedisClient.Set(ctx, cacheKey(accountID), recordString, kd.cacheTTL).Err(); cErr != nil {
		global.Logger.Log("CacheError", "KeyDirectoryService.Set", "failed to store to cache", cErr.Error())
	}
}

func (kd *KeyDirectoryService) deleteFromCache(ctx context.Context, accountID string) {
	if cErr := kd.env.RedisClient.Del(ctx, cacheKey(accountID)).Err(); cErr != nil {
		global.Logger.Log("CacheError", "KeyDirectoryService.Delete", cErr.Error())
	}
}
