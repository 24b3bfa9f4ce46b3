package services

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jjbrunton/Sauci-sub000/global"
	"github.com/jjbrunton/Sauci-sub000/metrics"
	"github.com/jjbrunton/Sauci-sub000/types"
	"github.com/jjbrunton/Sauci-sub000/util"
	"golang.org/x/sync/singleflight"
)

const keyStoreRecordName = "e2ee_key_record"

// storedKey is one generation of the key pair as persisted (cbor, then
// encrypted under the scrypt-derived storage key).
type storedKey struct {
	Version       int    `cbor:"1,keyasint"`
	Created       int64  `cbor:"2,keyasint"`
	PrivateKeyDER []byte `cbor:"3,keyasint"`
}

type storedRecord struct {
	Current storedKey   `cbor:"1,keyasint"`
	History []storedKey `cbor:"2,keyasint,omitempty"`
}

// KeyPublisher publishes the local account's public key to the directory.
type KeyPublisher interface {
	PublishPublicKey(ctx context.Context, accountID string, publicKeyJWK string, version int) error
}

// KeyStoreService owns the local account's key pairs: generation, encrypted
// persistence, rotation and erasure. Old pairs are retained read-only so
// envelopes wrapped under a previous version keep decrypting after rotation.
type KeyStoreService struct {
	accountID  string
	storage    SecureStorage
	storageKey []byte
	directory  KeyPublisher

	mu          sync.RWMutex
	state       types.KeyStoreState
	current     *rsa.PrivateKey
	history     map[int]*rsa.PrivateKey
	subscribers []chan types.KeyStoreState

	group singleflight.Group
}

func NewKeyStoreService(accountID string, storage SecureStorage, storageKey []byte, directory KeyPublisher) *KeyStoreService {
	return &KeyStoreService{
		accountID:  accountID,
		storage:    storage,
		storageKey: storageKey,
		directory:  directory,
		state:      types.KeyStoreState{Status: types.KeyStoreUninitialized},
		history:    make(map[int]*rsa.PrivateKey),
	}
}

// State returns a snapshot of the key store state machine.
func (ks *KeyStoreService) State() types.KeyStoreState {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.state
}

// Subscribe returns a channel receiving state transitions and a cancel func.
func (ks *KeyStoreService) Subscribe() (<-chan types.KeyStoreState, func()) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ch := make(chan types.KeyStoreState, 4)
	ks.subscribers = append(ks.subscribers, ch)
	cancel := func() {
		ks.mu.Lock()
		defer ks.mu.Unlock()
		for i, s := range ks.subscribers {
			if s == ch {
				ks.subscribers = append(ks.subscribers[:i], ks.subscribers[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (ks *KeyStoreService) setState(state types.KeyStoreState) {
	ks.mu.Lock()
	ks.state = state
	subs := make([]chan types.KeyStoreState, len(ks.subscribers))
	copy(subs, ks.subscribers)
	ks.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- state:
		default: // slow subscriber, drop
		}
	}
}

// EnsureKeyPair returns the existing local key pair or generates and persists
// a new one. Concurrent callers are coalesced into a single generation
// attempt, so a race can never mint two pairs and orphan envelopes wrapped
// under the discarded one.
func (ks *KeyStoreService) EnsureKeyPair(ctx context.Context) (*types.KeyPair, error) {
	if state := ks.State(); state.Status == types.KeyStoreReady {
		return state.Current, nil
	}

	result, err, _ := ks.group.Do("ensure", func() (interface{}, error) {
		if state := ks.State(); state.Status == types.KeyStoreReady {
			return state.Current, nil
		}
		ks.setState(types.KeyStoreState{Status: types.KeyStoreLoading})

		pair, loadErr := ks.loadOrGenerate(ctx)
		if loadErr != nil {
			ks.setState(types.KeyStoreState{Status: types.KeyStoreFailed, Err: loadErr})
			return nil, loadErr
		}
		ks.setState(types.KeyStoreState{Status: types.KeyStoreReady, Current: pair})
		return pair, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*types.KeyPair), nil
}

func (ks *KeyStoreService) loadOrGenerate(ctx context.Context) (*types.KeyPair, error) {
	record, err := ks.readRecord(ctx)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return ks.generate(ctx, 1, nil)
	}

	priv, pErr := x509.ParsePKCS1PrivateKey(record.Current.PrivateKeyDER)
	if pErr != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrInvalidPrivateKey, pErr.Error())
	}
	if !util.VerifyKeyPair(&priv.PublicKey, priv) {
		// mismatched pairs must never mint envelopes
		return nil, fmt.Errorf("%w: key pair verification failed", types.ErrKeyGeneration)
	}

	ks.mu.Lock()
	ks.current = priv
	for _, h := range record.History {
		if old, hErr := x509.ParsePKCS1PrivateKey(h.PrivateKeyDER); hErr == nil {
			ks.history[h.Version] = old
		}
	}
	ks.mu.Unlock()

	pair, kErr := ks.toKeyPair(priv, record.Current.Version, record.Current.Created)
	if kErr != nil {
		return nil, kErr
	}
	if pubErr := ks.directory.PublishPublicKey(ctx, ks.accountID, pair.PublicKeyJWK, pair.Version); pubErr != nil {
		// publishing is retried on next ensure; local keys are still usable
		global.Logger.Log("level", "warn", "service", "keystore", "message", "failed to publish public key", "error", pubErr.Error())
	}
	return pair, nil
}

func (ks *KeyStoreService) generate(ctx context.Context, version int, history []storedKey) (*types.KeyPair, error) {
	priv, err := util.GenerateRSAKeyPair()
	if err != nil {
		return nil, err
	}
	if !util.VerifyKeyPair(&priv.PublicKey, priv) {
		return nil, fmt.Errorf("%w: key pair verification failed", types.ErrKeyGeneration)
	}

	created := time.Now().UTC().UnixMilli()
	record := &storedRecord{
		Current: storedKey{
			Version:       version,
			Created:       created,
			PrivateKeyDER: x509.MarshalPKCS1PrivateKey(priv),
		},
		History: history,
	}
	if wErr := ks.writeRecord(ctx, record); wErr != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrKeyGeneration, wErr.Error())
	}

	ks.mu.Lock()
	ks.current = priv
	for _, h := range history {
		if old, hErr := x509.ParsePKCS1PrivateKey(h.PrivateKeyDER); hErr == nil {
			ks.history[h.Version] = old
		}
	}
	ks.mu.Unlock()

	pair, kErr := ks.toKeyPair(priv, version, created)
	if kErr != nil {
		return nil, kErr
	}
	if pubErr := ks.directory.PublishPublicKey(ctx, ks.accountID, pair.PublicKeyJWK, pair.Version); pubErr != nil {
		global.Logger.Log("level", "warn", "service", "keystore", "message", "failed to publish public key", "error", pubErr.Error())
	}
	return pair, nil
}

// RotateKeyPair generates a new pair, retains the old one for read-only
// decryption of history, and republishes with a bumped version.
func (ks *KeyStoreService) RotateKeyPair(ctx context.Context) (*types.KeyPair, error) {
	current, err := ks.EnsureKeyPair(ctx)
	if err != nil {
		return nil, err
	}

	record, rErr := ks.readRecord(ctx)
	if rErr != nil {
		return nil, rErr
	}
	if record == nil {
		return nil, types.ErrNotFound
	}

	history := append(record.History, record.Current)
	pair, gErr := ks.generate(ctx, current.Version+1, history)
	if gErr != nil {
		return nil, gErr
	}
	ks.setState(types.KeyStoreState{Status: types.KeyStoreReady, Current: pair})
	metrics.KeyRotationsMetricsCount.Inc()
	return pair, nil
}

// GetPublicKey is the non-blocking accessor once keys are loaded.
func (ks *KeyStoreService) GetPublicKey() *rsa.PublicKey {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.current == nil {
		return nil
	}
	return &ks.current.PublicKey
}

// PrivateKey returns the current private key, or nil before EnsureKeyPair.
func (ks *KeyStoreService) PrivateKey() *rsa.PrivateKey {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.current
}

// PrivateKeyForVersion resolves the private key a wrapped key was made under,
// falling back to retained historical pairs for older versions.
func (ks *KeyStoreService) PrivateKeyForVersion(version int) *rsa.PrivateKey {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	state := ks.state
	if state.Status == types.KeyStoreReady && state.Current != nil && state.Current.Version == version {
		return ks.current
	}
	return ks.history[version]
}

// ClearKeys securely erases all key material. Called on sign-out; never fails
// when no keys exist.
func (ks *KeyStoreService) ClearKeys(ctx context.Context) error {
	if err := ks.storage.Remove(ctx, keyStoreRecordName); err != nil {
		return err
	}
	ks.mu.Lock()
	ks.current = nil
	ks.history = make(map[int]*rsa.PrivateKey)
	ks.mu.Unlock()
	ks.setState(types.KeyStoreState{Status: types.KeyStoreUninitialized})
	return nil
}

func (ks *KeyStoreService) toKeyPair(priv *rsa.PrivateKey, version int, created int64) (*types.KeyPair, error) {
	jwkJSON, err := util.PublicKeyToJWK(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &types.KeyPair{
		Version:      version,
		PublicKeyJWK: jwkJSON,
		Created:      created,
		PublicKey:    &priv.PublicKey,
		PrivateKey:   priv,
	}, nil
}

// readRecord loads and decrypts the persisted key record; nil when absent.
func (ks *KeyStoreService) readRecord(ctx context.Context) (*storedRecord, error) {
	blob, err := ks.storage.Get(ctx, keyStoreRecordName)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, nil
	}
	if len(blob) <= types.IVLengthBytes {
		return nil, types.ErrInvalidPrivateKey
	}
	iv, ciphertext := blob[:types.IVLengthBytes], blob[types.IVLengthBytes:]
	plaintext, dErr := util.DecryptAES(ciphertext, ks.storageKey, iv)
	if dErr != nil {
		return nil, fmt.Errorf("%w: key record decryption failed", types.ErrInvalidPrivateKey)
	}
	var record storedRecord
	if cErr := cbor.Unmarshal(plaintext, &record); cErr != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrInvalidPrivateKey, cErr.Error())
	}
	return &record, nil
}

func (ks *KeyStoreService) writeRecord(ctx context.Context, record *storedRecord) error {
	plaintext, err := cbor.Marshal(record)
	if err != nil {
		return err
	}
	iv, err := util.GenerateIV()
	if err != nil {
		return err
	}
	ciphertext, err := util.EncryptAES(plaintext, ks.storageKey, iv)
	if err != nil {
		return err
	}
	return ks.storage.Set(ctx, keyStoreRecordName, append(iv, ciphertext...))
}
