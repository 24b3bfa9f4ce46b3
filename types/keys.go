package types

import (
	"crypto/rsa"
)

// KeyPair is one generation of the local account's RSA key pair. The private
// key never leaves the device; it is persisted encrypted in the key store.
type KeyPair struct {
	// Version is the monotonically increasing key-pair generation counter
	Version int `json:"version"`
	// PublicKeyJWK is the public half in JWK form, ready for publishing
	PublicKeyJWK string `json:"publicKeyJwk"`
	// Created is the generation time in UTC milliseconds since epoch
	Created int64 `json:"created"`

	PublicKey  *rsa.PublicKey  `json:"-"`
	PrivateKey *rsa.PrivateKey `json:"-"`
}

// PublicKeyRecord is the published public key of an account, fetched by peers
// before encrypting to that account. Mutated only by the owning client.
type PublicKeyRecord struct {
	BaseDocument `json:",inline"`
	// OwnerID is the account identifier (document id in the publickeys database)
	OwnerID string `json:"ownerId" validate:"required"`
	// PublicKeyJWK is the owner's current RSA public key in JWK form
	PublicKeyJWK string `json:"publicKeyJwk" validate:"required"`
	// Version increments whenever the owner rotates keys
	Version  int   `json:"version" validate:"required,min=1"`
	Created  int64 `json:"created"`
	Modified int64 `json:"modified,omitempty"`
}

// KeyStoreStatus mirrors the key store state machine exposed to consumers.
type KeyStoreStatus int

const (
	KeyStoreUninitialized KeyStoreStatus = iota
	KeyStoreLoading
	KeyStoreReady
	KeyStoreFailed
)

func (s KeyStoreStatus) String() string {
	switch s {
	case KeyStoreUninitialized:
		return "uninitialized"
	case KeyStoreLoading:
		return "loading"
	case KeyStoreReady:
		return "ready"
	case KeyStoreFailed:
		return "failed"
	}
	return "unknown"
}

// KeyStoreState is a snapshot of the key store. Ready carries the current key
// pair; Failed carries the error and still allows plaintext fallback.
type KeyStoreState struct {
	Status  KeyStoreStatus
	Current *KeyPair
	Err     error
}
