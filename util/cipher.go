package util

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/jjbrunton/Sauci-sub000/types"
)

// RecipientKey is one intended recipient of an envelope: their current public
// key and the directory version it was fetched at.
type RecipientKey struct {
	PublicKey *rsa.PublicKey
	Version   int
}

// EncryptEnvelope produces a version 2 envelope: the plaintext is encrypted
// once with a fresh AES-256 key and IV, and the AES key is wrapped separately
// under every recipient's public key. A single symmetric pass keeps ciphertext
// size independent of recipient count.
//
// Atomic: if any wrap fails the whole call fails and no envelope is returned,
// so a persisted envelope never has an intended recipient who cannot decrypt.
func EncryptEnvelope(plaintext string, recipients map[string]RecipientKey) (*types.MessageEnvelope, error) {
	if len(recipients) == 0 {
		return nil, types.ErrPeerKeyUnavailable
	}

	symmetricKey, err := GenerateSymmetricKey()
	if err != nil {
		return nil, err
	}
	iv, err := GenerateIV()
	if err != nil {
		return nil, err
	}

	ciphertext, err := EncryptAES([]byte(plaintext), symmetricKey, iv)
	if err != nil {
		return nil, err
	}

	keysMetadata := make(types.KeysMetadata, len(recipients))
	for accountID, recipient := range recipients {
		wrapped, wErr := WrapKey(symmetricKey, recipient.PublicKey)
		if wErr != nil {
			return nil, fmt.Errorf("failed to wrap key for %s: %w", accountID, wErr)
		}
		keysMetadata[accountID] = types.WrappedKey{
			WrappedKey: wrapped,
			KeyVersion: recipient.Version,
		}
	}

	encryptedContent := base64.StdEncoding.EncodeToString(ciphertext)
	encryptionIV := base64.StdEncoding.EncodeToString(iv)

	return &types.MessageEnvelope{
		Version:          types.MessageVersionEncrypted,
		EncryptedContent: &encryptedContent,
		EncryptionIV:     &encryptionIV,
		KeysMetadata:     keysMetadata,
		Created:          time.Now().UTC().UnixMilli(),
	}, nil
}

// DecryptEnvelope recovers the plaintext of an envelope for the given account.
//
// Version 1 envelopes return content verbatim without any cipher work.
// Version 2 envelopes fail with ErrNotARecipient when the account has no
// wrapped key, ErrKeyMismatch when the wrapped key does not unwrap with the
// private key, and ErrTamperedMessage when the authentication tag check fails.
func DecryptEnvelope(envelope *types.MessageEnvelope, accountID string, privateKey *rsa.PrivateKey) (string, error) {
	if envelope.Version == types.MessageVersionPlaintext {
		if envelope.Content == nil {
			return "", nil
		}
		return *envelope.Content, nil
	}

	if envelope.EncryptedContent == nil || envelope.EncryptionIV == nil {
		return "", fmt.Errorf("%w: missing cipher fields", types.ErrTamperedMessage)
	}

	wrappedKey, ok := envelope.KeysMetadata[accountID]
	if !ok {
		return "", types.ErrNotARecipient
	}

	symmetricKey, err := UnwrapKey(wrappedKey.WrappedKey, privateKey)
	if err != nil {
		return "", err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(*envelope.EncryptedContent)
	if err != nil {
		return "", fmt.Errorf("%w: %s", types.ErrTamperedMessage, err.Error())
	}
	iv, err := base64.StdEncoding.DecodeString(*envelope.EncryptionIV)
	if err != nil {
		return "", fmt.Errorf("%w: %s", types.ErrTamperedMessage, err.Error())
	}

	plaintext, err := DecryptAES(ciphertext, symmetricKey, iv)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// UnwrapEnvelopeKey recovers the raw symmetric key of an envelope for the
// given account without decrypting the content. Used by the re-wrap pipeline.
func UnwrapEnvelopeKey(envelope *types.MessageEnvelope, accountID string, privateKey *rsa.PrivateKey) ([]byte, error) {
	wrappedKey, ok := envelope.KeysMetadata[accountID]
	if !ok {
		return nil, types.ErrNotARecipient
	}
	return UnwrapKey(wrappedKey.WrappedKey, privateKey)
}

// PlaintextEnvelope builds a version 1 envelope. Intentional product behavior
// when E2EE preconditions are not met, so message delivery is never blocked.
func PlaintextEnvelope(plaintext string) *types.MessageEnvelope {
	content := plaintext
	return &types.MessageEnvelope{
		Version: types.MessageVersionPlaintext,
		Content: &content,
		Created: time.Now().UTC().UnixMilli(),
	}
}
