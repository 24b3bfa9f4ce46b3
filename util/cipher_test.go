package util

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/jjbrunton/Sauci-sub000/types"
	"github.com/stretchr/testify/assert"
)

func testRecipients(t *testing.T, accounts ...string) (map[string]RecipientKey, map[string]*rsa.PrivateKey) {
	t.Helper()
	recipients := make(map[string]RecipientKey, len(accounts))
	privateKeys := make(map[string]*rsa.PrivateKey, len(accounts))
	for _, account := range accounts {
		key, err := GenerateRSAKeyPair()
		if err != nil {
			t.Fatal(err)
		}
		recipients[account] = RecipientKey{PublicKey: &key.PublicKey, Version: 1}
		privateKeys[account] = key
	}
	return recipients, privateKeys
}

func TestEncryptDecryptAllRecipients(t *testing.T) {
	recipients, privateKeys := testRecipients(t, "alice", "bob", "carol")

	envelope, err := EncryptEnvelope("the meeting is at noon", recipients)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, types.MessageVersionEncrypted, envelope.Version)
	assert.Nil(t, envelope.Content)
	assert.NotNil(t, envelope.EncryptedContent)
	assert.NotNil(t, envelope.EncryptionIV)
	assert.Len(t, envelope.KeysMetadata, 3)

	// every recipient independently recovers the same plaintext
	for account, key := range privateKeys {
		plaintext, dErr := DecryptEnvelope(envelope, account, key)
		if dErr != nil {
			t.Fatalf("decrypt failed for %s: %v", account, dErr)
		}
		assert.Equal(t, "the meeting is at noon", plaintext)
	}
}

func TestEncryptNoRecipients(t *testing.T) {
	_, err := EncryptEnvelope("anything", map[string]RecipientKey{})
	assert.True(t, errors.Is(err, types.ErrPeerKeyUnavailable))
}

func TestFreshKeyAndIVPerMessage(t *testing.T) {
	recipients, _ := testRecipients(t, "alice")

	first, err := EncryptEnvelope("same text", recipients)
	if err != nil {
		t.Fatal(err)
	}
	second, err := EncryptEnvelope("same text", recipients)
	if err != nil {
		t.Fatal(err)
	}
	assert.NotEqual(t, *first.EncryptionIV, *second.EncryptionIV)
	assert.NotEqual(t, *first.EncryptedContent, *second.EncryptedContent)
	assert.NotEqual(t, first.KeysMetadata["alice"].WrappedKey, second.KeysMetadata["alice"].WrappedKey)
}

func TestPlaintextEnvelopeVerbatim(t *testing.T) {
	envelope := PlaintextEnvelope("no keys available")
	assert.Equal(t, types.MessageVersionPlaintext, envelope.Version)

	// version 1 content returns verbatim with any (even nil) private key
	plaintext, err := DecryptEnvelope(envelope, "anyone", nil)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "no keys available", plaintext)
}

func TestDecryptNotARecipient(t *testing.T) {
	recipients, _ := testRecipients(t, "alice")
	envelope, err := EncryptEnvelope("secret", recipients)
	if err != nil {
		t.Fatal(err)
	}

	mallory, mErr := GenerateRSAKeyPair()
	if mErr != nil {
		t.Fatal(mErr)
	}
	_, dErr := DecryptEnvelope(envelope, "mallory", mallory)
	assert.True(t, errors.Is(dErr, types.ErrNotARecipient))
}

func TestDecryptWithWrongPrivateKey(t *testing.T) {
	recipients, _ := testRecipients(t, "alice")
	envelope, err := EncryptEnvelope("secret", recipients)
	if err != nil {
		t.Fatal(err)
	}

	// alice rotated and lost the original key
	rotated, rErr := GenerateRSAKeyPair()
	if rErr != nil {
		t.Fatal(rErr)
	}
	_, dErr := DecryptEnvelope(envelope, "alice", rotated)
	assert.True(t, errors.Is(dErr, types.ErrKeyMismatch))
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	recipients, privateKeys := testRecipients(t, "alice")
	envelope, err := EncryptEnvelope("secret", recipients)
	if err != nil {
		t.Fatal(err)
	}

	raw, dErr := base64.StdEncoding.DecodeString(*envelope.EncryptedContent)
	if dErr != nil {
		t.Fatal(dErr)
	}
	raw[len(raw)/2] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)
	envelope.EncryptedContent = &tampered

	_, err = DecryptEnvelope(envelope, "alice", privateKeys["alice"])
	assert.True(t, errors.Is(err, types.ErrTamperedMessage))
}

func TestDecryptMissingCipherFields(t *testing.T) {
	recipients, privateKeys := testRecipients(t, "alice")
	envelope, err := EncryptEnvelope("secret", recipients)
	if err != nil {
		t.Fatal(err)
	}
	envelope.EncryptionIV = nil

	_, dErr := DecryptEnvelope(envelope, "alice", privateKeys["alice"])
	assert.True(t, errors.Is(dErr, types.ErrTamperedMessage))
}

func TestUnwrapEnvelopeKey(t *testing.T) {
	recipients, privateKeys := testRecipients(t, "alice", "bob")
	envelope, err := EncryptEnvelope("secret", recipients)
	if err != nil {
		t.Fatal(err)
	}

	aliceKey, aErr := UnwrapEnvelopeKey(envelope, "alice", privateKeys["alice"])
	if aErr != nil {
		t.Fatal(aErr)
	}
	bobKey, bErr := UnwrapEnvelopeKey(envelope, "bob", privateKeys["bob"])
	if bErr != nil {
		t.Fatal(bErr)
	}
	// same symmetric key behind every wrap
	assert.Equal(t, aliceKey, bobKey)
	assert.Len(t, aliceKey, types.SymmetricKeyLengthBytes)

	_, nErr := UnwrapEnvelopeKey(envelope, "carol", privateKeys["alice"])
	assert.True(t, errors.Is(nErr, types.ErrNotARecipient))
}
