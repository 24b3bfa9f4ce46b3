package util

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"log"
	"testing"

	"github.com/jjbrunton/Sauci-sub000/types"
	"github.com/stretchr/testify/assert"
)

var (
	testKey *rsa.PrivateKey
)

func init() {
	key, err := GenerateRSAKeyPair()
	if err != nil {
		log.Fatal(err)
	}
	testKey = key
}

func TestJWKRoundTrip(t *testing.T) {
	jwkJSON, err := PublicKeyToJWK(&testKey.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	assert.True(t, IsValidPublicKeyJWK(jwkJSON))

	parsed, pErr := JWKToPublicKey(jwkJSON)
	if pErr != nil {
		t.Fatal(pErr)
	}
	assert.Equal(t, testKey.PublicKey.N, parsed.N)
	assert.Equal(t, testKey.PublicKey.E, parsed.E)
}

func TestJWKInvalid(t *testing.T) {
	_, err := JWKToPublicKey(`{"kty":"EC","crv":"P-256"}`)
	assert.Error(t, err)
	assert.False(t, IsValidPublicKeyJWK("not json"))
	assert.False(t, IsValidPublicKeyJWK(`{"kty":"oct","k":"AAAA"}`))
}

func TestWrapUnwrapKey(t *testing.T) {
	symmetricKey, err := GenerateSymmetricKey()
	if err != nil {
		t.Fatal(err)
	}
	wrapped, wErr := WrapKey(symmetricKey, &testKey.PublicKey)
	if wErr != nil {
		t.Fatal(wErr)
	}
	unwrapped, uErr := UnwrapKey(wrapped, testKey)
	if uErr != nil {
		t.Fatal(uErr)
	}
	assert.True(t, bytes.Equal(symmetricKey, unwrapped))
}

func TestUnwrapWithWrongKey(t *testing.T) {
	symmetricKey, _ := GenerateSymmetricKey()
	wrapped, _ := WrapKey(symmetricKey, &testKey.PublicKey)

	otherKey, err := GenerateRSAKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	_, uErr := UnwrapKey(wrapped, otherKey)
	assert.True(t, errors.Is(uErr, types.ErrKeyMismatch))
}

func TestAESRoundTrip(t *testing.T) {
	key, _ := GenerateSymmetricKey()
	iv, _ := GenerateIV()
	plaintext := []byte("hello over the wire")

	ciphertext, err := EncryptAES(plaintext, key, iv)
	if err != nil {
		t.Fatal(err)
	}
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, dErr := DecryptAES(ciphertext, key, iv)
	if dErr != nil {
		t.Fatal(dErr)
	}
	assert.Equal(t, plaintext, decrypted)
}

func TestAESTamperDetected(t *testing.T) {
	key, _ := GenerateSymmetricKey()
	iv, _ := GenerateIV()
	ciphertext, _ := EncryptAES([]byte("original"), key, iv)

	ciphertext[0] ^= 0xff
	_, err := DecryptAES(ciphertext, key, iv)
	assert.True(t, errors.Is(err, types.ErrTamperedMessage))
}

func TestVerifyKeyPair(t *testing.T) {
	assert.True(t, VerifyKeyPair(&testKey.PublicKey, testKey))

	otherKey, err := GenerateRSAKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	assert.False(t, VerifyKeyPair(&testKey.PublicKey, otherKey))
}

func TestDeriveStorageKeyDeterministic(t *testing.T) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		t.Fatal(err)
	}
	key1, err := DeriveStorageKey("secret", salt)
	if err != nil {
		t.Fatal(err)
	}
	key2, _ := DeriveStorageKey("secret", salt)
	assert.Equal(t, key1, key2)
	assert.Len(t, key1, types.SymmetricKeyLengthBytes)

	key3, _ := DeriveStorageKey("other secret", salt)
	assert.NotEqual(t, key1, key3)
}
