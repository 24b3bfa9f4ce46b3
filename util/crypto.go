package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/jjbrunton/Sauci-sub000/types"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/crypto/scrypt"
)

var (
	scryptN   = 32768 // N = CPU/memory cost parameter
	scryptR   = 8     // r and p must satisfy r * p < 2^30
	scryptP   = 1
	scryptLen = 32 // 32 bytes long
)

// DeriveStorageKey derives the at-rest encryption key for private key material
// from the configured secret and salt.
func DeriveStorageKey(secret string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(secret), salt, scryptN, scryptR, scryptP, scryptLen)
}

// GenerateRSAKeyPair creates a new RSA-2048 key pair for key wrapping.
func GenerateRSAKeyPair() (*rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, types.RSAKeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrKeyGeneration, err.Error())
	}
	return priv, nil
}

// GenerateSymmetricKey returns a fresh random AES-256 key.
func GenerateSymmetricKey() ([]byte, error) {
	key := make([]byte, types.SymmetricKeyLengthBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateIV returns a fresh random 96-bit AES-GCM nonce, unique per message.
func GenerateIV() ([]byte, error) {
	iv := make([]byte, types.IVLengthBytes)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	return iv, nil
}

// EncryptAES encrypts plaintext with AES-256-GCM under the given key and IV.
func EncryptAES(plaintext, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, types.IVLengthBytes)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, iv, plaintext, nil), nil
}

// DecryptAES decrypts AES-256-GCM ciphertext. An authentication failure is
// surfaced as ErrTamperedMessage.
func DecryptAES(ciphertext, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, types.IVLengthBytes)
	if err != nil {
		return nil, err
	}
	if len(iv) != types.IVLengthBytes {
		return nil, fmt.Errorf("%w: invalid iv length %d", types.ErrTamperedMessage, len(iv))
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrTamperedMessage, err.Error())
	}
	return plaintext, nil
}

// WrapKey encrypts a symmetric key under the recipient's RSA public key
// (RSA-OAEP with SHA-256) and returns it base64 encoded.
func WrapKey(symmetricKey []byte, publicKey *rsa.PublicKey) (string, error) {
	if publicKey == nil {
		return "", types.ErrInvalidPublicKey
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, publicKey, symmetricKey, nil)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

// UnwrapKey decrypts a base64 wrapped key with the local RSA private key.
// An OAEP decryption failure means the private key does not correspond to the
// public key the wrap was made under, surfaced as ErrKeyMismatch.
func UnwrapKey(wrappedKeyBase64 string, privateKey *rsa.PrivateKey) ([]byte, error) {
	if privateKey == nil {
		return nil, types.ErrInvalidPrivateKey
	}
	wrapped, err := base64.StdEncoding.DecodeString(wrappedKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrKeyMismatch, err.Error())
	}
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, privateKey, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrKeyMismatch, err.Error())
	}
	return key, nil
}

// PublicKeyToJWK serializes an RSA public key to JWK JSON for publishing.
func PublicKeyToJWK(publicKey *rsa.PublicKey) (string, error) {
	key, err := jwk.FromRaw(publicKey)
	if err != nil {
		return "", err
	}
	jsonBytes, err := json.Marshal(key)
	if err != nil {
		return "", err
	}
	return string(jsonBytes), nil
}

// JWKToPublicKey parses a published JWK into an RSA public key.
func JWKToPublicKey(jwkJSON string) (*rsa.PublicKey, error) {
	key, err := jwk.ParseKey([]byte(jwkJSON))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrInvalidPublicKey, err.Error())
	}
	if key.KeyType() != jwa.RSA {
		return nil, fmt.Errorf("%w: unexpected kty %s", types.ErrInvalidPublicKey, key.KeyType())
	}
	var pub rsa.PublicKey
	if err := key.Raw(&pub); err != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrInvalidPublicKey, err.Error())
	}
	return &pub, nil
}

// IsValidPublicKeyJWK reports whether a published key parses into a usable RSA
// public key. Malformed peer keys are treated as unavailable, not as errors.
func IsValidPublicKeyJWK(jwkJSON string) bool {
	pub, err := JWKToPublicKey(jwkJSON)
	return err == nil && pub != nil && pub.N != nil
}

// VerifyKeyPair checks that a public and private key actually work together by
// wrapping and unwrapping a random probe. Catches mismatched pairs before they
// can mint unrecoverable envelopes.
func VerifyKeyPair(publicKey *rsa.PublicKey, privateKey *rsa.PrivateKey) bool {
	probe := make([]byte, types.SymmetricKeyLengthBytes)
	if _, err := rand.Read(probe); err != nil {
		return false
	}
	wrapped, err := WrapKey(probe, publicKey)
	if err != nil {
		return false
	}
	unwrapped, err := UnwrapKey(wrapped, privateKey)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(probe, unwrapped) == 1
}

// Sha256Hex returns the sha256 hash of the data as a hex string
func Sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}
