package types

const (
	// MessageVersionPlaintext marks a legacy envelope whose content is stored directly
	MessageVersionPlaintext = 1
	// MessageVersionEncrypted marks an end-to-end encrypted envelope
	MessageVersionEncrypted = 2

	// SymmetricAlgorithm identifies the bulk cipher used for message content
	SymmetricAlgorithm = "AES-256-GCM"
	// KeyWrapAlgorithm identifies the per-recipient key wrapping scheme
	KeyWrapAlgorithm = "RSA-OAEP-SHA256"

	// IVLengthBytes is the AES-GCM nonce size (96 bits)
	IVLengthBytes = 12
	// SymmetricKeyLengthBytes is the AES-256 key size
	SymmetricKeyLengthBytes = 32
	// RSAKeySize is the modulus length of account key pairs
	RSAKeySize = 2048
)

// WrappedKey is one recipient's copy of the per-message symmetric key,
// encrypted under that recipient's public key.
type WrappedKey struct {
	// WrappedKey is the RSA-OAEP ciphertext of the AES key, base64 encoded
	WrappedKey string `json:"wrapped_key" validate:"required,base64"`
	// KeyVersion is the recipient's public-key version the wrap was made under
	KeyVersion int `json:"key_version"`
}

// KeysMetadata maps a recipient account id to that recipient's wrapped key.
type KeysMetadata map[string]WrappedKey

// MessageEnvelope is the unit persisted per message. Exactly one of content
// (version 1) or encrypted_content + encryption_iv + keys_metadata (version 2)
// is populated. Immutable after insert; re-wrapping may add keys_metadata
// entries but never touches the ciphertext or IV.
type MessageEnvelope struct {
	BaseDocument `json:",inline"`

	MessageID      string `json:"messageId" validate:"required"`
	ConversationID string `json:"conversationId" validate:"required"`
	SenderID       string `json:"senderId" validate:"required"`

	// Version discriminates plaintext (1) from encrypted (2) envelopes
	Version int `json:"version" validate:"required,oneof=1 2"`

	// Content holds the plaintext, only when Version == 1
	Content *string `json:"content,omitempty"`

	// EncryptedContent is the base64 AES-GCM ciphertext, only when Version == 2
	EncryptedContent *string `json:"encrypted_content,omitempty"`
	// EncryptionIV is the base64 nonce, unique per message
	EncryptionIV *string `json:"encryption_iv,omitempty"`
	// KeysMetadata holds one wrapped key per recipient account
	KeysMetadata KeysMetadata `json:"keys_metadata,omitempty"`

	// Attachments holds encrypted media references, sharing the message key-wrap model
	Attachments []*EncryptedAttachment `json:"attachments,omitempty"`

	Created int64 `json:"created" validate:"required"` // UTC milliseconds since epoch

	// orthogonal metadata, owned by collaborators; never touched by cipher code
	IsRead    bool  `json:"isRead,omitempty"`
	IsDeleted bool  `json:"isDeleted,omitempty"`
	Delivered int64 `json:"delivered,omitempty"`
}

// EncryptedAttachment references an encrypted media blob in object storage.
// The blob is encrypted with its own AES key and IV; the key rides in the
// envelope's keys_metadata model via its own wrapped entries.
type EncryptedAttachment struct {
	ID           string       `json:"id" validate:"required"`
	StorageURI   string       `json:"storageUri" validate:"required"`
	ContentType  string       `json:"contentType,omitempty"`
	EncryptionIV string       `json:"encryption_iv" validate:"required,base64"`
	KeysMetadata KeysMetadata `json:"keys_metadata" validate:"required"`
	Size         int64        `json:"size,omitempty"`
}

// IsEncrypted reports whether the envelope carries ciphertext.
func (m *MessageEnvelope) IsEncrypted() bool {
	return m.Version == MessageVersionEncrypted
}
