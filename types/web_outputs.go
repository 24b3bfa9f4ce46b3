package types

type OutputSendMessage struct {
	MessageID string `json:"messageId"`
	Version   int    `json:"version"`
	Encrypted bool   `json:"encrypted"`
}

type OutputPublicKey struct {
	OwnerID      string `json:"ownerId"`
	PublicKeyJWK string `json:"publicKeyJwk"`
	Version      int    `json:"version"`
}

// OutputDecryptedMessage is what the UI layer renders for a single envelope.
// Failed envelopes carry neutral placeholder copy, never technical detail.
type OutputDecryptedMessage struct {
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
	State     string `json:"state"` // pending | decrypting | decrypted | failed
	Content   string `json:"content,omitempty"`
	// Placeholder is the short, non-alarming copy shown instead of content
	Placeholder string `json:"placeholder,omitempty"`
	Created     int64  `json:"created"`
}

type OutputHealthcheck struct {
	Status string `json:"status"`
}
