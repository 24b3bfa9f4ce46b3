package types

// for sending a message through the coordinator
type InputSendMessage struct {
	ConversationID string   `json:"conversationId" validate:"required"`
	Participants   []string `json:"participants" validate:"required,min=1"`
	Content        string   `json:"content" validate:"required"`
	// previously uploaded encrypted attachments to ride along with the message
	Attachments []*EncryptedAttachment `json:"attachments,omitempty"`
}

// for publishing the local account's public key
type InputPublishKey struct {
	PublicKeyJWK string `json:"publicKeyJwk" validate:"required,json"`
}
