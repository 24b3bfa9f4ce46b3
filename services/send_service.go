package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jjbrunton/Sauci-sub000/global"
	"github.com/jjbrunton/Sauci-sub000/metrics"
	"github.com/jjbrunton/Sauci-sub000/types"
	"github.com/jjbrunton/Sauci-sub000/util"
)

// SendService orchestrates the send path: it checks E2EE availability, runs
// the cipher, falls back to plaintext, and persists the outgoing envelope.
//
// Plaintext fallback is intentional product behavior: a peer on an old client
// without published keys must still receive messages.
type SendService struct {
	keyStore     *KeyStoreService
	keyDirectory *KeyDirectoryService
	messages     *MessageService
}

func NewSendService(keyStore *KeyStoreService, keyDirectory *KeyDirectoryService, messages *MessageService) *SendService {
	return &SendService{keyStore: keyStore, keyDirectory: keyDirectory, messages: messages}
}

// Send builds, persists and returns the envelope for one composed message.
// It never fails for cipher reasons; a user-composed message is never dropped.
func (ss *SendService) Send(ctx context.Context, senderID, conversationID, plaintext string, participants []string, attachments []*types.EncryptedAttachment) (*types.MessageEnvelope, error) {
	start := time.Now()
	defer func() {
		metrics.MessageSendProcessingLatency.Observe(float64(time.Since(start).Milliseconds()))
	}()

	envelope := ss.buildEnvelope(ctx, senderID, plaintext, participants)
	envelope.MessageID = uuid.NewString()
	envelope.ConversationID = conversationID
	envelope.SenderID = senderID
	envelope.Attachments = attachments

	if err := ss.messages.SaveEnvelope(ctx, envelope); err != nil {
		return nil, err
	}

	if envelope.IsEncrypted() {
		metrics.MessagesSentMetricsCount.WithLabelValues("encrypted").Inc()
	} else {
		metrics.MessagesSentMetricsCount.WithLabelValues("plaintext").Inc()
	}
	return envelope, nil
}

// buildEnvelope encrypts when every precondition holds and falls back to a
// version 1 envelope otherwise.
func (ss *SendService) buildEnvelope(ctx context.Context, senderID, plaintext string, participants []string) *types.MessageEnvelope {
	recipients, ok := ss.ResolveRecipients(ctx, senderID, participants)
	if !ok {
		return util.PlaintextEnvelope(plaintext)
	}

	envelope, err := ss.encryptAndVerify(plaintext, senderID, recipients)
	if err != nil {
		// fallback, not a drop; escalate for observability
		global.Logger.Log("level", "error", "service", "send", "message", "encryption failed, falling back to plaintext", "error", err.Error())
		return util.PlaintextEnvelope(plaintext)
	}
	return envelope
}

// ResolveRecipients gathers every participant's public key, including the
// sender's own so sent messages stay readable after reinstall. Any missing
// key or an unready key store vetoes encryption.
func (ss *SendService) ResolveRecipients(ctx context.Context, senderID string, participants []string) (map[string]util.RecipientKey, bool) {
	pair, err := ss.keyStore.EnsureKeyPair(ctx)
	if err != nil {
		// distinct failure mode: key generation must not block the send path
		global.Logger.Log("level", "warn", "service", "send", "message", "local keys unavailable, falling back to plaintext", "error", err.Error())
		return nil, false
	}

	recipients := map[string]util.RecipientKey{
		senderID: {PublicKey: pair.PublicKey, Version: pair.Version},
	}
	for _, participant := range participants {
		if participant == senderID {
			continue
		}
		record, dErr := ss.keyDirectory.GetPublicKeyFor(ctx, participant)
		if dErr != nil {
			global.Logger.Log("level", "warn", "service", "send", "message", "directory lookup failed, falling back to plaintext", "account", participant, "error", dErr.Error())
			return nil, false
		}
		if record == nil {
			// peer never published a key; benign, not logged as an error
			return nil, false
		}
		publicKey, pErr := util.JWKToPublicKey(record.PublicKeyJWK)
		if pErr != nil {
			return nil, false
		}
		recipients[participant] = util.RecipientKey{PublicKey: publicKey, Version: record.Version}
	}
	return recipients, true
}

// encryptAndVerify runs the cipher and immediately decrypts the sender's own
// wrapped copy, so a bad envelope is caught before it is ever persisted.
// One retry covers transient entropy failures.
func (ss *SendService) encryptAndVerify(plaintext, senderID string, recipients map[string]util.RecipientKey) (*types.MessageEnvelope, error) {
	const maxAttempts = 2
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		envelope, err := util.EncryptEnvelope(plaintext, recipients)
		if err != nil {
			lastErr = err
			continue
		}
		decrypted, dErr := util.DecryptEnvelope(envelope, senderID, ss.keyStore.PrivateKey())
		if dErr != nil {
			lastErr = dErr
			continue
		}
		if decrypted != plaintext {
			lastErr = types.ErrTamperedMessage
			continue
		}
		return envelope, nil
	}
	return nil, lastErr
}
