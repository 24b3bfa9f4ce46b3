package services

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jjbrunton/Sauci-sub000/global"
	"github.com/jjbrunton/Sauci-sub000/metrics"
	"github.com/jjbrunton/Sauci-sub000/types"
	"github.com/jjbrunton/Sauci-sub000/util"
)

// view states as rendered to the UI layer
const (
	ViewStatePending    = "pending"
	ViewStateDecrypting = "decrypting"
	ViewStateDecrypted  = "decrypted"
	ViewStateFailed     = "failed"
)

// neutral placeholder copy; never leaks technical detail to the reader
const (
	placeholderEncrypted  = "Encrypted message"
	placeholderWaiting    = "Waiting for message..."
	placeholderOldKeyCopy = "This message was encrypted with a previous key"
)

type cachedView struct {
	state       string
	content     string
	placeholder string
}

// MessageViewService turns envelopes into renderable views. Decryption runs at
// most once per (message, key version): plaintext and terminal failures are
// both cached, so scrolling a conversation never repeats RSA work or
// re-reports a failure that cannot change.
type MessageViewService struct {
	keyStore     *KeyStoreService
	keyDirectory *KeyDirectoryService

	mu    sync.RWMutex
	cache map[uint64]cachedView

	// accounts already refreshed once after a key mismatch, per process;
	// prevents a refresh storm when an entire conversation fails
	refreshed map[string]bool
}

func NewMessageViewService(keyStore *KeyStoreService, keyDirectory *KeyDirectoryService) *MessageViewService {
	return &MessageViewService{
		keyStore:     keyStore,
		keyDirectory: keyDirectory,
		cache:        make(map[uint64]cachedView),
		refreshed:    make(map[string]bool),
	}
}

func viewCacheKey(messageID string, keyVersion int) uint64 {
	return xxhash.Sum64String(messageID + "|" + strconv.Itoa(keyVersion))
}

// Resolve produces the view for one envelope on behalf of accountID.
// It never returns an error: failures become failed views with placeholder
// copy, and cancellation yields a pending view that is not cached.
func (mv *MessageViewService) Resolve(ctx context.Context, accountID string, envelope *types.MessageEnvelope) types.OutputDecryptedMessage {
	out := types.OutputDecryptedMessage{
		MessageID: envelope.MessageID,
		SenderID:  envelope.SenderID,
		Created:   envelope.Created,
	}

	if !envelope.IsEncrypted() {
		out.State = ViewStateDecrypted
		if envelope.Content != nil {
			out.Content = *envelope.Content
		}
		return out
	}

	keyVersion := envelope.KeysMetadata[accountID].KeyVersion
	key := viewCacheKey(envelope.MessageID, keyVersion)
	if cached, ok := mv.getCached(key); ok {
		out.State = cached.state
		out.Content = cached.content
		out.Placeholder = cached.placeholder
		return out
	}

	start := time.Now()
	view := mv.decrypt(ctx, accountID, envelope)
	metrics.MessageDecryptProcessingLatency.Observe(float64(time.Since(start).Milliseconds()))

	// pending views stay out of the cache so the next render retries
	if view.state != ViewStatePending {
		mv.putCached(key, view)
	}

	out.State = view.state
	out.Content = view.content
	out.Placeholder = view.placeholder
	return out
}

// ResolveAll maps a conversation page to views. Envelopes are independent;
// one failed decryption never affects its neighbors.
func (mv *MessageViewService) ResolveAll(ctx context.Context, accountID string, envelopes []*types.MessageEnvelope) []types.OutputDecryptedMessage {
	views := make([]types.OutputDecryptedMessage, 0, len(envelopes))
	for _, envelope := range envelopes {
		if ctx.Err() != nil {
			break
		}
		views = append(views, mv.Resolve(ctx, accountID, envelope))
	}
	return views
}

// Invalidate drops all cached views. Called after the re-wrap pipeline updates
// envelopes, so previously failed messages get a fresh decryption attempt.
func (mv *MessageViewService) Invalidate() {
	mv.mu.Lock()
	defer mv.mu.Unlock()
	mv.cache = make(map[uint64]cachedView)
	mv.refreshed = make(map[string]bool)
}

func (mv *MessageViewService) decrypt(ctx context.Context, accountID string, envelope *types.MessageEnvelope) cachedView {
	wrapped, isRecipient := envelope.KeysMetadata[accountID]
	if !isRecipient {
		metrics.DecryptFailuresMetricsCount.WithLabelValues("not_a_recipient").Inc()
		return cachedView{state: ViewStateFailed, placeholder: placeholderEncrypted}
	}

	if _, err := mv.keyStore.EnsureKeyPair(ctx); err != nil {
		if ctx.Err() != nil {
			// canceled mid-load: discard silently, no failure recorded
			return cachedView{state: ViewStatePending, placeholder: placeholderWaiting}
		}
		// keys may recover on a later attempt; not terminal
		return cachedView{state: ViewStatePending, placeholder: placeholderWaiting}
	}

	privateKey := mv.keyStore.PrivateKeyForVersion(wrapped.KeyVersion)
	if privateKey == nil {
		// wrapped under a generation this device no longer holds
		metrics.DecryptFailuresMetricsCount.WithLabelValues("key_unavailable").Inc()
		return cachedView{state: ViewStateFailed, placeholder: placeholderOldKeyCopy}
	}

	plaintext, err := util.DecryptEnvelope(envelope, accountID, privateKey)
	if err == nil {
		return cachedView{state: ViewStateDecrypted, content: plaintext}
	}
	if ctx.Err() != nil {
		return cachedView{state: ViewStatePending, placeholder: placeholderWaiting}
	}

	switch {
	case errors.Is(err, types.ErrKeyMismatch):
		mv.refreshSenderOnce(ctx, envelope.SenderID)
		metrics.DecryptFailuresMetricsCount.WithLabelValues("key_mismatch").Inc()
		return cachedView{state: ViewStateFailed, placeholder: placeholderOldKeyCopy}
	case errors.Is(err, types.ErrTamperedMessage):
		metrics.TamperedMessagesMetricsCount.Inc()
		metrics.DecryptFailuresMetricsCount.WithLabelValues("tampered").Inc()
		global.Logger.Log("level", "warn", "service", "messageview", "message", "envelope failed integrity check", "messageId", envelope.MessageID)
		return cachedView{state: ViewStateFailed, placeholder: placeholderEncrypted}
	case errors.Is(err, types.ErrNotARecipient):
		metrics.DecryptFailuresMetricsCount.WithLabelValues("not_a_recipient").Inc()
		return cachedView{state: ViewStateFailed, placeholder: placeholderEncrypted}
	default:
		metrics.DecryptFailuresMetricsCount.WithLabelValues("other").Inc()
		return cachedView{state: ViewStateFailed, placeholder: placeholderEncrypted}
	}
}

// refreshSenderOnce re-fetches the sender's directory entry a single time per
// process, so a rotation by the peer is picked up for future sends.
func (mv *MessageViewService) refreshSenderOnce(ctx context.Context, senderID string) {
	mv.mu.Lock()
	already := mv.refreshed[senderID]
	mv.refreshed[senderID] = true
	mv.mu.Unlock()
	if already {
		return
	}
	if _, err := mv.keyDirectory.Refresh(ctx, senderID); err != nil {
		global.Logger.Log("level", "warn", "service", "messageview", "message", "directory refresh failed", "account", senderID, "error", err.Error())
	}
}

func (mv *MessageViewService) getCached(key uint64) (cachedView, bool) {
	mv.mu.RLock()
	defer mv.mu.RUnlock()
	view, ok := mv.cache[key]
	return view, ok
}

func (mv *MessageViewService) putCached(key uint64, view cachedView) {
	mv.mu.Lock()
	defer mv.mu.Unlock()
	mv.cache[key] = view
}
