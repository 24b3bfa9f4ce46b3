package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/jjbrunton/Sauci-sub000/global"
	"github.com/jjbrunton/Sauci-sub000/metrics"
	"github.com/jjbrunton/Sauci-sub000/types"
	"github.com/jjbrunton/Sauci-sub000/util"
)

const rewrapBatchSize = 100

// RewrapAccount re-wraps the account's envelope keys that are older than
// toVersion. New wraps are always made under the current pair, whatever
// version the task asked for. When messageID is set only that envelope is
// processed.
func (mq *MessageQueue) RewrapAccount(ctx context.Context, accountID string, toVersion int, messageID string) error {
	pair, err := mq.keyStore.EnsureKeyPair(ctx)
	if err != nil {
		return err
	}
	if toVersion == 0 || toVersion > pair.Version {
		toVersion = pair.Version
	}

	if messageID != "" {
		envelope, gErr := mq.messageService.GetEnvelope(ctx, messageID)
		if gErr != nil {
			if errors.Is(gErr, types.ErrNotFound) {
				// deleted since enqueue; nothing to do
				return nil
			}
			return gErr
		}
		return mq.rewrapEnvelope(ctx, accountID, pair, envelope)
	}

	// failed envelopes stay in the stale selector; skip steps past them so a
	// batch of stuck envelopes cannot pin the worker on the same page
	skip := 0
	for {
		envelopes, fErr := mq.messageService.FindStaleEnvelopes(ctx, accountID, toVersion, rewrapBatchSize, skip)
		if fErr != nil {
			return fErr
		}
		if len(envelopes) == 0 {
			return nil
		}
		for _, envelope := range envelopes {
			if rErr := mq.rewrapEnvelope(ctx, accountID, pair, envelope); rErr != nil {
				// one bad envelope must not stall the batch
				skip++
				global.Logger.Log("level", "warn", "queue", "rewrap", "message", "skipping envelope", "messageId", envelope.MessageID, "error", rErr.Error())
			}
		}
		if len(envelopes) < rewrapBatchSize {
			return nil
		}
	}
}

// RewrapSweep brings every stale envelope of the account up to the current
// key version. Scheduled by cron as a safety net behind rotation tasks.
func (mq *MessageQueue) RewrapSweep(ctx context.Context, accountID string) error {
	return mq.RewrapAccount(ctx, accountID, 0, "")
}

// rewrapEnvelope replaces the account's wrapped key with one made under the
// given pair. The new entry is always tagged with the version of the key that
// actually wrapped it; a stale task arriving after further rotations still
// converges on the current pair. Ciphertext and IV are never touched;
// conflicting concurrent updates surface as ErrConflict and retry via asynq.
func (mq *MessageQueue) rewrapEnvelope(ctx context.Context, accountID string, pair *types.KeyPair, envelope *types.MessageEnvelope) error {
	wrapped, ok := envelope.KeysMetadata[accountID]
	if !ok {
		return types.ErrNotARecipient
	}
	if wrapped.KeyVersion >= pair.Version {
		return nil
	}

	oldKey := mq.keyStore.PrivateKeyForVersion(wrapped.KeyVersion)
	if oldKey == nil {
		return fmt.Errorf("no retained private key for version %d", wrapped.KeyVersion)
	}
	symmetricKey, err := util.UnwrapEnvelopeKey(envelope, accountID, oldKey)
	if err != nil {
		return err
	}

	rewrapped, wErr := util.WrapKey(symmetricKey, pair.PublicKey)
	if wErr != nil {
		return wErr
	}

	envelope.KeysMetadata[accountID] = types.WrappedKey{
		WrappedKey: rewrapped,
		KeyVersion: pair.Version,
	}
	if uErr := mq.messageService.UpdateKeysMetadata(ctx, envelope); uErr != nil {
		return uErr
	}
	metrics.RewrappedMessagesMetricsCount.Inc()
	return nil
}
