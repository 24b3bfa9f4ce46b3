package queue

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/hibiken/asynq"
	"github.com/jjbrunton/Sauci-sub000/repository"
	"github.com/jjbrunton/Sauci-sub000/services"
	"github.com/jjbrunton/Sauci-sub000/types"
)

// MessageQueue hosts the background re-wrap pipeline. After a key rotation the
// owner's wrapped keys in historical envelopes still reference the old key
// version; tasks here unwrap them with the retained old private key and
// re-wrap them under the current one, so history keeps decrypting even after
// old key generations are eventually discarded.
type MessageQueue struct {
	messageService *services.MessageService
	keyStore       *services.KeyStoreService
	env            *types.Environment
}

func NewMessageQueue(dbSelector repository.DBSelector, env *types.Environment, keyStore *services.KeyStoreService) *MessageQueue {
	messageService := services.NewMessageService(dbSelector, env)

	return &MessageQueue{
		messageService: messageService,
		keyStore:       keyStore,
		env:            env,
	}
}

// Processing of re-wrap tasks
func (mq *MessageQueue) ProcessRewrapTask(ctx context.Context, t *asynq.Task) error {
	var task types.RewrapTask
	if err := cbor.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("cbor.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	switch t.Type() {
	case types.QueueTypeRewrapRotation:
		// rotation names the exact target version
		return mq.RewrapAccount(ctx, task.AccountID, task.ToVersion, task.MessageID)
	case types.QueueTypeRewrapSweep:
		// sweep catches stragglers; the current key version is the target
		return mq.RewrapSweep(ctx, task.AccountID)
	default:
		return fmt.Errorf("unexpected task type: %s, %w", t.Type(), asynq.SkipRetry)
	}
}
