package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jjbrunton/Sauci-sub000/global"
	"github.com/jjbrunton/Sauci-sub000/repository"
	"github.com/jjbrunton/Sauci-sub000/types"
)

// MessageService persists message envelopes and fans out insert notifications
// over redis pub/sub, so list views update without polling.
type MessageService struct {
	messageRepo repository.Repository
	env         *types.Environment
}

func NewMessageService(dbSelector repository.DBSelector, env *types.Environment) *MessageService {
	messageRepo, err := dbSelector.ChooseDB(repository.Messages)
	if err != nil {
		panic(err)
	}
	return &MessageService{messageRepo: messageRepo, env: env}
}

func conversationChannel(conversationID string) string {
	return "conversation:" + conversationID
}

// SaveEnvelope inserts a new envelope and notifies conversation subscribers.
func (ms *MessageService) SaveEnvelope(ctx context.Context, envelope *types.MessageEnvelope) error {
	if err := ms.messageRepo.Save(ctx, envelope.MessageID, envelope); err != nil {
		return err
	}
	payload, mErr := json.Marshal(map[string]string{"messageId": envelope.MessageID})
	if mErr == nil {
		if pErr := ms.env.RedisClient.Publish(ctx, conversationChannel(envelope.ConversationID), payload).Err(); pErr != nil {
			global.Logger.Log("level", "warn", "service", "message", "message", "failed to publish insert notification", "error", pErr.Error())
		}
	}
	return nil
}

// GetEnvelope loads a single envelope by message id.
func (ms *MessageService) GetEnvelope(ctx context.Context, messageID string) (*types.MessageEnvelope, error) {
	resp, err := ms.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	var envelope types.MessageEnvelope
	if mErr := repository.MapToObject(resp, &envelope); mErr != nil {
		return nil, mErr
	}
	return &envelope, nil
}

// ListConversation returns a conversation's envelopes, newest first. Ordering
// is the store's insertion order; decryption of one envelope never depends on
// another.
func (ms *MessageService) ListConversation(ctx context.Context, conversationID string, limit, skip int) ([]*types.MessageEnvelope, error) {
	query := repository.FindQuery{
		Selector: map[string]interface{}{
			"conversationId": conversationID,
		},
		Sort:  []map[string]string{{"conversationId": "desc"}, {"created": "desc"}},
		Limit: limit,
		Skip:  skip,
	}
	resp, err := ms.messageRepo.Find(ctx, query)
	if err != nil {
		return nil, err
	}
	var envelopes []*types.MessageEnvelope
	if mErr := repository.MapToList(resp, &envelopes); mErr != nil {
		return nil, mErr
	}
	return envelopes, nil
}

// FindStaleEnvelopes returns encrypted envelopes sent by the account whose
// own wrapped key was made under a version older than toVersion.
func (ms *MessageService) FindStaleEnvelopes(ctx context.Context, accountID string, toVersion int, limit, skip int) ([]*types.MessageEnvelope, error) {
	query := repository.FindQuery{
		Selector: map[string]interface{}{
			"senderId": accountID,
			"version":  types.MessageVersionEncrypted,
			fmt.Sprintf("keys_metadata.%s.key_version", accountID): map[string]interface{}{
				"$lt": toVersion,
			},
		},
		Limit: limit,
		Skip:  skip,
	}
	resp, err := ms.messageRepo.Find(ctx, query)
	if err != nil {
		return nil, err
	}
	var envelopes []*types.MessageEnvelope
	if mErr := repository.MapToList(resp, &envelopes); mErr != nil {
		return nil, mErr
	}
	return envelopes, nil
}

// UpdateKeysMetadata replaces an envelope's wrapped-key map. Used only by the
// re-wrap pipeline; ciphertext and IV are never touched.
func (ms *MessageService) UpdateKeysMetadata(ctx context.Context, envelope *types.MessageEnvelope) error {
	return ms.messageRepo.Update(ctx, envelope.MessageID, envelope)
}

// SubscribeConversation delivers message ids of inserted envelopes until the
// context is canceled.
func (ms *MessageService) SubscribeConversation(ctx context.Context, conversationID string) (<-chan string, error) {
	sub := ms.env.RedisClient.Subscribe(ctx, conversationChannel(conversationID))
	if _, err := sub.Receive(ctx); err != nil {
		return nil, err
	}
	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var note struct {
					MessageID string `json:"messageId"`
				}
				if err := json.Unmarshal([]byte(msg.Payload), &note); err == nil && note.MessageID != "" {
					select {
					case out <- note.MessageID:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}
