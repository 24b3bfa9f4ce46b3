package repository

import (
	"fmt"

	"github.com/go-resty/resty/v2"
)

// CreateConversationCreatedIndex creates an index on the messages database for
// listing a conversation's envelopes in insertion order.
func CreateConversationCreatedIndex(messagesRepo Repository) error {
	indexPayload := map[string]interface{}{
		"index": map[string]interface{}{
			"fields": []map[string]interface{}{
				{"conversationId": "desc"},
				{"created": "desc"},
			},
		},
		"name": "conversation-created-desc-index",
		"ddoc": "conversation-created-desc-index",
		"type": "json",
	}

	c := messagesRepo.GetClient().(*resty.Client)
	resp, rErr := c.R().SetBody(indexPayload).Post(fmt.Sprintf("%s/%s", Messages, "_index"))
	if rErr != nil {
		return rErr
	}
	if resp.IsError() {
		return handleError(resp)
	}
	return nil
}

// CreateSenderCreatedIndex supports the re-wrap sweep, which scans the owner's
// sent envelopes for wrapped keys made under an old key version.
func CreateSenderCreatedIndex(messagesRepo Repository) error {
	indexPayload := map[string]interface{}{
		"index": map[string]interface{}{
			"fields": []map[string]interface{}{
				{"senderId": "desc"},
				{"created": "desc"},
			},
		},
		"name": "sender-created-desc-index",
		"ddoc": "sender-created-desc-index",
		"type": "json",
	}

	c := messagesRepo.GetClient().(*resty.Client)
	resp, rErr := c.R().SetBody(indexPayload).Post(fmt.Sprintf("%s/%s", Messages, "_index"))
	if rErr != nil {
		return rErr
	}
	if resp.IsError() {
		return handleError(resp)
	}
	return nil
}
