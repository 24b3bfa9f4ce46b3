package repository

import (
	"context"
	"fmt"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/jjbrunton/Sauci-sub000/types"
	"github.com/stretchr/testify/assert"
)

var url = "http://localhost:5689"

func InitMockDatabase(dbName string) (Repository, error) {
	httpmock.Activate()

	mr, mErr := httpmock.NewJsonResponder(201, types.OK{IsOK: true})
	if mErr != nil {
		return nil, mErr
	}
	httpmock.RegisterResponder("PUT", fmt.Sprintf("%s/%s", url, dbName), mr)
	httpmock.RegisterResponder("HEAD", fmt.Sprintf("%s/%s", url, dbName), mr)
	httpmock.RegisterResponder("GET", fmt.Sprintf("%s/%s", url, dbName), mr)

	db, err := NewCouchDBRepository(url, dbName, "test", "test", true)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func deactivateMock() {
	httpmock.DeactivateAndReset()
}

func TestInitNewDatabase(t *testing.T) {
	db, err := InitMockDatabase("messages")
	defer deactivateMock()
	if err != nil {
		t.Fatal(err)
	}
	if db == nil {
		t.Fatal("db is nil")
	}
	assert.Equal(t, "messages", db.GetDBName())
}

func TestSaveAndGetByID(t *testing.T) {
	db, _ := InitMockDatabase("messages")
	defer deactivateMock()

	mk, _ := httpmock.NewJsonResponder(201, types.OK{IsOK: true})
	httpmock.RegisterResponder("PUT", fmt.Sprintf("%s/%s/%s", url, "messages", "msg-1"), mk)

	content := "hello"
	envelope := &types.MessageEnvelope{
		MessageID:      "msg-1",
		ConversationID: "conv-1",
		SenderID:       "alice",
		Version:        types.MessageVersionPlaintext,
		Content:        &content,
		Created:        1700000000000,
	}
	if err := db.Save(context.Background(), "msg-1", envelope); err != nil {
		t.Fatal(err)
	}

	mk, _ = httpmock.NewJsonResponder(200, envelope)
	httpmock.RegisterResponder("GET", fmt.Sprintf("%s/%s/%s", url, "messages", "msg-1"), mk)

	res, err := db.GetByID(context.Background(), "msg-1")
	if err != nil {
		t.Fatal(err)
	}
	var loaded types.MessageEnvelope
	if mErr := MapToObject(res, &loaded); mErr != nil {
		t.Fatal(mErr)
	}
	assert.Equal(t, "msg-1", loaded.MessageID)
	assert.Equal(t, "hello", *loaded.Content)
}

func TestGetByIDNotFound(t *testing.T) {
	db, _ := InitMockDatabase("messages")
	defer deactivateMock()

	mk, _ := httpmock.NewJsonResponder(404, types.CouchDBError{Error: "not_found", Reason: "missing"})
	httpmock.RegisterResponder("GET", fmt.Sprintf("%s/%s/%s", url, "messages", "missing"), mk)

	_, err := db.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestSaveConflict(t *testing.T) {
	db, _ := InitMockDatabase("publickeys")
	defer deactivateMock()

	mk, _ := httpmock.NewJsonResponder(409, types.CouchDBError{Error: "conflict", Reason: "Document update conflict."})
	httpmock.RegisterResponder("PUT", fmt.Sprintf("%s/%s/%s", url, "publickeys", "alice"), mk)

	err := db.Save(context.Background(), "alice", &types.PublicKeyRecord{OwnerID: "alice"})
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestFindMapsToList(t *testing.T) {
	db, _ := InitMockDatabase("messages")
	defer deactivateMock()

	docs := map[string]interface{}{
		"docs": []interface{}{
			map[string]interface{}{"messageId": "msg-1", "conversationId": "conv-1", "version": 1},
			map[string]interface{}{"messageId": "msg-2", "conversationId": "conv-1", "version": 2},
		},
	}
	mk, _ := httpmock.NewJsonResponder(200, docs)
	httpmock.RegisterResponder("POST", fmt.Sprintf("%s/%s/_find", url, "messages"), mk)

	res, err := db.Find(context.Background(), FindQuery{
		Selector: map[string]interface{}{"conversationId": "conv-1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	var envelopes []*types.MessageEnvelope
	if mErr := MapToList(res, &envelopes); mErr != nil {
		t.Fatal(mErr)
	}
	assert.Len(t, envelopes, 2)
	assert.Equal(t, "msg-1", envelopes[0].MessageID)
	assert.Equal(t, types.MessageVersionEncrypted, envelopes[1].Version)
}
