package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/jjbrunton/Sauci-sub000/repository"
	"github.com/jjbrunton/Sauci-sub000/types"
	"github.com/jjbrunton/Sauci-sub000/util"
	"github.com/tj/assert"
)

type sendFixture struct {
	keyStore *KeyStoreService
	send     *SendService
}

func newSendFixture(t *testing.T) *sendFixture {
	t.Helper()
	selector := newTestSelector(t, repository.Messages, repository.PublicKeys)
	env := newTestEnv()

	directory := NewKeyDirectoryService(selector, env)
	keyStore, _ := newTestKeyStore(t, t.TempDir(), &fakePublisher{})
	messages := NewMessageService(selector, env)

	// envelope inserts accept any message id
	saved, _ := httpmock.NewJsonResponder(201, types.OK{IsOK: true})
	httpmock.RegisterResponder("PUT", fmt.Sprintf(`=~^%s/messages/.+\z`, testCouchURL), saved)

	return &sendFixture{
		keyStore: keyStore,
		send:     NewSendService(keyStore, directory, messages),
	}
}

func registerPeerKey(t *testing.T, account string, jwkJSON string) {
	t.Helper()
	record := types.PublicKeyRecord{
		OwnerID:      account,
		PublicKeyJWK: jwkJSON,
		Version:      1,
	}
	mk, _ := httpmock.NewJsonResponder(200, record)
	httpmock.RegisterResponder("GET", fmt.Sprintf("%s/publickeys/%s", testCouchURL, account), mk)
}

func registerMissingPeerKey(account string) {
	mk, _ := httpmock.NewJsonResponder(404, types.CouchDBError{Error: "not_found", Reason: "missing"})
	httpmock.RegisterResponder("GET", fmt.Sprintf("%s/publickeys/%s", testCouchURL, account), mk)
}

func TestSendEncryptedWhenAllKeysAvailable(t *testing.T) {
	defer httpmock.DeactivateAndReset()
	fx := newSendFixture(t)

	bob, err := util.GenerateRSAKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bobJWK, _ := util.PublicKeyToJWK(&bob.PublicKey)
	registerPeerKey(t, "bob", bobJWK)

	envelope, sErr := fx.send.Send(context.Background(), "alice", "conv-1", "see you at noon", []string{"bob"}, nil)
	if sErr != nil {
		t.Fatal(sErr)
	}
	assert.True(t, envelope.IsEncrypted())
	assert.Nil(t, envelope.Content)
	assert.Equal(t, "conv-1", envelope.ConversationID)
	assert.NotEmpty(t, envelope.MessageID)

	// both the recipient and the sender hold a wrapped key
	assert.Len(t, envelope.KeysMetadata, 2)
	bobPlain, bErr := util.DecryptEnvelope(envelope, "bob", bob)
	if bErr != nil {
		t.Fatal(bErr)
	}
	assert.Equal(t, "see you at noon", bobPlain)

	alicePlain, aErr := util.DecryptEnvelope(envelope, "alice", fx.keyStore.PrivateKey())
	if aErr != nil {
		t.Fatal(aErr)
	}
	assert.Equal(t, "see you at noon", alicePlain)
}

func TestSendFallsBackWhenPeerKeyMissing(t *testing.T) {
	defer httpmock.DeactivateAndReset()
	fx := newSendFixture(t)

	registerMissingPeerKey("carol")

	envelope, err := fx.send.Send(context.Background(), "alice", "conv-1", "welcome aboard", []string{"carol"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	assert.False(t, envelope.IsEncrypted())
	assert.Equal(t, types.MessageVersionPlaintext, envelope.Version)
	assert.Equal(t, "welcome aboard", *envelope.Content)
	assert.Nil(t, envelope.KeysMetadata)
}

func TestSendFallsBackWhenOnePeerOfManyMissing(t *testing.T) {
	defer httpmock.DeactivateAndReset()
	fx := newSendFixture(t)

	bob, _ := util.GenerateRSAKeyPair()
	bobJWK, _ := util.PublicKeyToJWK(&bob.PublicKey)
	registerPeerKey(t, "bob", bobJWK)
	registerMissingPeerKey("carol")

	// a group message is never partially encrypted
	envelope, err := fx.send.Send(context.Background(), "alice", "conv-2", "group hello", []string{"bob", "carol"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, types.MessageVersionPlaintext, envelope.Version)
}

func TestSendFallsBackWhenLocalKeysUnavailable(t *testing.T) {
	defer httpmock.DeactivateAndReset()
	selector := newTestSelector(t, repository.Messages, repository.PublicKeys)
	env := newTestEnv()
	directory := NewKeyDirectoryService(selector, env)
	messages := NewMessageService(selector, env)

	// storage that refuses reads keeps the key store in Failed
	keyStore := NewKeyStoreService("alice", failingStorage{}, make([]byte, 32), &fakePublisher{})
	send := NewSendService(keyStore, directory, messages)

	saved, _ := httpmock.NewJsonResponder(201, types.OK{IsOK: true})
	httpmock.RegisterResponder("PUT", fmt.Sprintf(`=~^%s/messages/.+\z`, testCouchURL), saved)

	envelope, err := send.Send(context.Background(), "alice", "conv-3", "still delivered", []string{"bob"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, types.MessageVersionPlaintext, envelope.Version)
	assert.Equal(t, "still delivered", *envelope.Content)
	assert.Equal(t, types.KeyStoreFailed, keyStore.State().Status)
}

type failingStorage struct{}

func (failingStorage) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, types.ErrInternal
}

func (failingStorage) Set(ctx context.Context, key string, value []byte) error {
	return types.ErrInternal
}

func (failingStorage) Remove(ctx context.Context, key string) error {
	return types.ErrInternal
}
