package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/jjbrunton/Sauci-sub000/repository"
	"github.com/jjbrunton/Sauci-sub000/services"
	"github.com/jjbrunton/Sauci-sub000/types"
	"github.com/jjbrunton/Sauci-sub000/util"
	"github.com/redis/go-redis/v9"
	"github.com/tj/assert"
)

var testCouchURL = "http://localhost:5989"

type noopPublisher struct{}

func (noopPublisher) PublishPublicKey(ctx context.Context, accountID string, publicKeyJWK string, version int) error {
	return nil
}

func newTestQueue(t *testing.T) (*MessageQueue, *services.KeyStoreService) {
	t.Helper()

	mr, _ := httpmock.NewJsonResponder(201, types.OK{IsOK: true})
	httpmock.RegisterResponder("HEAD", fmt.Sprintf("%s/%s", testCouchURL, repository.Messages), mr)
	httpmock.RegisterResponder("PUT", fmt.Sprintf("%s/%s", testCouchURL, repository.Messages), mr)

	messagesRepo, rErr := repository.NewCouchDBRepository(testCouchURL, repository.Messages, "test", "test", true)
	if rErr != nil {
		t.Fatal(rErr)
	}
	selector := repository.NewCouchDBSelector()
	selector.AddDB(messagesRepo)

	redisClient := redis.NewClient(&redis.Options{
		Addr:        "localhost:1",
		DialTimeout: time.Millisecond * 20,
		MaxRetries:  -1,
	})
	env := types.NewEnvironment(redisClient)

	storage, sErr := services.NewFileSecureStorage(t.TempDir())
	if sErr != nil {
		t.Fatal(sErr)
	}
	storageKey, kErr := util.DeriveStorageKey("test secret", []byte("test salt"))
	if kErr != nil {
		t.Fatal(kErr)
	}
	keyStore := services.NewKeyStoreService("alice", storage, storageKey, noopPublisher{})

	return NewMessageQueue(selector, env, keyStore), keyStore
}

func TestRewrapAfterRotation(t *testing.T) {
	defer httpmock.DeactivateAndReset()
	mq, keyStore := newTestQueue(t)

	original, err := keyStore.EnsureKeyPair(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	envelope, eErr := util.EncryptEnvelope("wrapped under v1", map[string]util.RecipientKey{
		"alice": {PublicKey: original.PublicKey, Version: original.Version},
	})
	if eErr != nil {
		t.Fatal(eErr)
	}
	envelope.MessageID = "msg-1"
	envelope.ConversationID = "conv-1"
	envelope.SenderID = "alice"

	rotated, rErr := keyStore.RotateKeyPair(context.Background())
	if rErr != nil {
		t.Fatal(rErr)
	}

	mk, _ := httpmock.NewJsonResponder(200, envelope)
	httpmock.RegisterResponder("GET", fmt.Sprintf("%s/messages/msg-1", testCouchURL), mk)

	var updated *types.MessageEnvelope
	httpmock.RegisterResponder("PUT", fmt.Sprintf("%s/messages/msg-1", testCouchURL),
		func(req *http.Request) (*http.Response, error) {
			body, _ := io.ReadAll(req.Body)
			var env types.MessageEnvelope
			if uErr := json.Unmarshal(body, &env); uErr != nil {
				return nil, uErr
			}
			updated = &env
			return httpmock.NewJsonResponse(201, types.OK{IsOK: true})
		})

	if hErr := mq.RewrapAccount(context.Background(), "alice", rotated.Version, "msg-1"); hErr != nil {
		t.Fatal(hErr)
	}

	assert.NotNil(t, updated)
	assert.Equal(t, rotated.Version, updated.KeysMetadata["alice"].KeyVersion)

	// ciphertext untouched, and the current key now decrypts it
	assert.Equal(t, *envelope.EncryptedContent, *updated.EncryptedContent)
	plaintext, dErr := util.DecryptEnvelope(updated, "alice", keyStore.PrivateKey())
	if dErr != nil {
		t.Fatal(dErr)
	}
	assert.Equal(t, "wrapped under v1", plaintext)
}

func TestRewrapStaleTaskUsesCurrentKey(t *testing.T) {
	defer httpmock.DeactivateAndReset()
	mq, keyStore := newTestQueue(t)

	original, err := keyStore.EnsureKeyPair(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	envelope, eErr := util.EncryptEnvelope("two rotations behind", map[string]util.RecipientKey{
		"alice": {PublicKey: original.PublicKey, Version: original.Version},
	})
	if eErr != nil {
		t.Fatal(eErr)
	}
	envelope.MessageID = "msg-stale"
	envelope.ConversationID = "conv-1"
	envelope.SenderID = "alice"

	second, rErr := keyStore.RotateKeyPair(context.Background())
	if rErr != nil {
		t.Fatal(rErr)
	}
	third, tErr := keyStore.RotateKeyPair(context.Background())
	if tErr != nil {
		t.Fatal(tErr)
	}

	mk, _ := httpmock.NewJsonResponder(200, envelope)
	httpmock.RegisterResponder("GET", fmt.Sprintf("%s/messages/msg-stale", testCouchURL), mk)

	var updated *types.MessageEnvelope
	httpmock.RegisterResponder("PUT", fmt.Sprintf("%s/messages/msg-stale", testCouchURL),
		func(req *http.Request) (*http.Response, error) {
			body, _ := io.ReadAll(req.Body)
			var env types.MessageEnvelope
			if uErr := json.Unmarshal(body, &env); uErr != nil {
				return nil, uErr
			}
			updated = &env
			return httpmock.NewJsonResponse(201, types.OK{IsOK: true})
		})

	// a task enqueued by the first rotation runs after the second; the new
	// wrap must be tagged with the version of the key that made it
	if hErr := mq.RewrapAccount(context.Background(), "alice", second.Version, "msg-stale"); hErr != nil {
		t.Fatal(hErr)
	}

	assert.NotNil(t, updated)
	assert.Equal(t, third.Version, updated.KeysMetadata["alice"].KeyVersion)
	plaintext, dErr := util.DecryptEnvelope(updated, "alice", keyStore.PrivateKey())
	if dErr != nil {
		t.Fatal(dErr)
	}
	assert.Equal(t, "two rotations behind", plaintext)
}

func TestRewrapSkipsCurrentWraps(t *testing.T) {
	defer httpmock.DeactivateAndReset()
	mq, keyStore := newTestQueue(t)

	pair, err := keyStore.EnsureKeyPair(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	envelope, eErr := util.EncryptEnvelope("already current", map[string]util.RecipientKey{
		"alice": {PublicKey: pair.PublicKey, Version: pair.Version},
	})
	if eErr != nil {
		t.Fatal(eErr)
	}
	envelope.MessageID = "msg-2"

	mk, _ := httpmock.NewJsonResponder(200, envelope)
	httpmock.RegisterResponder("GET", fmt.Sprintf("%s/messages/msg-2", testCouchURL), mk)

	// no PUT responder: an update attempt would fail the test
	hErr := mq.RewrapAccount(context.Background(), "alice", pair.Version, "msg-2")
	assert.NoError(t, hErr)
}

func TestRewrapSweepStepsPastStuckEnvelopes(t *testing.T) {
	defer httpmock.DeactivateAndReset()
	mq, keyStore := newTestQueue(t)

	if _, err := keyStore.EnsureKeyPair(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := keyStore.RotateKeyPair(context.Background()); err != nil {
		t.Fatal(err)
	}

	// a full batch of envelopes whose wrapped key cannot be unwrapped
	garbage := base64.StdEncoding.EncodeToString(make([]byte, 256))
	stuck := make([]*types.MessageEnvelope, rewrapBatchSize)
	for i := range stuck {
		stuck[i] = &types.MessageEnvelope{
			MessageID: fmt.Sprintf("msg-stuck-%d", i),
			SenderID:  "alice",
			Version:   types.MessageVersionEncrypted,
			KeysMetadata: map[string]types.WrappedKey{
				"alice": {WrappedKey: garbage, KeyVersion: 1},
			},
		}
	}

	var finds int
	var lastSkip int
	httpmock.RegisterResponder("POST", fmt.Sprintf("%s/messages/_find", testCouchURL),
		func(req *http.Request) (*http.Response, error) {
			body, _ := io.ReadAll(req.Body)
			var query repository.FindQuery
			if uErr := json.Unmarshal(body, &query); uErr != nil {
				return nil, uErr
			}
			finds++
			lastSkip = query.Skip
			if query.Skip == 0 {
				return httpmock.NewJsonResponse(200, map[string]interface{}{"docs": stuck})
			}
			return httpmock.NewJsonResponse(200, map[string]interface{}{"docs": []interface{}{}})
		})

	// the sweep must terminate even though no envelope can be re-wrapped
	err := mq.RewrapSweep(context.Background(), "alice")
	assert.NoError(t, err)
	assert.Equal(t, 2, finds)
	assert.Equal(t, rewrapBatchSize, lastSkip)
}

func TestRewrapMissingEnvelopeIsNoop(t *testing.T) {
	defer httpmock.DeactivateAndReset()
	mq, keyStore := newTestQueue(t)

	if _, err := keyStore.EnsureKeyPair(context.Background()); err != nil {
		t.Fatal(err)
	}

	mk, _ := httpmock.NewJsonResponder(404, types.CouchDBError{Error: "not_found", Reason: "deleted"})
	httpmock.RegisterResponder("GET", fmt.Sprintf("%s/messages/msg-gone", testCouchURL), mk)

	// deleted since enqueue; the task must not retry forever
	err := mq.RewrapAccount(context.Background(), "alice", 0, "msg-gone")
	assert.NoError(t, err)
}
