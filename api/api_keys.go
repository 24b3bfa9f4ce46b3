package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/jjbrunton/Sauci-sub000/global"
	"github.com/jjbrunton/Sauci-sub000/services"
	"github.com/jjbrunton/Sauci-sub000/types"
)

type KeysApi struct {
	keyStore     *services.KeyStoreService
	keyDirectory *services.KeyDirectoryService
	viewService  *services.MessageViewService
	validate     *validator.Validate
	env          *types.Environment
}

func NewKeysApi(keyStore *services.KeyStoreService, keyDirectory *services.KeyDirectoryService, viewService *services.MessageViewService, env *types.Environment) *KeysApi {
	validate := validator.New()

	return &KeysApi{
		keyStore:     keyStore,
		keyDirectory: keyDirectory,
		viewService:  viewService,
		validate:     validate,
		env:          env,
	}
}

// EnsureKeys triggers key pair loading or generation and returns the public
// half plus the key store state. Safe to call repeatedly and concurrently.
func (ka *KeysApi) EnsureKeys(c *gin.Context) {
	pair, err := ka.keyStore.EnsureKeyPair(c.Request.Context())
	if err != nil {
		state := ka.keyStore.State()
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": state.Status.String()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       ka.keyStore.State().Status.String(),
		"publicKeyJwk": pair.PublicKeyJWK,
		"version":      pair.Version,
	})
}

// KeyStatus returns the key store state machine snapshot.
func (ka *KeysApi) KeyStatus(c *gin.Context) {
	state := ka.keyStore.State()
	out := gin.H{"status": state.Status.String()}
	if state.Current != nil {
		out["version"] = state.Current.Version
	}
	c.JSON(http.StatusOK, out)
}

// GetPublicKey resolves a peer's published public key.
func (ka *KeysApi) GetPublicKey(c *gin.Context) {
	accountID := c.Param("account")
	if accountID == "" {
		ApiErrorf(c, http.StatusBadRequest, "account is required")
		return
	}
	record, err := ka.keyDirectory.GetPublicKeyFor(c.Request.Context(), accountID)
	if err != nil {
		ApiErrorf(c, http.StatusInternalServerError, "failed to resolve public key")
		return
	}
	if record == nil {
		ApiErrorf(c, http.StatusNotFound, "no published key for %s", accountID)
		return
	}
	c.JSON(http.StatusOK, types.OutputPublicKey{
		OwnerID:      record.OwnerID,
		PublicKeyJWK: record.PublicKeyJWK,
		Version:      record.Version,
	})
}

// RefreshPublicKey forces a directory re-fetch for a peer, bypassing cache.
func (ka *KeysApi) RefreshPublicKey(c *gin.Context) {
	accountID := c.Param("account")
	if accountID == "" {
		ApiErrorf(c, http.StatusBadRequest, "account is required")
		return
	}
	record, err := ka.keyDirectory.Refresh(c.Request.Context(), accountID)
	if err != nil {
		ApiErrorf(c, http.StatusInternalServerError, "failed to refresh public key")
		return
	}
	if record == nil {
		ApiErrorf(c, http.StatusNotFound, "no published key for %s", accountID)
		return
	}
	c.JSON(http.StatusOK, types.OutputPublicKey{
		OwnerID:      record.OwnerID,
		PublicKeyJWK: record.PublicKeyJWK,
		Version:      record.Version,
	})
}

// PublishPublicKey publishes a public key on behalf of a peer account.
// Intended for directory administration and test fixtures; the local account
// publishes automatically on key generation.
func (ka *KeysApi) PublishPublicKey(c *gin.Context) {
	accountID := c.Param("account")
	if accountID == "" {
		ApiErrorf(c, http.StatusBadRequest, "account is required")
		return
	}
	var input types.InputPublishKey
	if err := c.ShouldBindBodyWith(&input, binding.JSON); err != nil {
		ApiErrorf(c, http.StatusBadRequest, "invalid format")
		return
	}
	if err := ka.validate.Struct(input); err != nil {
		var verr validator.ValidationErrors
		if errors.As(err, &verr) {
			ApiErrorf(c, http.StatusBadRequest, ValidatorErrorToUser(verr))
			return
		}
		ApiErrorf(c, http.StatusBadRequest, "invalid input")
		return
	}

	existing, gErr := ka.keyDirectory.GetPublicKeyFor(c.Request.Context(), accountID)
	if gErr != nil {
		ApiErrorf(c, http.StatusInternalServerError, "failed to resolve existing key")
		return
	}
	version := 1
	if existing != nil {
		version = existing.Version + 1
	}

	if err := ka.keyDirectory.PublishPublicKey(c.Request.Context(), accountID, input.PublicKeyJWK, version); err != nil {
		if errors.Is(err, types.ErrInvalidPublicKey) {
			ApiErrorf(c, http.StatusBadRequest, "invalid public key")
			return
		}
		if errors.Is(err, types.ErrConflict) {
			ApiErrorf(c, http.StatusConflict, "key version conflict")
			return
		}
		ApiErrorf(c, http.StatusInternalServerError, "failed to publish public key")
		return
	}
	c.JSON(http.StatusOK, types.OutputPublicKey{OwnerID: accountID, PublicKeyJWK: input.PublicKeyJWK, Version: version})
}

// RotateKeys generates a new local key pair and enqueues re-wrapping of
// historical envelopes under the new key.
func (ka *KeysApi) RotateKeys(c *gin.Context) {
	pair, err := ka.keyStore.RotateKeyPair(c.Request.Context())
	if err != nil {
		ApiErrorf(c, http.StatusInternalServerError, "key rotation failed")
		return
	}

	accountID := global.Conf.E2EE.OwnerAccountID
	task, tErr := types.NewRewrapRotationTask(&types.RewrapTask{
		AccountID: accountID,
		ToVersion: pair.Version,
	})
	if tErr != nil {
		ApiErrorf(c, http.StatusInternalServerError, "failed to create re-wrap task")
		return
	}
	if _, qErr := ka.env.TaskClient.Enqueue(task); qErr != nil {
		global.Logger.Log("level", "warn", "api", "keys", "message", "failed to enqueue re-wrap task", "error", qErr.Error())
		// rotation succeeded; the cron sweep will pick up stragglers
	}

	// old cached views reference superseded wrapped keys
	ka.viewService.Invalidate()

	c.JSON(http.StatusOK, gin.H{
		"publicKeyJwk": pair.PublicKeyJWK,
		"version":      pair.Version,
	})
}

// ClearKeys erases all local key material. Called on sign-out; succeeds even
// when no keys exist.
func (ka *KeysApi) ClearKeys(c *gin.Context) {
	if err := ka.keyStore.ClearKeys(c.Request.Context()); err != nil {
		ApiErrorf(c, http.StatusInternalServerError, "failed to clear keys")
		return
	}
	ka.viewService.Invalidate()
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}
