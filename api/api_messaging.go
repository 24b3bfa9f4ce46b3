package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/jjbrunton/Sauci-sub000/global"
	"github.com/jjbrunton/Sauci-sub000/services"
	"github.com/jjbrunton/Sauci-sub000/types"
)

type MessagingApi struct {
	sendService    *services.SendService
	messageService *services.MessageService
	viewService    *services.MessageViewService
	mediaService   *services.MediaService
	keyStore       *services.KeyStoreService
	validate       *validator.Validate
	env            *types.Environment
}

func NewMessagingApi(sendService *services.SendService, messageService *services.MessageService, viewService *services.MessageViewService, mediaService *services.MediaService, keyStore *services.KeyStoreService, env *types.Environment) *MessagingApi {
	validate := validator.New()

	return &MessagingApi{
		sendService:    sendService,
		messageService: messageService,
		viewService:    viewService,
		mediaService:   mediaService,
		keyStore:       keyStore,
		validate:       validate,
		env:            env,
	}
}

// Send a message to the conversation participants. Encrypted when every
// participant has a published key, plaintext otherwise; never rejected for
// cipher reasons.
func (ma *MessagingApi) SendMessage(c *gin.Context) {
	var input types.InputSendMessage
	if err := c.ShouldBindBodyWith(&input, binding.JSON); err != nil {
		ApiErrorf(c, http.StatusBadRequest, "invalid format")
		return
	}
	if err := ma.validate.Struct(input); err != nil {
		var verr validator.ValidationErrors
		if errors.As(err, &verr) {
			ApiErrorf(c, http.StatusBadRequest, ValidatorErrorToUser(verr))
			return
		}
		ApiErrorf(c, http.StatusBadRequest, "invalid input")
		return
	}

	senderID := global.Conf.E2EE.OwnerAccountID
	envelope, sErr := ma.sendService.Send(c.Request.Context(), senderID, input.ConversationID, input.Content, input.Participants, input.Attachments)
	if sErr != nil {
		ApiErrorf(c, http.StatusInternalServerError, "failed to store message")
		return
	}

	c.JSON(http.StatusCreated, types.OutputSendMessage{
		MessageID: envelope.MessageID,
		Version:   envelope.Version,
		Encrypted: envelope.IsEncrypted(),
	})
}

// ListConversation returns a page of decrypted message views, newest first.
func (ma *MessagingApi) ListConversation(c *gin.Context) {
	conversationID := c.Param("id")
	if conversationID == "" {
		ApiErrorf(c, http.StatusBadRequest, "conversation id is required")
		return
	}
	limit, lErr := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if lErr != nil || limit <= 0 || limit > 200 {
		limit = 50
	}
	skip, sErr := strconv.Atoi(c.DefaultQuery("skip", "0"))
	if sErr != nil || skip < 0 {
		skip = 0
	}

	envelopes, err := ma.messageService.ListConversation(c.Request.Context(), conversationID, limit, skip)
	if err != nil {
		ApiErrorf(c, http.StatusInternalServerError, "failed to list conversation")
		return
	}

	accountID := global.Conf.E2EE.OwnerAccountID
	views := ma.viewService.ResolveAll(c.Request.Context(), accountID, envelopes)
	c.JSON(http.StatusOK, gin.H{"messages": views})
}

// GetMessage returns the decrypted view of a single message.
func (ma *MessagingApi) GetMessage(c *gin.Context) {
	messageID := c.Param("id")
	if messageID == "" {
		ApiErrorf(c, http.StatusBadRequest, "message id is required")
		return
	}

	envelope, err := ma.messageService.GetEnvelope(c.Request.Context(), messageID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			ApiErrorf(c, http.StatusNotFound, "message not found")
			return
		}
		ApiErrorf(c, http.StatusInternalServerError, "failed to load message")
		return
	}

	accountID := global.Conf.E2EE.OwnerAccountID
	c.JSON(http.StatusOK, ma.viewService.Resolve(c.Request.Context(), accountID, envelope))
}

// UploadAttachment encrypts and stores a media blob for later sending.
// Unlike text, attachments have no plaintext fallback: when keys are not
// available the upload is rejected.
func (ma *MessagingApi) UploadAttachment(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		ApiErrorf(c, http.StatusBadRequest, "file is required")
		return
	}
	participants := c.PostFormArray("participants")
	if len(participants) == 0 {
		ApiErrorf(c, http.StatusBadRequest, "participants are required")
		return
	}

	file, oErr := fileHeader.Open()
	if oErr != nil {
		ApiErrorf(c, http.StatusBadRequest, "failed to read file")
		return
	}
	defer file.Close()
	content, rErr := io.ReadAll(file)
	if rErr != nil {
		ApiErrorf(c, http.StatusBadRequest, "failed to read file")
		return
	}

	senderID := global.Conf.E2EE.OwnerAccountID
	recipients, ok := ma.sendService.ResolveRecipients(c.Request.Context(), senderID, participants)
	if !ok {
		ApiErrorf(c, http.StatusPreconditionFailed, "encryption unavailable for one or more participants")
		return
	}

	attachment, uErr := ma.mediaService.UploadAttachment(content, fileHeader.Header.Get("Content-Type"), recipients)
	if uErr != nil {
		ApiErrorf(c, http.StatusInternalServerError, "failed to store attachment")
		return
	}
	c.JSON(http.StatusCreated, attachment)
}

// DownloadAttachment streams the decrypted bytes of a message attachment.
func (ma *MessagingApi) DownloadAttachment(c *gin.Context) {
	messageID := c.Param("id")
	attachmentID := c.Param("attachmentId")

	envelope, err := ma.messageService.GetEnvelope(c.Request.Context(), messageID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			ApiErrorf(c, http.StatusNotFound, "message not found")
			return
		}
		ApiErrorf(c, http.StatusInternalServerError, "failed to load message")
		return
	}

	var attachment *types.EncryptedAttachment
	for _, a := range envelope.Attachments {
		if a.ID == attachmentID {
			attachment = a
			break
		}
	}
	if attachment == nil {
		ApiErrorf(c, http.StatusNotFound, "attachment not found")
		return
	}

	accountID := global.Conf.E2EE.OwnerAccountID
	content, dErr := ma.mediaService.DownloadAttachment(attachment, accountID, ma.keyStore)
	if dErr != nil {
		switch {
		case errors.Is(dErr, types.ErrNotARecipient):
			ApiErrorf(c, http.StatusForbidden, "not a recipient of this attachment")
		case errors.Is(dErr, types.ErrNotFound):
			ApiErrorf(c, http.StatusNotFound, "attachment blob not found")
		default:
			ApiErrorf(c, http.StatusInternalServerError, "failed to decrypt attachment")
		}
		return
	}

	contentType := attachment.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Data(http.StatusOK, contentType, content)
}
