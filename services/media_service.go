package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3Types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/jjbrunton/Sauci-sub000/global"
	"github.com/jjbrunton/Sauci-sub000/types"
	"github.com/jjbrunton/Sauci-sub000/util"
)

// MediaService stores message attachments in object storage. Blobs are
// encrypted client-side before upload with their own AES key; the key is
// wrapped per recipient the same way as message content, so storage never
// sees plaintext bytes.
type MediaService struct {
	env *types.Environment
}

func NewMediaService(env *types.Environment) *MediaService {
	return &MediaService{
		env: env,
	}
}

// UploadAttachment encrypts content under a fresh AES key, uploads the
// ciphertext and returns the attachment reference with per-recipient wrapped
// keys. The plaintext never leaves this method.
func (ms *MediaService) UploadAttachment(content []byte, contentType string, recipients map[string]util.RecipientKey) (*types.EncryptedAttachment, error) {
	if len(content) == 0 {
		return nil, types.ErrBadRequest
	}
	if len(recipients) == 0 {
		return nil, types.ErrPeerKeyUnavailable
	}

	blobKey, err := util.GenerateSymmetricKey()
	if err != nil {
		return nil, err
	}
	iv, err := util.GenerateIV()
	if err != nil {
		return nil, err
	}
	ciphertext, err := util.EncryptAES(content, blobKey, iv)
	if err != nil {
		return nil, err
	}

	keysMetadata := make(types.KeysMetadata, len(recipients))
	for accountID, recipient := range recipients {
		wrapped, wErr := util.WrapKey(blobKey, recipient.PublicKey)
		if wErr != nil {
			return nil, fmt.Errorf("failed to wrap attachment key for %s: %w", accountID, wErr)
		}
		keysMetadata[accountID] = types.WrappedKey{
			WrappedKey: wrapped,
			KeyVersion: recipient.Version,
		}
	}

	id := uuid.NewString()
	path := "/attachments/" + id
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ioReader := bytes.NewReader(ciphertext)
	_, uErr := ms.env.S3Uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(global.Conf.Storage.Bucket),
		Key:    aws.String(path),
		Body:   ioReader,
	})
	if uErr != nil {
		global.Logger.Log(uErr.Error(), "failed to upload attachment", path)
		return nil, uErr
	}

	return &types.EncryptedAttachment{
		ID:           id,
		StorageURI:   fmt.Sprintf("s3://%s%s", global.Conf.Storage.Bucket, path),
		ContentType:  contentType,
		EncryptionIV: base64.StdEncoding.EncodeToString(iv),
		KeysMetadata: keysMetadata,
		Size:         int64(len(ciphertext)),
	}, nil
}

// DownloadAttachment fetches the ciphertext and decrypts it with the wrapped
// key belonging to accountID. The same cipher error contract applies as for
// message content.
func (ms *MediaService) DownloadAttachment(attachment *types.EncryptedAttachment, accountID string, keyStore *KeyStoreService) ([]byte, error) {
	wrapped, ok := attachment.KeysMetadata[accountID]
	if !ok {
		return nil, types.ErrNotARecipient
	}
	privateKey := keyStore.PrivateKeyForVersion(wrapped.KeyVersion)
	if privateKey == nil {
		return nil, types.ErrKeyMismatch
	}
	blobKey, err := util.UnwrapKey(wrapped.WrappedKey, privateKey)
	if err != nil {
		return nil, err
	}

	path, pErr := storagePath(attachment.StorageURI)
	if pErr != nil {
		return nil, pErr
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	buf := manager.NewWriteAtBuffer([]byte{})
	_, dErr := ms.env.S3Downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(global.Conf.Storage.Bucket),
		Key:    aws.String(path),
	})
	if dErr != nil {
		var noKey *s3Types.NoSuchKey
		if errors.As(dErr, &noKey) {
			return nil, types.ErrNotFound
		}
		return nil, dErr
	}

	iv, ivErr := base64.StdEncoding.DecodeString(attachment.EncryptionIV)
	if ivErr != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrTamperedMessage, ivErr.Error())
	}
	return util.DecryptAES(buf.Bytes(), blobKey, iv)
}

// DeleteAttachment removes the blob at the given storage uri.
func (ms *MediaService) DeleteAttachment(storageURI string) error {
	path, pErr := storagePath(storageURI)
	if pErr != nil {
		return pErr
	}
	input := &s3.DeleteObjectInput{
		Bucket: aws.String(global.Conf.Storage.Bucket),
		Key:    aws.String(path),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := ms.env.S3Client.DeleteObject(ctx, input)
	if err != nil {
		var noKey *s3Types.NoSuchKey
		var apiErr *smithy.GenericAPIError
		if errors.As(err, &noKey) {
			global.Logger.Log("warning", "object does not exist", "objectKey", path)
			return types.ErrNotFound
		} else if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "AccessDenied":
				global.Logger.Log("warning", "access denied", "objectKey", path)
				return types.ErrNotAuthorized
			}
			global.Logger.Log("error", "error deleting object", "error", err)
			return err
		}
	}
	return nil
}

func storagePath(storageURI string) (string, error) {
	prefix := "s3://" + global.Conf.Storage.Bucket
	if !strings.HasPrefix(storageURI, prefix) {
		return "", types.ErrBadRequest
	}
	return strings.TrimPrefix(storageURI, prefix), nil
}
