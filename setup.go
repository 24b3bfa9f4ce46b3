package main

import (
	"context"
	"encoding/hex"
	"errors"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jjbrunton/Sauci-sub000/global"
	"github.com/jjbrunton/Sauci-sub000/repository"
	"github.com/jjbrunton/Sauci-sub000/services"
	"github.com/jjbrunton/Sauci-sub000/types"
	"github.com/jjbrunton/Sauci-sub000/util"
)

// Configure DB Repositories and create DB Selector
func ConfigDBSelector() repository.DBSelector {
	// configure Repository (couchDB)
	repoUrl := global.Conf.CouchDB.Scheme + "://" + global.Conf.CouchDB.Host + ":" + strconv.Itoa(global.Conf.CouchDB.Port)
	messagesRepo, messagesRepoErr := repository.NewCouchDBRepository(repoUrl, repository.Messages, global.Conf.CouchDB.Username, global.Conf.CouchDB.Password, false)
	publicKeysRepo, publicKeysRepoErr := repository.NewCouchDBRepository(repoUrl, repository.PublicKeys, global.Conf.CouchDB.Username, global.Conf.CouchDB.Password, false)

	repoErr := errors.Join(messagesRepoErr, publicKeysRepoErr)
	if repoErr != nil {
		global.Logger.Log("error", "Failed to create repositories", "error", repoErr.Error())
		panic(repoErr)
	}

	// REPOSITORY definitions
	dbSelector := repository.NewCouchDBSelector()
	dbSelector.AddDB(messagesRepo)
	dbSelector.AddDB(publicKeysRepo)

	return dbSelector
}

func ConfigDBIndexing(dbSelector *repository.CouchDBSelector) {
	messagesRepo, msgErr := dbSelector.ChooseDB(repository.Messages)
	if msgErr != nil {
		panic(msgErr)
	}

	// MESSAGE INDEXES (conversation listing and re-wrap queries)
	if icErr := repository.CreateConversationCreatedIndex(messagesRepo); icErr != nil {
		panic(icErr)
	}
	if isErr := repository.CreateSenderCreatedIndex(messagesRepo); isErr != nil {
		panic(isErr)
	}
}

// ConfigKeyStore builds the encrypted local key store for the owner account.
func ConfigKeyStore(conf *global.Config, keyDirectory *services.KeyDirectoryService) *services.KeyStoreService {
	salt, saltErr := hex.DecodeString(conf.E2EE.KeyStoreSaltHex)
	if saltErr != nil {
		panic(saltErr)
	}
	storageKey, kErr := util.DeriveStorageKey(conf.E2EE.KeyStoreSecret, salt)
	if kErr != nil {
		panic(kErr)
	}
	storage, sErr := services.NewFileSecureStorage(conf.E2EE.KeyStorePath)
	if sErr != nil {
		panic(sErr)
	}
	return services.NewKeyStoreService(conf.E2EE.OwnerAccountID, storage, storageKey, keyDirectory)
}

func ConfigS3Storage(conf *global.Config, env *types.Environment) {
	// configure S3 storage
	credentials := aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(conf.Storage.Key, conf.Storage.Secret, ""))
	awsConf, err := config.LoadDefaultConfig(context.TODO(), config.WithCredentialsProvider(credentials), config.WithRegion(conf.Storage.Region))
	if err != nil {
		panic(err)
	}
	s3Client := s3.NewFromConfig(awsConf)
	uploader := manager.NewUploader(s3Client)
	downloader := manager.NewDownloader(s3Client)

	env.S3Client = s3Client
	env.S3Uploader = uploader
	env.S3Downloader = downloader
}
