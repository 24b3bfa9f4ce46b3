package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jarcoal/httpmock"
	"github.com/jjbrunton/Sauci-sub000/types"
)

// implements Repository interface using CouchDB
type CouchDBRepository struct {
	client *resty.Client
	dbName string
}

func NewCouchDBRepository(url, dbName string, username string, password string, mock bool) (Repository, error) {
	cl := resty.New().SetBaseURL(url).SetTimeout(time.Second * 10)
	cl.SetHeader("Content-Type", "application/json")
	cl.SetHeader("Accept", "application/json")
	cl.SetBasicAuth(username, password)

	if mock {
		httpmock.ActivateNonDefault(cl.GetClient())
	}

	existsRes, existsErr := cl.R().Head(dbName)
	if existsErr != nil {
		return nil, fmt.Errorf("failed to check if database exists: %s", existsErr.Error())
	}
	if existsRes.StatusCode() == 200 {
		return &CouchDBRepository{cl, dbName}, nil
	}

	var ok types.OK
	var dbErr types.CouchDBError
	// create DB since it doesn't exist
	cl.R().SetResult(&ok).SetError(&dbErr).Put(dbName)
	if dbErr.Error != "" {
		return nil, fmt.Errorf("failed to create database %s: %s", dbName, dbErr.Error)
	}
	if !ok.IsOK {
		return nil, fmt.Errorf("failed to create database %s", dbName)
	}
	return &CouchDBRepository{cl, dbName}, nil
}

func (c *CouchDBRepository) GetDBName() string {
	return c.dbName
}

func (c *CouchDBRepository) GetClient() interface{} {
	return c.client
}

// GetByID returns a document by its ID
func (c *CouchDBRepository) GetByID(ctx context.Context, id string) (interface{}, error) {
	response, err := c.client.R().SetContext(ctx).Get(fmt.Sprintf("%s/%s", c.dbName, id))
	if err != nil {
		return nil, err
	}
	if response.IsError() {
		return nil, handleError(response)
	}
	return response, nil
}

// return all documents from database, newest first
func (c *CouchDBRepository) GetAll(ctx context.Context, limit int, skip int) ([]interface{}, error) {
	query := FindQuery{
		Selector: map[string]interface{}{
			"created": map[string]interface{}{"$gt": 0},
		},
		Sort:  []map[string]string{{"created": "desc"}},
		Limit: limit,
		Skip:  skip,
	}
	var result struct {
		Docs []interface{} `json:"docs"`
	}
	var dbErr types.CouchDBError
	response, err := c.client.R().SetContext(ctx).SetBody(query).SetResult(&result).SetError(&dbErr).Post(fmt.Sprintf("%s/_find", c.dbName))
	if err != nil {
		return nil, err
	}
	if dbErr.Error != "" {
		return nil, fmt.Errorf("failed to get list of documents: %s", dbErr.Error)
	}
	if response.IsError() {
		return nil, handleError(response)
	}
	return result.Docs, nil
}

// Find runs a Mango selector query and returns the raw response for mapping
func (c *CouchDBRepository) Find(ctx context.Context, query FindQuery) (interface{}, error) {
	var dbErr types.CouchDBError
	response, err := c.client.R().SetContext(ctx).SetBody(query).SetError(&dbErr).Post(fmt.Sprintf("%s/_find", c.dbName))
	if err != nil {
		return nil, err
	}
	if dbErr.Error != "" {
		return nil, fmt.Errorf("find failed: %s", dbErr.Error)
	}
	if response.IsError() {
		return nil, handleError(response)
	}
	return response, nil
}

// Save creates a new doc or updates an existing one
func (c *CouchDBRepository) Save(ctx context.Context, docID string, data interface{}) error {
	var ok types.OK
	var dbErr types.CouchDBError

	response, err := c.client.R().SetContext(ctx).SetBody(data).SetResult(&ok).SetError(&dbErr).Put(fmt.Sprintf("%s/%s", c.dbName, docID))
	if err != nil {
		return err
	}
	if dbErr.Error != "" {
		return handleError(response)
	}
	return nil
}

// Update updates an existing document (requires current revision in data)
func (c *CouchDBRepository) Update(ctx context.Context, id string, data interface{}) error {
	var ok types.OK
	var dbErr types.CouchDBError
	response, err := c.client.R().SetContext(ctx).SetBody(data).SetResult(&ok).SetError(&dbErr).Put(fmt.Sprintf("%s/%s", c.dbName, id))
	if err != nil {
		return err
	}
	if dbErr.Error != "" {
		return handleError(response)
	}
	if !ok.IsOK {
		return fmt.Errorf("failed to update document")
	}
	return nil
}

// Delete deletes a document by its ID
func (c *CouchDBRepository) Delete(ctx context.Context, id string) error {
	resp, err := c.GetByID(ctx, id)
	if err != nil {
		return err
	}
	var base types.BaseDocument
	if mErr := MapToObject(resp, &base); mErr != nil {
		return mErr
	}
	rev := base.UnderscoreRev
	if rev == "" {
		rev = base.Rev
	}

	var ok types.OK
	var dbErr types.CouchDBError
	response, dErr := c.client.R().SetContext(ctx).SetQueryParam("rev", rev).SetResult(&ok).SetError(&dbErr).Delete(fmt.Sprintf("%s/%s", c.dbName, id))
	if dErr != nil {
		return dErr
	}
	if dbErr.Error != "" {
		return handleError(response)
	}
	return nil
}
