package repository

import (
	"context"
)

type Repository interface {
	GetByID(ctx context.Context, id string) (interface{}, error)
	GetAll(ctx context.Context, limit int, skip int) ([]interface{}, error)
	Find(ctx context.Context, query FindQuery) (interface{}, error)
	Save(ctx context.Context, docID string, data interface{}) error
	Update(ctx context.Context, id string, data interface{}) error
	Delete(ctx context.Context, id string) error
	GetDBName() string
	GetClient() interface{}
}

// FindQuery is a MongoDB-style (Mango) selector query.
type FindQuery struct {
	Selector map[string]interface{} `json:"selector"`
	Sort     []map[string]string    `json:"sort,omitempty"`
	Limit    int                    `json:"limit,omitempty"`
	Skip     int                    `json:"skip,omitempty"`
	Fields   []string               `json:"fields,omitempty"`
}

type DBSelector interface {
	ChooseDB(dbName string) (Repository, error)
}
