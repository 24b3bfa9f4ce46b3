package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/go-resty/resty/v2"
)

/**
* Object Mapper (from couchdb resty response to object based on the database name)
**/

func MapToObject(resp interface{}, obj interface{}) error {
	if response, ok := resp.(*resty.Response); ok {
		data := response.Body()

		// Check if obj is a pointer to a struct
		val := reflect.ValueOf(obj)
		if val.Kind() != reflect.Ptr || val.Elem().Kind() != reflect.Struct {
			return errors.New("obj is not a pointer to a struct")
		}

		if err := json.Unmarshal(data, obj); err != nil {
			return fmt.Errorf("%s cannot be mapped to the given object", response.Body())
		}
		return nil
	}
	return errors.New("resp is not a resty.Response")
}

// MapToList maps a Mango _find response to a slice of documents.
func MapToList(resp interface{}, list interface{}) error {
	if response, ok := resp.(*resty.Response); ok {
		var envelope struct {
			Docs json.RawMessage `json:"docs"`
		}
		if err := json.Unmarshal(response.Body(), &envelope); err != nil {
			return fmt.Errorf("%s cannot be mapped to a find result", response.Body())
		}
		if err := json.Unmarshal(envelope.Docs, list); err != nil {
			return fmt.Errorf("find docs cannot be mapped to the given list")
		}
		return nil
	}
	return errors.New("resp is not a resty.Response")
}
