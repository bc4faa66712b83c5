package store

import (
	"encoding/json"

	"github.com/doselog/doselog/internal/logging"
	"github.com/doselog/doselog/internal/models"
)

// LoadJSON unmarshals the value at key into out. A missing key leaves out
// untouched and returns false. A corrupt value is reset to absent (the
// key's empty default) and logged; it never propagates as an error.
func (s *Store) LoadJSON(key string, out interface{}) bool {
	raw, err := s.Get(key)
	if err != nil {
		logging.Error("Failed to read persisted key", err,
			map[string]interface{}{"key": key})
		return false
	}
	if raw == nil {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		logging.ErrorWithCode("Corrupt persisted value, resetting key to default",
			"PARSE_ERROR", err, map[string]interface{}{"key": key})
		if rmErr := s.Remove(key); rmErr != nil {
			logging.Error("Failed to reset corrupt key", rmErr,
				map[string]interface{}{"key": key})
		}
		return false
	}
	return true
}

// SaveJSON serializes v and writes it at key.
func (s *Store) SaveJSON(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(key, raw)
}

// LoadData reads the entity document, migrating older schema versions on
// the fly. A missing or corrupt document yields an empty document at the
// current schema version.
func (s *Store) LoadData() *models.DataDocument {
	raw, err := s.Get(KeyData)
	if err != nil {
		logging.Error("Failed to read data document", err, nil)
		return models.NewDataDocument()
	}
	if raw == nil {
		return models.NewDataDocument()
	}

	doc, err := models.DecodeDocument(raw)
	if err != nil {
		logging.ErrorWithCode("Corrupt data document, resetting to empty",
			"PARSE_ERROR", err, map[string]interface{}{"key": KeyData})
		if rmErr := s.Remove(KeyData); rmErr != nil {
			logging.Error("Failed to reset corrupt data document", rmErr, nil)
		}
		return models.NewDataDocument()
	}
	return doc
}

// SaveData writes the entity document.
func (s *Store) SaveData(doc *models.DataDocument) error {
	return s.SaveJSON(KeyData, doc)
}
