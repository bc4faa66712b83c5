// Package models provides data model definitions for doselog.
package models

import (
	"encoding/json"
	"fmt"
)

// DecodeDocument parses a persisted data document, migrating it to the
// current schema version when the stored version is older. A document with
// no schemaVersion field is treated as version 1.
func DecodeDocument(raw []byte) (*DataDocument, error) {
	var probe struct {
		SchemaVersion int `json:"schemaVersion"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse data document: %w", err)
	}

	version := probe.SchemaVersion
	if version == 0 {
		version = 1
	}
	if version > CurrentSchemaVersion {
		return nil, fmt.Errorf("data document schema version %d is newer than supported version %d",
			version, CurrentSchemaVersion)
	}

	if version < 2 {
		migrated, err := migrateV1(raw)
		if err != nil {
			return nil, err
		}
		return migrated, nil
	}

	doc := NewDataDocument()
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("failed to parse data document: %w", err)
	}
	doc.SchemaVersion = CurrentSchemaVersion
	normalize(doc)
	return doc, nil
}

// v1 documents stored separate date ("2025-11-07") and time ("14:30")
// strings on injections and weights.
type injectionV1 struct {
	Injection
	Date string `json:"date"`
	Time string `json:"time"`
}

type weightV1 struct {
	Weight
	Date string `json:"date"`
	Time string `json:"time"`
}

type documentV1 struct {
	Injections []injectionV1 `json:"injections"`
	Vials      []Vial        `json:"vials"`
	Weights    []weightV1    `json:"weights"`
	Settings   Settings      `json:"settings"`
}

func migrateV1(raw []byte) (*DataDocument, error) {
	var old documentV1
	if err := json.Unmarshal(raw, &old); err != nil {
		return nil, fmt.Errorf("failed to parse v1 data document: %w", err)
	}

	doc := NewDataDocument()
	doc.Vials = old.Vials
	doc.Settings = old.Settings

	for _, inj := range old.Injections {
		rec := inj.Injection
		if rec.Timestamp == "" {
			rec.Timestamp = combineDateTime(inj.Date, inj.Time)
		}
		doc.Injections = append(doc.Injections, rec)
	}
	for _, w := range old.Weights {
		rec := w.Weight
		if rec.Timestamp == "" {
			rec.Timestamp = combineDateTime(w.Date, w.Time)
		}
		doc.Weights = append(doc.Weights, rec)
	}

	normalize(doc)
	return doc, nil
}

// combineDateTime joins legacy date and time fields into the combined
// timestamp format ("2025-11-07T14:30"). A missing time defaults to
// midnight.
func combineDateTime(date, tm string) string {
	if date == "" {
		return ""
	}
	if tm == "" {
		tm = "00:00"
	}
	return date + "T" + tm
}

// normalize repairs nil slices and missing updatedAt stamps so the rest of
// the engine can rely on them.
func normalize(doc *DataDocument) {
	if doc.Injections == nil {
		doc.Injections = []Injection{}
	}
	if doc.Vials == nil {
		doc.Vials = []Vial{}
	}
	if doc.Weights == nil {
		doc.Weights = []Weight{}
	}
}
