// Package models provides data model definitions for doselog.
package models

// CurrentSchemaVersion is the schema version written by this build.
// Version history:
//
//	1: injections and weights carried separate date and time fields
//	2: combined RFC 3339 timestamp field
const CurrentSchemaVersion = 2

// DataDocument is the single serialized document holding all entity
// collections. The local store has no cross-key atomicity, so multi-entity
// mutations are expressed as one write of this document.
type DataDocument struct {
	SchemaVersion int         `json:"schemaVersion"`
	Injections    []Injection `json:"injections"`
	Vials         []Vial      `json:"vials"`
	Weights       []Weight    `json:"weights"`
	Settings      Settings    `json:"settings"`
}

// NewDataDocument returns an empty document at the current schema version.
func NewDataDocument() *DataDocument {
	return &DataDocument{
		SchemaVersion: CurrentSchemaVersion,
		Injections:    []Injection{},
		Vials:         []Vial{},
		Weights:       []Weight{},
	}
}

// FindInjection returns the index of the injection with the given id, or -1.
func (d *DataDocument) FindInjection(id string) int {
	for i := range d.Injections {
		if string(d.Injections[i].ID) == id {
			return i
		}
	}
	return -1
}

// FindVial returns the index of the vial with the given id, or -1.
func (d *DataDocument) FindVial(id string) int {
	for i := range d.Vials {
		if string(d.Vials[i].ID) == id {
			return i
		}
	}
	return -1
}

// FindWeight returns the index of the weight sample with the given id, or -1.
func (d *DataDocument) FindWeight(id string) int {
	for i := range d.Weights {
		if string(d.Weights[i].ID) == id {
			return i
		}
	}
	return -1
}
