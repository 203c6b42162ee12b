// Package kv implements the key-value store engine: per-table persistent
// storage on bbolt with synchronously maintained secondary indexes,
// expression-based conditional writes, filter evaluation, bounded-staleness
// read simulation and a change stream.
package kv

import (
	"errors"
	"fmt"
	"time"

	"lws.localdev.org/wire"
)

var (
	ErrTableNotFound   = errors.New("table not found")
	ErrTableExists     = errors.New("table already exists")
	ErrIndexNotFound   = errors.New("index not found")
	ErrConditionFailed = errors.New("conditional check failed")
	ErrBatchTooLarge   = errors.New("batch exceeds 25 entries")
	ErrValidation      = errors.New("validation error")
)

// ScalarType is the key attribute type tag.
type ScalarType string

const (
	TypeString ScalarType = "S"
	TypeNumber ScalarType = "N"
	TypeBinary ScalarType = "B"
)

// KeyAttr names a key attribute and its scalar type.
type KeyAttr struct {
	Name string     `json:"name"`
	Type ScalarType `json:"type"`
}

// Projection selects how much of the base item an index row carries.
type Projection string

const (
	ProjectAll      Projection = "ALL"
	ProjectKeysOnly Projection = "KEYS_ONLY"
	ProjectInclude  Projection = "INCLUDE"
)

// IndexDef defines one secondary index.
type IndexDef struct {
	Name         string     `json:"name"`
	PartitionKey KeyAttr    `json:"partitionKey"`
	SortKey      *KeyAttr   `json:"sortKey,omitempty"`
	Projection   Projection `json:"projection"`
	Include      []string   `json:"include,omitempty"`
}

// StreamViewType selects which images accompany change records.
type StreamViewType string

const (
	ViewKeysOnly StreamViewType = "KEYS_ONLY"
	ViewNewImage StreamViewType = "NEW_IMAGE"
	ViewOldImage StreamViewType = "OLD_IMAGE"
	ViewBoth     StreamViewType = "NEW_AND_OLD_IMAGES"
)

// StreamSpec is the per-table stream configuration.
type StreamSpec struct {
	ViewType StreamViewType `json:"viewType"`
}

// TableDef is the persisted table definition.
type TableDef struct {
	Name         string      `json:"name"`
	PartitionKey KeyAttr     `json:"partitionKey"`
	SortKey      *KeyAttr    `json:"sortKey,omitempty"`
	Indexes      []IndexDef  `json:"indexes,omitempty"`
	Stream       *StreamSpec `json:"stream,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
}

func (d TableDef) index(name string) (IndexDef, bool) {
	for _, ix := range d.Indexes {
		if ix.Name == name {
			return ix, true
		}
	}
	return IndexDef{}, false
}

// StreamRecord is one change event pushed to the stream sink.
type StreamRecord struct {
	EventName                   string    `json:"eventName"` // INSERT, MODIFY, REMOVE
	Keys                        wire.Item `json:"keys"`
	NewImage                    wire.Item `json:"newImage,omitempty"`
	OldImage                    wire.Item `json:"oldImage,omitempty"`
	SequenceNumber              string    `json:"sequenceNumber"`
	ApproximateCreationDateTime time.Time `json:"approximateCreationDateTime"`
}

// StreamSink receives change records immediately after commit. Delivery
// must not block; the fabric buffers internally.
type StreamSink func(table string, rec StreamRecord)

// keyOf extracts and composes the primary key string for an item.
func keyOf(def TableDef, item wire.Item) (string, error) {
	pv, ok := item[def.PartitionKey.Name]
	if !ok {
		return "", fmt.Errorf("%w: missing partition key %s", ErrValidation, def.PartitionKey.Name)
	}
	if pv.TypeTag() != string(def.PartitionKey.Type) {
		return "", fmt.Errorf("%w: partition key %s must be of type %s", ErrValidation, def.PartitionKey.Name, def.PartitionKey.Type)
	}
	pk, _ := wire.KeyString(pv)
	sk := ""
	if def.SortKey != nil {
		sv, ok := item[def.SortKey.Name]
		if !ok {
			return "", fmt.Errorf("%w: missing sort key %s", ErrValidation, def.SortKey.Name)
		}
		if sv.TypeTag() != string(def.SortKey.Type) {
			return "", fmt.Errorf("%w: sort key %s must be of type %s", ErrValidation, def.SortKey.Name, def.SortKey.Type)
		}
		sk, _ = wire.KeyString(sv)
	}
	return pk + "\x00" + sk, nil
}

// keyItem extracts just the key attributes of an item.
func keyItem(def TableDef, item wire.Item) wire.Item {
	out := wire.Item{def.PartitionKey.Name: item[def.PartitionKey.Name]}
	if def.SortKey != nil {
		if v, ok := item[def.SortKey.Name]; ok {
			out[def.SortKey.Name] = v
		}
	}
	return out
}

// project builds the index row stored for an item, or nil when the item
// does not carry the index partition key (such items are skipped).
func project(def TableDef, ix IndexDef, item wire.Item) wire.Item {
	if _, ok := item[ix.PartitionKey.Name]; !ok {
		return nil
	}
	if ix.SortKey != nil {
		if _, ok := item[ix.SortKey.Name]; !ok {
			return nil
		}
	}
	switch ix.Projection {
	case ProjectAll, "":
		out := make(wire.Item, len(item))
		for k, v := range item {
			out[k] = v
		}
		return out
	default:
		out := keyItem(def, item)
		out[ix.PartitionKey.Name] = item[ix.PartitionKey.Name]
		if ix.SortKey != nil {
			out[ix.SortKey.Name] = item[ix.SortKey.Name]
		}
		if ix.Projection == ProjectInclude {
			for _, name := range ix.Include {
				if v, ok := item[name]; ok {
					out[name] = v
				}
			}
		}
		return out
	}
}

// indexKey composes the stored key for an index row. The base key is
// appended so distinct base items never collide in the index bucket.
func indexKey(ix IndexDef, item wire.Item, baseKey string) string {
	pk, _ := wire.KeyString(item[ix.PartitionKey.Name])
	sk := ""
	if ix.SortKey != nil {
		sk, _ = wire.KeyString(item[ix.SortKey.Name])
	}
	return pk + "\x00" + sk + "\x00" + baseKey
}
