package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/asaidimu/go-kumbu/utils"
	"github.com/google/uuid"
)

// Document is a read-only view of one revision of a document.
type Document struct {
	id         string
	revID      string
	sequence   uint64
	props      Properties
	collection string
}

// MutableDocument is a document whose properties can be edited in place and
// then saved. Its revision id is the base revision used for conflict
// detection on save.
type MutableDocument struct {
	Document
}

// LoadedDocument builds the immutable view of a stored revision. It is used by
// storage-backed readers; props must already be normalized.
func LoadedDocument(collection, id, revID string, sequence uint64, props Properties) *Document {
	if props == nil {
		props = Properties{}
	}
	return &Document{
		id:         id,
		revID:      revID,
		sequence:   sequence,
		props:      props,
		collection: collection,
	}
}

// NewMutableDocument creates an unsaved document. An empty id is replaced by
// a random UUID.
func NewMutableDocument(id string) *MutableDocument {
	if id == "" {
		id = uuid.New().String()
	}
	return &MutableDocument{Document{id: id, props: Properties{}}}
}

// NewMutableDocumentWithProperties creates an unsaved document with a copy of
// props as its body.
func NewMutableDocumentWithProperties(id string, props map[string]any) (*MutableDocument, error) {
	doc := NewMutableDocument(id)
	if err := doc.SetProperties(props); err != nil {
		return nil, err
	}
	return doc, nil
}

func (d *Document) ID() string {
	return d.id
}

// RevisionID is empty for a document that was never saved.
func (d *Document) RevisionID() string {
	return d.revID
}

func (d *Document) Sequence() uint64 {
	return d.sequence
}

// CollectionKey identifies the collection this document was read from or
// last saved to; empty for a new document.
func (d *Document) CollectionKey() string {
	return d.collection
}

// Properties returns a deep copy of the body.
func (d *Document) Properties() Properties {
	return d.props.Clone()
}

// Get returns a top-level property, or a nested one when key is a dotted path.
func (d *Document) Get(key string) any {
	if v, ok := d.props[key]; ok {
		return cloneValue(v)
	}
	if !strings.Contains(key, ".") {
		return nil
	}
	var cur any = map[string]any(d.props)
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cloneValue(cur)
}

func (d *Document) Contains(key string) bool {
	_, ok := d.props[key]
	return ok
}

func (d *Document) JSON() ([]byte, error) {
	return json.Marshal(d.props)
}

// Decode copies the body into v, which must be a pointer to a struct.
func (d *Document) Decode(v any) error {
	return utils.MapToStruct(map[string]any(d.props), v)
}

// ToMutable returns an editable copy that keeps this revision as its base.
func (d *Document) ToMutable() *MutableDocument {
	return &MutableDocument{Document{
		id:         d.id,
		revID:      d.revID,
		sequence:   d.sequence,
		props:      d.props.Clone(),
		collection: d.collection,
	}}
}

func (d *Document) String() string {
	return fmt.Sprintf("Document{id=%s rev=%s seq=%d}", d.id, d.revID, d.sequence)
}

// Set stores a normalized copy of value under key.
func (d *MutableDocument) Set(key string, value any) error {
	nv, err := NormalizeValue(value)
	if err != nil {
		return Errorf(CodeInvalidParameter, "property %q: %v", key, err)
	}
	d.props[key] = nv
	return nil
}

// SetProperties replaces the whole body.
func (d *MutableDocument) SetProperties(props map[string]any) error {
	p, err := NormalizeProperties(props)
	if err != nil {
		return Errorf(CodeInvalidParameter, "properties: %v", err)
	}
	d.props = p
	return nil
}

// SetFrom replaces the body with the exported fields of a struct.
func (d *MutableDocument) SetFrom(v any) error {
	m, err := utils.StructToMap(v)
	if err != nil {
		return Errorf(CodeInvalidParameter, "properties: %v", err)
	}
	return d.SetProperties(m)
}

func (d *MutableDocument) Remove(key string) {
	delete(d.props, key)
}

// MutableProperties exposes the live body. Values stored through it bypass
// normalization, so callers must only store values produced by
// NormalizeValue or already present in the tree.
func (d *MutableDocument) MutableProperties() Properties {
	return d.props
}

// Bind records the outcome of a successful commit: the collection the
// document now belongs to and its new revision.
func (d *Document) Bind(collection, revID string, sequence uint64) {
	d.collection = collection
	d.revID = revID
	d.sequence = sequence
}
