// Package codec defines the records kept in storage buckets and the
// encodings used for them.
package codec

import (
	"bytes"
	"fmt"

	"github.com/asaidimu/go-kumbu/core"
	"github.com/vmihailenco/msgpack/v5"
)

// MetaRecord holds the database-wide counters.
type MetaRecord struct {
	NextKeyspace   uint64 `msgpack:"k"`
	NextSequence   uint64 `msgpack:"s"`
	NextOrdinal    uint64 `msgpack:"o"`
	DefaultDeleted bool   `msgpack:"dd"`
}

// CollectionRecord is one catalog entry. Keyspace is unique for the life of
// the database and is never reused, so it also acts as the generation of a
// collection handle.
type CollectionRecord struct {
	Scope    string `msgpack:"sc"`
	Name     string `msgpack:"n"`
	Keyspace uint64 `msgpack:"ks"`
	Ordinal  uint64 `msgpack:"o"`
}

// DocRecord is the current revision of a document.
type DocRecord struct {
	RevID       string      `msgpack:"r"`
	Sequence    uint64      `msgpack:"s"`
	Deleted     bool        `msgpack:"d,omitempty"`
	Expiration  int64       `msgpack:"x,omitempty"`
	Format      BodyFormat  `msgpack:"f"`
	Compression Compression `msgpack:"c"`
	Body        []byte      `msgpack:"b,omitempty"`
}

// IndexRecord is a persisted index definition. Ordinal orders the indexes
// of a collection; Generation names the entry bucket and changes whenever
// the definition does.
type IndexRecord struct {
	Name          string `msgpack:"n"`
	Kind          string `msgpack:"k"`
	Language      string `msgpack:"l"`
	Expressions   string `msgpack:"e"`
	IgnoreAccents bool   `msgpack:"ia,omitempty"`
	Ordinal       uint64 `msgpack:"o"`
	Generation    uint64 `msgpack:"g"`
}

// EncodeRecord encodes v with sorted map keys so equal values always produce
// equal bytes.
func EncodeRecord(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode %T using MsgPack: %w", v, err)
	}
	return buf.Bytes(), nil
}

// DecodeRecord decodes data into the record pointed to by v. Failures are
// classified as corrupt data.
func DecodeRecord(data []byte, v any) error {
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)
	dec.Reset(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return core.Errorf(core.CodeCorruptData, "failed to decode msgpack into %T: %v", v, err)
	}
	return nil
}
