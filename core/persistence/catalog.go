package persistence

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/asaidimu/go-kumbu/core"
	"github.com/asaidimu/go-kumbu/core/codec"
	"github.com/asaidimu/go-kumbu/core/storage"
)

// Bucket layout. Everything belonging to a collection is keyed by its
// keyspace id, which is never reused, so a stale handle can never see a
// newer collection of the same name.
//
//	meta              "meta" -> MetaRecord
//	catalog           scope\x00name -> CollectionRecord
//	docs:<ks>         id -> DocRecord of live documents
//	tombs:<ks>        id -> DocRecord of deleted documents
//	exp:<ks>          id -> big-endian expiration
//	idx:<ks>          index name -> IndexRecord
//	ix:<ks>:<gen>      index entries
const (
	metaBucket    = "meta"
	catalogBucket = "catalog"
)

var metaKey = []byte("meta")

// defaultKeyspace is assigned to the default collection at creation.
const defaultKeyspace = 1

func docsBucket(ks uint64) string    { return fmt.Sprintf("docs:%d", ks) }
func tombsBucket(ks uint64) string   { return fmt.Sprintf("tombs:%d", ks) }
func expiryBucket(ks uint64) string  { return fmt.Sprintf("exp:%d", ks) }
func indexesBucket(ks uint64) string { return fmt.Sprintf("idx:%d", ks) }

func entriesBucket(ks, generation uint64) string {
	return fmt.Sprintf("ix:%d:%d", ks, generation)
}

func catalogKey(scope, name string) []byte {
	return []byte(scope + "\x00" + name)
}

func encodeTimestamp(ts int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts))
	return buf[:]
}

func decodeTimestamp(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, core.Errorf(core.CodeCorruptData, "invalid expiration value of %d bytes", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func readMeta(tx storage.Tx) (*codec.MetaRecord, error) {
	b, err := tx.Bucket(metaBucket)
	if err != nil {
		return nil, fmt.Errorf("failed to open meta bucket: %w", err)
	}
	if b == nil {
		return nil, nil
	}
	data, err := b.Get(metaKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read meta record: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var meta codec.MetaRecord
	if err := codec.DecodeRecord(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func writeMeta(tx storage.Tx, meta *codec.MetaRecord) error {
	b, err := tx.CreateBucket(metaBucket)
	if err != nil {
		return fmt.Errorf("failed to create meta bucket: %w", err)
	}
	data, err := codec.EncodeRecord(meta)
	if err != nil {
		return err
	}
	return b.Put(metaKey, data)
}

func lookupCollection(tx storage.Tx, scope, name string) (*codec.CollectionRecord, error) {
	b, err := tx.Bucket(catalogBucket)
	if err != nil || b == nil {
		return nil, err
	}
	data, err := b.Get(catalogKey(scope, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog entry: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var rec codec.CollectionRecord
	if err := codec.DecodeRecord(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// listCollections returns the catalog in creation order, optionally limited
// to one scope.
func listCollections(tx storage.Tx, scope string) ([]codec.CollectionRecord, error) {
	b, err := tx.Bucket(catalogBucket)
	if err != nil || b == nil {
		return nil, err
	}
	var prefix []byte
	if scope != "" {
		prefix = []byte(scope + "\x00")
	}
	var out []codec.CollectionRecord
	err = b.ForEachPrefix(prefix, func(_, v []byte) error {
		var rec codec.CollectionRecord
		if err := codec.DecodeRecord(v, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

// scopeNames derives the scopes from the catalog. The default scope always
// comes first; the others follow the creation order of their oldest
// collection.
func scopeNames(recs []codec.CollectionRecord) []string {
	names := []string{core.DefaultScopeName}
	seen := map[string]bool{core.DefaultScopeName: true}
	for _, rec := range recs {
		if !seen[rec.Scope] {
			seen[rec.Scope] = true
			names = append(names, rec.Scope)
		}
	}
	return names
}

func listIndexes(tx storage.Tx, ks uint64) ([]codec.IndexRecord, error) {
	b, err := tx.Bucket(indexesBucket(ks))
	if err != nil || b == nil {
		return nil, err
	}
	var out []codec.IndexRecord
	err = b.ForEach(func(_, v []byte) error {
		var rec codec.IndexRecord
		if err := codec.DecodeRecord(v, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func fullName(scope, name string) string {
	return scope + "." + name
}

// initialize writes the meta record and the default collection into an
// empty store. It reports whether anything was written.
func initialize(tx storage.Tx) (bool, error) {
	meta, err := readMeta(tx)
	if err != nil {
		return false, err
	}
	if meta != nil {
		return false, nil
	}
	meta = &codec.MetaRecord{
		NextKeyspace: defaultKeyspace + 1,
		NextSequence: 1,
		NextOrdinal:  2,
	}
	rec := codec.CollectionRecord{
		Scope:    core.DefaultScopeName,
		Name:     core.DefaultCollectionName,
		Keyspace: defaultKeyspace,
		Ordinal:  1,
	}
	if err := putCollection(tx, &rec); err != nil {
		return false, err
	}
	if err := writeMeta(tx, meta); err != nil {
		return false, err
	}
	return true, nil
}

// putCollection writes a catalog entry and creates its buckets.
func putCollection(tx storage.Tx, rec *codec.CollectionRecord) error {
	catalog, err := tx.CreateBucket(catalogBucket)
	if err != nil {
		return fmt.Errorf("failed to create catalog bucket: %w", err)
	}
	data, err := codec.EncodeRecord(rec)
	if err != nil {
		return err
	}
	if err := catalog.Put(catalogKey(rec.Scope, rec.Name), data); err != nil {
		return fmt.Errorf("failed to write catalog entry: %w", err)
	}
	for _, name := range []string{docsBucket(rec.Keyspace), tombsBucket(rec.Keyspace), expiryBucket(rec.Keyspace), indexesBucket(rec.Keyspace)} {
		if _, err := tx.CreateBucket(name); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", name, err)
		}
	}
	return nil
}

// dropCollection removes a catalog entry and every bucket of its keyspace.
func dropCollection(tx storage.Tx, rec *codec.CollectionRecord) error {
	indexes, err := listIndexes(tx, rec.Keyspace)
	if err != nil {
		return err
	}
	buckets := []string{docsBucket(rec.Keyspace), tombsBucket(rec.Keyspace), expiryBucket(rec.Keyspace), indexesBucket(rec.Keyspace)}
	for _, ix := range indexes {
		buckets = append(buckets, entriesBucket(rec.Keyspace, ix.Generation))
	}
	for _, name := range buckets {
		if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, storage.ErrBucketNotFound) {
			return fmt.Errorf("failed to drop bucket %s: %w", name, err)
		}
	}
	catalog, err := tx.Bucket(catalogBucket)
	if err != nil {
		return err
	}
	if catalog == nil {
		return nil
	}
	return catalog.Delete(catalogKey(rec.Scope, rec.Name))
}
