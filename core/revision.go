package core

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// NextRevisionID derives the revision id that follows parent. Revision ids
// have the form "<generation>-<digest>", where the digest covers the parent
// id, the deletion flag and the encoded body, so identical edits made on top
// of the same parent produce the same id.
func NextRevisionID(parent string, deleted bool, body []byte) string {
	gen := RevisionGeneration(parent) + 1

	buf := make([]byte, 0, len(parent)+2+len(body))
	buf = append(buf, parent...)
	buf = append(buf, 0)
	if deleted {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, body...)

	return fmt.Sprintf("%d-%016x", gen, xxh3.Hash(buf))
}

// RevisionGeneration returns the generation number of a revision id, 0 for
// the empty id or a malformed one.
func RevisionGeneration(revID string) uint64 {
	genStr, _, ok := strings.Cut(revID, "-")
	if !ok {
		return 0
	}
	gen, err := strconv.ParseUint(genStr, 10, 64)
	if err != nil {
		return 0
	}
	return gen
}
