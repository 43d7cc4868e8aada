package worker

import (
	"hash/fnv"
	"strconv"
)

// fingerprint reduces an error message to a short stable hash so
// repeated failures of the same kind can be recognized across retries
// without storing the full message as the comparison key.
func fingerprint(msg string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(msg))
	return strconv.FormatUint(h.Sum64(), 16)
}
