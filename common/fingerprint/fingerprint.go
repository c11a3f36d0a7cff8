package fingerprint

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// Prefix identifies the hash scheme so a future migration can coexist with
// recorded fingerprints.
const Prefix = "b3:"

// Compute returns a deterministic content hash of a draft snapshot. It is
// used as a secondary optimistic-lock check, independent of the version
// counter: two snapshots are identical iff their fingerprints match.
//
// encoding/json marshals map keys in sorted order, which makes the encoding
// canonical for the JSON-shaped snapshots stored per version.
func Compute(snapshot map[string]any) (string, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	sum := blake3.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:]), nil
}

// MustCompute is Compute for snapshots already known to be JSON-encodable,
// such as ones just decoded from storage.
func MustCompute(snapshot map[string]any) string {
	fp, err := Compute(snapshot)
	if err != nil {
		panic(fmt.Sprintf("fingerprint: %v", err))
	}
	return fp
}
