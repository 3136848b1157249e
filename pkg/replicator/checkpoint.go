package replicator

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
)

// deriveCheckpointID computes the stable local-doc ID a replication's
// checkpoint is stored under: a hash of everything that identifies "the
// same replication" across runs (source URL, filter, doc IDs), per
// spec.md §4.G step 8. json.Marshal sorts map keys, so filterParams
// hashes the same regardless of insertion order.
func deriveCheckpointID(source, filterName string, filterParams map[string]string, docIDs []string) string {
	ordered := struct {
		Source string            `json:"source"`
		Filter string            `json:"filter"`
		Params map[string]string `json:"params,omitempty"`
		DocIDs []string          `json:"doc_ids,omitempty"`
	}{Source: source, Filter: filterName, Params: filterParams, DocIDs: docIDs}

	data, _ := json.Marshal(ordered)
	sum := sha1.Sum(data)
	return "_local/" + hex.EncodeToString(sum[:])
}
