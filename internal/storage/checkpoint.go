package storage

import (
	"encoding/json"
	"strconv"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/couchkeep/couchkeep/internal/storeerr"
)

// Checkpoint is the locally-persisted replication bookmark for one
// remote, keyed by the opaque checkpoint ID pkg/replicator derives from
// (source URL, filters, doc IDs).
type Checkpoint struct {
	CheckpointID string
	LastSequence json.RawMessage // raw remote seq value, {"seq": ...}'s inner value
}

// GetCheckpoint returns the stored checkpoint for id, or a zero-value
// Checkpoint (LastSequence == nil) if none has been written yet.
func (e *Engine) GetCheckpoint(id string) (Checkpoint, error) {
	if err := e.requireOpen(); err != nil {
		return Checkpoint{}, err
	}
	var cp Checkpoint
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReplicators)
		v := b.Get([]byte(id))
		if v == nil {
			cp = Checkpoint{CheckpointID: id}
			return nil
		}
		var row checkpointRow
		if err := json.Unmarshal(v, &row); err != nil {
			return storeerr.Storage("decode checkpoint row", err)
		}
		var wrapper struct {
			Seq json.RawMessage `json:"seq"`
		}
		if err := json.Unmarshal([]byte(row.LastSequence), &wrapper); err != nil {
			return storeerr.Storage("decode checkpoint last_sequence", err)
		}
		cp = Checkpoint{CheckpointID: id, LastSequence: wrapper.Seq}
		return nil
	})
	return cp, err
}

// PutCheckpoint persists seq as the checkpoint for id.
func (e *Engine) PutCheckpoint(id string, seq json.RawMessage) error {
	if err := e.requireOpen(); err != nil {
		return err
	}
	wrapped, err := json.Marshal(map[string]json.RawMessage{"seq": seq})
	if err != nil {
		return storeerr.Storage("encode checkpoint", err)
	}
	row := checkpointRow{Remote: id, LastSequence: string(wrapped)}
	data, err := json.Marshal(row)
	if err != nil {
		return storeerr.Storage("encode checkpoint row", err)
	}
	return e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReplicators)
		return b.Put([]byte(id), data)
	})
}

// GetLocalDoc returns the local (non-replicating) document stored under
// docID, or ("", nil, nil) if none exists.
func (e *Engine) GetLocalDoc(docID string) (string, json.RawMessage, error) {
	if err := e.requireOpen(); err != nil {
		return "", nil, err
	}
	var revID string
	var body json.RawMessage
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocalDocs)
		v := b.Get([]byte(docID))
		if v == nil {
			return nil
		}
		var row localDocRow
		if err := json.Unmarshal(v, &row); err != nil {
			return storeerr.Storage("decode local doc row", err)
		}
		revID = row.RevID
		body = row.Body
		return nil
	})
	return revID, body, err
}

// PutLocalDoc writes docID's local document body, bumping its revision
// counter. Local docs have no history and never replicate.
func (e *Engine) PutLocalDoc(docID string, body json.RawMessage) (string, error) {
	if err := e.requireOpen(); err != nil {
		return "", err
	}
	var newRevID string
	err := e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocalDocs)
		v := b.Get([]byte(docID))
		gen := 0
		if v != nil {
			var row localDocRow
			if err := json.Unmarshal(v, &row); err == nil {
				gen = parseLocalGen(row.RevID)
			}
		}
		newRevID = localRevID(gen + 1)
		data, err := json.Marshal(localDocRow{DocID: docID, RevID: newRevID, Body: body})
		if err != nil {
			return storeerr.Storage("encode local doc row", err)
		}
		return b.Put([]byte(docID), data)
	})
	return newRevID, err
}

func localRevID(gen int) string {
	return "0-" + strconv.Itoa(gen)
}

func parseLocalGen(revID string) int {
	suffix, ok := strings.CutPrefix(revID, "0-")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(suffix)
	if err != nil {
		return 0
	}
	return n
}
