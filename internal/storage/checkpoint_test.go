package storage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckpointRoundTrip(t *testing.T) {
	e := openTestEngine(t)

	cp, err := e.GetCheckpoint("remote-abc")
	require.NoError(t, err)
	require.Nil(t, cp.LastSequence)

	require.NoError(t, e.PutCheckpoint("remote-abc", json.RawMessage(`42`)))

	cp, err = e.GetCheckpoint("remote-abc")
	require.NoError(t, err)
	require.JSONEq(t, `42`, string(cp.LastSequence))
}

func TestLocalDocRoundTrip(t *testing.T) {
	e := openTestEngine(t)

	revID, body, err := e.GetLocalDoc("_local/checkpoint-1")
	require.NoError(t, err)
	require.Empty(t, revID)
	require.Nil(t, body)

	rev1, err := e.PutLocalDoc("_local/checkpoint-1", json.RawMessage(`{"seq":1}`))
	require.NoError(t, err)
	require.Equal(t, "0-1", rev1)

	rev2, err := e.PutLocalDoc("_local/checkpoint-1", json.RawMessage(`{"seq":2}`))
	require.NoError(t, err)
	require.Equal(t, "0-2", rev2)

	_, body, err = e.GetLocalDoc("_local/checkpoint-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"seq":2}`, string(body))
}
