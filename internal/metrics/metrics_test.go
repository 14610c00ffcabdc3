package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncReceived("gift-wrap")
	m.IncReceived("gift-wrap")
	m.IncReceived("group-metadata")
	m.IncMerged()
	m.IncIgnored("no-key")
	m.IncIgnored("no-key")
	m.IncRejected("bad-signature")
	m.IncUnwrapOK()
	m.IncUnwrapFailed()
	m.AddPublish(2, 1)
	m.IncPublishRefused()
	m.IncWrapped()
	m.IncFanout(true)
	m.IncFanout(false)

	snap := m.Snapshot()
	require.Equal(t, ProjectionMetrics{Received: 3, Merged: 1, Ignored: 2, Rejected: 1}, snap.Projection)
	require.Equal(t, UnwrapMetrics{OK: 1, Failed: 1}, snap.Unwrap)
	require.Equal(t, PublishMetrics{OK: 2, Failed: 1, Refused: 1, Wrapped: 1, Fanouts: 2, Partials: 1}, snap.Publish)
	require.Equal(t, uint64(2), snap.RecvByKind["gift-wrap"])
	require.Equal(t, uint64(2), snap.DropByReason["no-key"])
	require.Equal(t, uint64(1), snap.DropByReason["bad-signature"])
}

func TestRecentRingKeepsLatest(t *testing.T) {
	r := NewRecent(3)
	for _, id := range []string{"a", "b", "c", "d"} {
		r.Add(OutcomeEntry{EventID: id})
	}
	list := r.List()
	require.Len(t, list, 3)
	require.Equal(t, "b", list[0].EventID)
	require.Equal(t, "d", list[2].EventID)

	var nilRing *Recent
	nilRing.Add(OutcomeEntry{})
	require.Nil(t, nilRing.List())
}

func TestWriteSnapshot(t *testing.T) {
	m := New()
	m.IncMerged()
	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, m.WriteSnapshot(path))
	require.NoError(t, m.WriteSnapshot(""))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	require.Equal(t, uint64(1), snap.Projection.Merged)
}
