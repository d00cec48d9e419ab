package spam

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrustTablePersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trust.jsonl")
	tbl, err := NewTrustTable(TrustOptions{Path: path})
	require.NoError(t, err)

	sender := nid(7)
	tbl.RecordReject(sender)
	tbl.RecordReject(sender)
	want := tbl.Score(sender)

	tbl2, err := NewTrustTable(TrustOptions{Path: path})
	require.NoError(t, err)
	require.InDelta(t, want, tbl2.Score(sender), 1e-9)
	rec, ok := tbl2.Get(sender)
	require.True(t, ok)
	require.Equal(t, 2, rec.BlockedCount)
}
