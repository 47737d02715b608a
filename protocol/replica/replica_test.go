package replica

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Replica {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "replica")
	r, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestAppendIncrementsVersionAndLength(t *testing.T) {
	r := openTest(t)
	require.NoError(t, r.Append(Event{ID: "a", CreatedAt: 100, Kind: 1}))
	require.EqualValues(t, 1, r.Version())
	require.EqualValues(t, 1, r.Length())
}

func TestByCreatedAtRangeScan(t *testing.T) {
	r := openTest(t)
	require.NoError(t, r.Append(Event{ID: "a", CreatedAt: 100, Kind: 1}))
	require.NoError(t, r.Append(Event{ID: "b", CreatedAt: 200, Kind: 1}))
	require.NoError(t, r.Append(Event{ID: "c", CreatedAt: 300, Kind: 1}))

	evs, err := r.ByCreatedAt(Range{Since: 150, Until: 300})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	require.Equal(t, "c", evs[0].ID)
	require.Equal(t, "b", evs[1].ID)
}

func TestByKindFiltersOtherKinds(t *testing.T) {
	r := openTest(t)
	require.NoError(t, r.Append(Event{ID: "a", CreatedAt: 100, Kind: 1}))
	require.NoError(t, r.Append(Event{ID: "b", CreatedAt: 200, Kind: 2}))

	evs, err := r.ByKind(1, Range{Since: 0, Until: 1000})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, "a", evs[0].ID)
}

func TestByPubkeyFiltersOtherAuthors(t *testing.T) {
	r := openTest(t)
	require.NoError(t, r.Append(Event{ID: "a", CreatedAt: 100, Pubkey: "alice"}))
	require.NoError(t, r.Append(Event{ID: "b", CreatedAt: 200, Pubkey: "bob"}))

	evs, err := r.ByPubkey("alice", Range{Since: 0, Until: 1000})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, "a", evs[0].ID)
}

func TestByTagMatchesNameValuePair(t *testing.T) {
	r := openTest(t)
	require.NoError(
		t, r.Append(
			Event{ID: "a", CreatedAt: 100, Tags: [][]string{{"e", "deadbeef"}}},
		),
	)
	require.NoError(t, r.Append(Event{ID: "b", CreatedAt: 200, Tags: [][]string{{"p", "other"}}}))

	evs, err := r.ByTag("e", "deadbeef", Range{Since: 0, Until: 1000})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, "a", evs[0].ID)
}

func TestRangeLimitCapsResults(t *testing.T) {
	r := openTest(t)
	for i := int64(0); i < 5; i++ {
		require.NoError(t, r.Append(Event{ID: string(rune('a' + i)), CreatedAt: 100 + i}))
	}
	evs, err := r.ByCreatedAt(Range{Since: 0, Until: 1000, Limit: 2})
	require.NoError(t, err)
	require.Len(t, evs, 2)
}
