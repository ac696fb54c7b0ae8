package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulnwatch/vulnwatch/store"
	"github.com/vulnwatch/vulnwatch/vuln"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir(), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, s.Close())
	})
	return s
}

func TestAssetRecords(t *testing.T) {
	s := newStore(t)

	records := []vuln.Record{
		{ID: "CVE-2023-0001", Severity: vuln.SeverityCritical, Source: vuln.SourceNVD},
		{ID: "CVE-2023-0002", Severity: vuln.SeverityHigh, Source: vuln.SourceNVD},
	}
	require.NoError(t, s.SaveAssetRecords("7d", "cisco-ios", records))

	got, err := s.AssetRecords("7d", "cisco-ios")
	require.NoError(t, err)
	assert.Equal(t, records, got)

	// Same asset under a different window is a different key.
	_, err = s.AssetRecords("24h", "cisco-ios")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.AssetRecords("7d", "apache-httpd")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAssetRecordsOverwrite(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.SaveAssetRecords("24h", "cisco-ios", []vuln.Record{{ID: "CVE-2023-0001"}}))
	require.NoError(t, s.SaveAssetRecords("24h", "cisco-ios", []vuln.Record{{ID: "CVE-2023-0002"}}))

	got, err := s.AssetRecords("24h", "cisco-ios")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "CVE-2023-0002", got[0].ID)
}

func TestCacheEntriesExpire(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out a cache ttl")
	}

	// Badger tracks expiry with second granularity.
	s, err := store.Open(t.TempDir(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, s.Close())
	})

	require.NoError(t, s.SaveAssetRecords("24h", "cisco-ios", []vuln.Record{{ID: "CVE-2023-0001"}}))
	require.NoError(t, s.SaveKEVCatalog([]byte(`{"count":0,"vulnerabilities":[]}`), time.Second))

	snap := vuln.NewSnapshot("24h", time.Date(2023, 11, 5, 12, 0, 0, 0, time.UTC))
	require.NoError(t, s.SaveSnapshot(snap))

	_, err = s.AssetRecords("24h", "cisco-ios")
	require.NoError(t, err)
	_, err = s.KEVCatalog()
	require.NoError(t, err)

	time.Sleep(2500 * time.Millisecond)

	// Cache entries age out, assembled snapshots do not.
	_, err = s.AssetRecords("24h", "cisco-ios")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.KEVCatalog()
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Snapshot("24h")
	assert.NoError(t, err)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newStore(t)

	_, err := s.Snapshot("30d")
	assert.ErrorIs(t, err, store.ErrNotFound)

	ok, err := s.HasSnapshot("30d")
	require.NoError(t, err)
	assert.False(t, ok)

	snap := vuln.NewSnapshot("30d", time.Date(2023, 11, 5, 12, 0, 0, 0, time.UTC))
	snap.ByAsset["cisco-ios"] = []vuln.Record{{ID: "CVE-2023-0001"}}
	snap.All = []vuln.Record{{ID: "CVE-2023-0001"}}
	require.NoError(t, s.SaveSnapshot(snap))

	got, err := s.Snapshot("30d")
	require.NoError(t, err)
	assert.Equal(t, snap, got)

	ok, err = s.HasSnapshot("30d")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCursor(t *testing.T) {
	s := newStore(t)

	cursor, err := s.Cursor()
	require.NoError(t, err)
	assert.Equal(t, 0, cursor)

	require.NoError(t, s.SaveCursor(4))

	cursor, err = s.Cursor()
	require.NoError(t, err)
	assert.Equal(t, 4, cursor)
}

func TestUpdatedAt(t *testing.T) {
	s := newStore(t)

	_, err := s.UpdatedAt("7d")
	assert.ErrorIs(t, err, store.ErrNotFound)

	ts := time.Date(2023, 11, 5, 12, 30, 0, 0, time.UTC)
	require.NoError(t, s.SaveUpdatedAt("7d", ts))

	got, err := s.UpdatedAt("7d")
	require.NoError(t, err)
	assert.True(t, got.Equal(ts))
}

func TestLimiterState(t *testing.T) {
	s := newStore(t)

	type state struct {
		ConsecutiveErrors int       `json:"consecutiveErrors"`
		LastRequest       time.Time `json:"lastRequest"`
	}

	var missing state
	assert.ErrorIs(t, s.LimiterState(&missing), store.ErrNotFound)

	saved := state{ConsecutiveErrors: 2, LastRequest: time.Date(2023, 11, 5, 12, 0, 0, 0, time.UTC)}
	require.NoError(t, s.SaveLimiterState(saved))

	var got state
	require.NoError(t, s.LimiterState(&got))
	assert.Equal(t, saved, got)
}

func TestKEVCatalog(t *testing.T) {
	s := newStore(t)

	_, err := s.KEVCatalog()
	assert.ErrorIs(t, err, store.ErrNotFound)

	doc := []byte(`{"title":"Known Exploited Vulnerabilities","vulnerabilities":[]}`)
	require.NoError(t, s.SaveKEVCatalog(doc, time.Hour))

	got, err := s.KEVCatalog()
	require.NoError(t, err)
	assert.Equal(t, doc, got)
}
