// Package store persists pipeline state in an embedded key-value store.
//
// Keys are namespaced by purpose: per-asset window data, assembled
// window snapshots, the batch cursor, the source-client limiter state,
// and the cached exploited-vulnerability catalog. Values are written
// whole; there are no partial updates.
package store

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/xerrors"

	"github.com/vulnwatch/vulnwatch/logging"
	"github.com/vulnwatch/vulnwatch/vuln"
)

var log = logging.Logger()

// ErrNotFound is returned when a key is absent or its entry has expired.
var ErrNotFound = xerrors.New("store: key not found")

// ErrCorrupt is returned when a value exists but does not decode.
// Assembly treats it like a missing entry and falls back.
var ErrCorrupt = xerrors.New("store: corrupt value")

const (
	cursorKey  = "meta:cursor"
	limiterKey = "meta:limiter"
	kevKey     = "kev:catalog"
)

func assetKey(window, assetID string) []byte {
	return []byte("asset:" + window + ":" + assetID)
}

func windowKey(window string) []byte {
	return []byte("window:" + window)
}

func updatedKey(window string) []byte {
	return []byte("meta:updated:" + window)
}

// Store wraps the embedded database with the pipeline's keyspace.
// Per-asset entries expire after the cache TTL so stale data ages out;
// assembled snapshots never expire and are only ever overwritten.
type Store struct {
	db  *badger.DB
	ttl time.Duration
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open opens (or creates) the store at dir. Opening retries with
// exponential backoff so a restart does not race the previous process
// releasing the directory lock.
func Open(dir string, cacheTTL time.Duration) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 30 * time.Second

	var db *badger.DB
	err := backoff.RetryNotify(func() error {
		var oerr error
		db, oerr = badger.Open(opts)
		return oerr
	}, bo, func(err error, d time.Duration) {
		log.Warnf("store open failed, retrying in %s: %s", d, err)
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to open store at %s: %w", dir, err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, xerrors.Errorf("failed to initialize compressor: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, xerrors.Errorf("failed to initialize decompressor: %w", err)
	}

	return &Store{db: db, ttl: cacheTTL, enc: enc, dec: dec}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunGC reclaims value-log space. Nothing to rewrite is not an error.
func (s *Store) RunGC() error {
	if err := s.db.RunValueLogGC(0.5); err != nil && !xerrors.Is(err, badger.ErrNoRewrite) {
		return xerrors.Errorf("value log gc: %w", err)
	}
	return nil
}

func (s *Store) set(key, val []byte, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(key, val)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return xerrors.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *Store) get(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if xerrors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Errorf("failed to read %s: %w", key, err)
	}
	return out, nil
}

// SaveAssetRecords overwrites one asset's slice of a window. The entry
// carries the cache TTL; assembly falls back to the previous snapshot
// once it is gone.
func (s *Store) SaveAssetRecords(window, assetID string, records []vuln.Record) error {
	b, err := json.Marshal(records)
	if err != nil {
		return xerrors.Errorf("failed to encode records for %s/%s: %w", window, assetID, err)
	}
	return s.set(assetKey(window, assetID), b, s.ttl)
}

// AssetRecords returns one asset's slice of a window, or ErrNotFound.
func (s *Store) AssetRecords(window, assetID string) ([]vuln.Record, error) {
	b, err := s.get(assetKey(window, assetID))
	if err != nil {
		return nil, err
	}
	var records []vuln.Record
	if err := json.Unmarshal(b, &records); err != nil {
		log.Warnw("undecodable records entry", "window", window, "asset", assetID, "error", err)
		return nil, xerrors.Errorf("records for %s/%s: %w", window, assetID, ErrCorrupt)
	}
	return records, nil
}

// SaveSnapshot persists an assembled window. Snapshots carry every
// record of every asset, so they are compressed on disk.
func (s *Store) SaveSnapshot(snap vuln.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return xerrors.Errorf("failed to encode snapshot %s: %w", snap.Window, err)
	}
	return s.set(windowKey(snap.Window), s.enc.EncodeAll(b, nil), 0)
}

// Snapshot returns the assembled snapshot for a window, or ErrNotFound
// when no assembly has ever completed for it.
func (s *Store) Snapshot(window string) (vuln.Snapshot, error) {
	b, err := s.get(windowKey(window))
	if err != nil {
		return vuln.Snapshot{}, err
	}
	raw, err := s.dec.DecodeAll(b, nil)
	if err != nil {
		return vuln.Snapshot{}, xerrors.Errorf("failed to decompress snapshot %s: %w", window, err)
	}
	var snap vuln.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return vuln.Snapshot{}, xerrors.Errorf("failed to decode snapshot %s: %w", window, err)
	}
	return snap, nil
}

// HasSnapshot reports whether a window has ever been assembled.
func (s *Store) HasSnapshot(window string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(windowKey(window))
		return err
	})
	if xerrors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Errorf("failed to read %s: %w", windowKey(window), err)
	}
	return true, nil
}

// SaveCursor persists the batch rotation cursor.
func (s *Store) SaveCursor(cursor int) error {
	return s.set([]byte(cursorKey), []byte(strconv.Itoa(cursor)), 0)
}

// Cursor returns the persisted batch cursor, or zero when none has been
// stored yet.
func (s *Store) Cursor() (int, error) {
	b, err := s.get([]byte(cursorKey))
	if xerrors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return 0, xerrors.Errorf("corrupt cursor %q: %w", string(b), err)
	}
	return n, nil
}

// SaveUpdatedAt records when a window was last assembled.
func (s *Store) SaveUpdatedAt(window string, t time.Time) error {
	return s.set(updatedKey(window), []byte(t.UTC().Format(time.RFC3339)), 0)
}

// UpdatedAt returns when a window was last assembled, or ErrNotFound.
func (s *Store) UpdatedAt(window string) (time.Time, error) {
	b, err := s.get(updatedKey(window))
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339, string(b))
	if err != nil {
		return time.Time{}, xerrors.Errorf("corrupt timestamp for window %s: %w", window, err)
	}
	return ts, nil
}

// SaveLimiterState persists the source client's backoff state between
// invocations.
func (s *Store) SaveLimiterState(state any) error {
	b, err := json.Marshal(state)
	if err != nil {
		return xerrors.Errorf("failed to encode limiter state: %w", err)
	}
	return s.set([]byte(limiterKey), b, 0)
}

// LimiterState loads the persisted limiter state into state, or returns
// ErrNotFound when none has been saved.
func (s *Store) LimiterState(state any) error {
	b, err := s.get([]byte(limiterKey))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, state); err != nil {
		return xerrors.Errorf("failed to decode limiter state: %w", err)
	}
	return nil
}

// SaveKEVCatalog caches the raw exploited-vulnerability catalog document.
func (s *Store) SaveKEVCatalog(data []byte, ttl time.Duration) error {
	return s.set([]byte(kevKey), s.enc.EncodeAll(data, nil), ttl)
}

// KEVCatalog returns the cached catalog document, or ErrNotFound once the
// entry has expired.
func (s *Store) KEVCatalog() ([]byte, error) {
	b, err := s.get([]byte(kevKey))
	if err != nil {
		return nil, err
	}
	raw, err := s.dec.DecodeAll(b, nil)
	if err != nil {
		return nil, xerrors.Errorf("failed to decompress cached catalog: %w", err)
	}
	return raw, nil
}
