// Package persist provides crash-safe JSON file persistence for the trader's
// resumable state: exchange-info cache, candle/trade history, and per-symbol
// trader state. Grounded on the teacher's internal/store/store.go atomic-
// rename-on-write pattern, generalized from one file per market position to
// a sharded "shard/key.json" namespace so callers can persist exchange
// metadata, time series, and resume state side by side under one directory.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store persists arbitrary JSON-serializable values under a two-level
// shard/key namespace. All operations are mutex-protected to prevent
// concurrent file corruption, matching the teacher's single coarse mutex.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given root directory, creating it if
// necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persist: create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(shard, key string) string {
	return filepath.Join(s.dir, shard, key+".json")
}

// Set atomically persists v under shard/key, writing to a .tmp file first
// and renaming over the target so a crash never leaves a partial file.
func (s *Store) Set(shard, key string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("persist: marshal %s/%s: %w", shard, key, err)
	}

	path := s.path(shard, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("persist: create shard dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("persist: write %s/%s: %w", shard, key, err)
	}
	return os.Rename(tmp, path)
}

// Get loads the value stored under shard/key into v. ok is false (with a
// nil error) when no value has been stored yet, matching the teacher's
// nil-nil "fresh market" convention.
func (s *Store) Get(shard, key string, v any) (ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(shard, key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("persist: read %s/%s: %w", shard, key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("persist: unmarshal %s/%s: %w", shard, key, err)
	}
	return true, nil
}

// TimeSeriesSpan records the [Start, End) range a stored time series chunk
// covers, used to answer "do we already have candles for this window"
// without re-fetching from the venue.
type TimeSeriesSpan struct {
	Start uint64
	End   uint64
}

// StoreTimeSeriesAndSpan persists one time series chunk plus the span it
// covers, as two keys in the same shard so callers always have both.
func (s *Store) StoreTimeSeriesAndSpan(shard, key string, series any, span TimeSeriesSpan) error {
	if err := s.Set(shard, key, series); err != nil {
		return err
	}
	return s.Set(shard, key+".span", span)
}

// StreamTimeSeries loads every stored chunk in shard matching the key
// prefix, in filename order, sending each decoded chunk on the returned
// channel. Used to replay candle/trade history for backtests without
// holding the whole series in memory.
func (s *Store) StreamTimeSeries(shard, prefix string, decode func(data []byte) (any, error)) (<-chan any, <-chan error) {
	out := make(chan any)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		s.mu.Lock()
		shardDir := filepath.Join(s.dir, shard)
		entries, err := os.ReadDir(shardDir)
		s.mu.Unlock()
		if err != nil {
			if os.IsNotExist(err) {
				return
			}
			errCh <- fmt.Errorf("persist: list shard %s: %w", shard, err)
			return
		}

		for _, entry := range entries {
			name := entry.Name()
			if filepath.Ext(name) != ".json" || len(name) <= len(prefix) || name[:len(prefix)] != prefix {
				continue
			}
			s.mu.Lock()
			data, err := os.ReadFile(filepath.Join(shardDir, name))
			s.mu.Unlock()
			if err != nil {
				errCh <- fmt.Errorf("persist: read %s/%s: %w", shard, name, err)
				return
			}
			decoded, err := decode(data)
			if err != nil {
				errCh <- fmt.Errorf("persist: decode %s/%s: %w", shard, name, err)
				return
			}
			out <- decoded
		}
	}()

	return out, errCh
}

// StreamTimeSeriesSpans returns every stored span in shard, used by callers
// deciding which windows still need fetching from the venue.
func (s *Store) StreamTimeSeriesSpans(shard string) (map[string]TimeSeriesSpan, error) {
	s.mu.Lock()
	shardDir := filepath.Join(s.dir, shard)
	entries, err := os.ReadDir(shardDir)
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]TimeSeriesSpan{}, nil
		}
		return nil, fmt.Errorf("persist: list shard %s: %w", shard, err)
	}

	spans := make(map[string]TimeSeriesSpan)
	for _, entry := range entries {
		name := entry.Name()
		const suffix = ".span.json"
		if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
			continue
		}
		key := name[:len(name)-len(".json")]
		var span TimeSeriesSpan
		if ok, err := s.Get(shard, key, &span); err != nil {
			return nil, err
		} else if ok {
			spans[key[:len(key)-len(".span")]] = span
		}
	}
	return spans, nil
}

// Close is a no-op for file-based storage, kept for parity with resources
// that do need explicit teardown (e.g. a future database-backed Store).
func (s *Store) Close() error {
	return nil
}
