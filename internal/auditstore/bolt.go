// Package auditstore — bolt.go
//
// BoltDB-backed operational audit history for the translation sidecar.
//
// This is a *supplementary*, restart-durable record of completed
// benchmark runs and stepdown events for operator inspection (the admin
// socket's ledger-list command) — distinct from, and never a replacement
// for, the flat-file hardware-fingerprinted failure ledger in
// internal/ledger, which remains the sole input to model selection.
//
// Schema (BoltDB bucket layout):
//
//	/benchmark_runs
//	    key:   fixed-width UTC nanosecond timestamp + "_" + sequence  [monotonic, sortable]
//	    value: JSON-encoded BenchmarkRunRecord
//
//	/stepdown_events
//	    key:   fixed-width UTC nanosecond timestamp + "_" + sequence  [monotonic, sortable]
//	    value: JSON-encoded StepdownEventRecord
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in).
//
// Retention:
//   - Entries older than RetentionDays are pruned on startup.
//
// Failure modes:
//   - BoltDB file corruption: bbolt detects via CRC and returns an error on
//     Open(). The caller should log a fatal event and refuse to start.
//   - Disk full: bbolt.Update() returns an error; callers log it and keep
//     serving, since this store is operational history, not load-bearing
//     state.
package auditstore

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultDBPath is the default BoltDB file location.
	DefaultDBPath = "/var/lib/nllb-sidecar/audit.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default audit history retention period.
	DefaultRetentionDays = 30

	bucketBenchmarkRuns  = "benchmark_runs"
	bucketStepdownEvents = "stepdown_events"
	bucketMeta           = "meta"
)

// BenchmarkRunRecord is one completed /benchmark invocation. Stored as
// JSON in the benchmark_runs bucket.
type BenchmarkRunRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	CacheKey      string    `json:"cache_key"`
	Cached        bool      `json:"cached"`
	Joined        bool      `json:"joined"`
	SentenceCount int       `json:"sentence_count"`
	ComboCount    int       `json:"combo_count"`
	Outcome       string    `json:"outcome"` // "ok" or "error"
	DurationMS    float64   `json:"duration_ms"`
}

// StepdownEventRecord is one completed stepdown action. Stored as JSON in
// the stepdown_events bucket.
type StepdownEventRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	FromModel string         `json:"from_model"`
	ToModel   string         `json:"to_model"`
	Reason    string         `json:"reason"`
	Snapshot  map[string]any `json:"snapshot,omitempty"`
}

// DB wraps a BoltDB instance with typed accessors for the sidecar's
// operational audit history.
type DB struct {
	db            *bolt.DB
	retentionDays int
	seq           uint64
}

// Open opens (or creates) the BoltDB database at the given path,
// initializing all required buckets and verifying the schema version.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		NoGrowSync:   false,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketBenchmarkRuns, bucketStepdownEvents, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	if _, err := d.pruneBucket(bucketBenchmarkRuns); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	if _, err := d.pruneBucket(bucketStepdownEvents); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, sidecar requires %q",
				string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// entryKey constructs a sortable BoltDB key: a UTC RFC 3339 timestamp with
// all nine fractional digits kept (fixed width) + "_" + a process-local
// monotonic sequence number, zero-padded. Lexicographic sort equals
// chronological sort, and the sequence breaks ties between entries
// recorded within the same nanosecond.
func entryKey(t time.Time, seq uint64) []byte {
	const layout = "2006-01-02T15:04:05.000000000Z07:00"
	return []byte(fmt.Sprintf("%s_%010d", t.UTC().Format(layout), seq))
}

func (d *DB) nextSeq() uint64 {
	return atomic.AddUint64(&d.seq, 1)
}

// AppendBenchmarkRun records a completed /benchmark invocation.
func (d *DB) AppendBenchmarkRun(rec BenchmarkRunRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("AppendBenchmarkRun marshal: %w", err)
	}
	key := entryKey(rec.Timestamp, d.nextSeq())
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketBenchmarkRuns)).Put(key, data)
	})
}

// RecordStepdown implements stepdown.AuditSink, letting a *DB be handed
// directly to stepdown.Controller.SetAuditSink.
func (d *DB) RecordStepdown(from, to, reason string, snapshot map[string]any) error {
	return d.AppendStepdownEvent(StepdownEventRecord{FromModel: from, ToModel: to, Reason: reason, Snapshot: snapshot})
}

// RecordBenchmarkRun implements benchmark.AuditSink, letting a *DB be
// handed directly to benchmark.Orchestrator's audit wiring.
func (d *DB) RecordBenchmarkRun(cacheKey string, cached, joined bool, sentenceCount, comboCount int, outcome string, durationMS float64) error {
	return d.AppendBenchmarkRun(BenchmarkRunRecord{
		CacheKey: cacheKey, Cached: cached, Joined: joined,
		SentenceCount: sentenceCount, ComboCount: comboCount,
		Outcome: outcome, DurationMS: durationMS,
	})
}

// AppendStepdownEvent records a completed stepdown action.
func (d *DB) AppendStepdownEvent(rec StepdownEventRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("AppendStepdownEvent marshal: %w", err)
	}
	key := entryKey(rec.Timestamp, d.nextSeq())
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketStepdownEvents)).Put(key, data)
	})
}

// ListBenchmarkRuns returns all recorded benchmark runs in chronological
// order. For operational use (the admin socket's ledger-list command);
// not called on the translate hot path.
func (d *DB) ListBenchmarkRuns() ([]BenchmarkRunRecord, error) {
	var out []BenchmarkRunRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketBenchmarkRuns)).ForEach(func(_, v []byte) error {
			var rec BenchmarkRunRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// ListStepdownEvents returns all recorded stepdown events in chronological
// order.
func (d *DB) ListStepdownEvents() ([]StepdownEventRecord, error) {
	var out []StepdownEventRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketStepdownEvents)).ForEach(func(_, v []byte) error {
			var rec StepdownEventRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// pruneBucket deletes entries older than retentionDays from the named
// bucket, returning the number deleted.
func (d *DB) pruneBucket(bucket string) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := entryKey(cutoff, 0)

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("pruneBucket(%q) delete: %w", bucket, err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
