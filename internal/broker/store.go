package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// Store wraps one partition's embedded KV engine (bbolt, the Go analogue
// of the original implementation's sled::Db — see SPEC_FULL.md §6) and its
// four secondary indices. One Store lives inside one Partition's Producer
// and Consumer.
//
// Buckets (the five logical trees of spec.md §3):
//
//	data      data-key            -> message JSON bytes
//	main_idx  topic‖nonce(BE)      -> data-key
//	range_idx nonce(BE)            -> data-key
//	day_idx   day-key(BE)          -> nonce(BE) of the last write that day
//	nonce_idx data-key             -> nonce(BE)
type Store struct {
	db      *bbolt.DB
	dbPath  string
	idx     int
	log     *slog.Logger
}

var (
	bucketData     = []byte("data")
	bucketMainIdx  = []byte("main_idx")
	bucketRangeIdx = []byte("range_idx")
	bucketDayIdx   = []byte("day_idx")
	bucketNonceIdx = []byte("nonce_idx")
)

var allBuckets = [][]byte{bucketData, bucketMainIdx, bucketRangeIdx, bucketDayIdx, bucketNonceIdx}

// OpenStore opens (creating if necessary) the bbolt file for partition idx
// under dataDir/db_<idx>/partition.db, per spec.md §6's persisted layout.
func OpenStore(dataDir string, idx int, log *slog.Logger) (*Store, error) {
	dir := filepath.Join(dataDir, fmt.Sprintf("db_%d", idx))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create partition dir: %w", err)
	}
	dbPath := filepath.Join(dir, "partition.db")
	db, err := bbolt.Open(dbPath, 0o644, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bbolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{
		db:     db,
		dbPath: dbPath,
		idx:    idx,
		log:    log.With(slog.Int("partition", idx)),
	}, nil
}

// Close flushes and closes the partition's KV file.
func (s *Store) Close() error {
	return s.db.Close()
}

// dayKeyNow renders the UTC midnight boundary of "now" as a big-endian key
// (Open Question #2 of SPEC_FULL.md §9: UTC, not local, day boundaries).
func dayKeyNow() []byte {
	today := time.Now().UTC().Truncate(24 * time.Hour).Unix()
	return encodeNonce(uint64(today))
}

// dayKeyForCutoff renders the day key spec.md §4.6 calls "cutoff":
// today_midnight - 86400*(days+1) seconds.
func dayKeyForCutoff(days uint64) []byte {
	today := time.Now().UTC().Truncate(24 * time.Hour).Unix()
	cutoff := today - int64(86400*(days+1))
	return encodeNonce(uint64(cutoff))
}

// Write performs the five-step sequential write of spec.md §4.2, each step
// its own bbolt transaction so that a failure at step i leaves steps
// 1..i-1 committed, matching the original implementation's per-tree insert
// order and its "no compensating undo" failure policy (SPEC_FULL.md §9
// Open Question #1). env.Nonce must already be stamped by the caller (the
// producer actor, immediately after drawing it from the sequencer): the
// data bucket holds the complete serialized envelope, nonce included, not
// the bare payload, so a later scan can hand a client back its uid and key
// untouched (original_source/src/mq/partition.rs:109-119 serializes the
// whole message the same way, after calling set_nonce).
func (s *Store) Write(env Envelope) error {
	topic, uid, nonce := env.Topic, env.UID, env.Nonce
	dk := []byte(dataKey(topic, uid))
	nonceB := encodeNonce(nonce)

	record, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("store: marshal envelope: %w", err)
	}

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDayIdx).Put(dayKeyNow(), nonceB)
	}); err != nil {
		s.log.Error("write_day_idx_failed", slog.String("topic", topic), slog.Any("err", err))
		return fmt.Errorf("store: write day_idx: %w", err)
	}

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRangeIdx).Put(nonceB, dk)
	}); err != nil {
		s.log.Error("write_range_idx_failed", slog.Uint64("nonce", nonce), slog.Any("err", err))
		return fmt.Errorf("store: write range_idx: %w", err)
	}

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketData).Put(dk, record)
	}); err != nil {
		s.log.Error("write_data_failed", slog.String("data_key", string(dk)), slog.Any("err", err))
		return fmt.Errorf("store: write data: %w", err)
	}

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketNonceIdx).Put(dk, nonceB)
	}); err != nil {
		s.log.Error("write_nonce_idx_failed", slog.String("data_key", string(dk)), slog.Any("err", err))
		return fmt.Errorf("store: write nonce_idx: %w", err)
	}

	// main_idx is written last: a reader following main_idx will never
	// find a key whose payload is absent (spec.md §4.2).
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMainIdx).Put(mainKey(topic, nonce), dk)
	}); err != nil {
		s.log.Error("write_main_idx_failed", slog.String("topic", topic), slog.Uint64("nonce", nonce), slog.Any("err", err))
		return fmt.Errorf("store: write main_idx: %w", err)
	}

	return nil
}

// RangeScan walks main_idx over [topic‖from, topic‖MAX] in ascending nonce
// order, following each data-key into data, and invokes yield for every
// record found. yield returning false stops the scan early (used by the
// consumer's backpressure rule). Missing data entries are skipped and
// logged (spec.md §4.2, §7). The scan is a snapshot: later writes are not
// observed without a fresh call. The payload handed to yield is the full
// serialized Envelope stored at write time (uid, key and nonce included),
// forwarded verbatim by the consumer (original_source/src/mq/consumer.rs:151-157).
func (s *Store) RangeScan(topic string, from uint64, yield func(nonce uint64, payload []byte) bool) error {
	if topic == "" {
		return ErrUnknownTopic
	}
	lower := mainKeyLowerBound(topic, from)
	upper := mainKeyUpperBound(topic)

	return s.db.View(func(tx *bbolt.Tx) error {
		main := tx.Bucket(bucketMainIdx)
		data := tx.Bucket(bucketData)
		c := main.Cursor()
		for k, v := c.Seek(lower); k != nil && bytes.Compare(k, upper) <= 0; k, v = c.Next() {
			if !hasTopicPrefix(k, topic) {
				continue
			}
			nonce := decodeNonce(k[len(topic):])
			payload := data.Get(v)
			if payload == nil {
				s.log.Warn("scan_missing_data", slog.String("topic", topic), slog.Uint64("nonce", nonce))
				continue
			}
			cp := append([]byte(nil), payload...)
			if !yield(nonce, cp) {
				return nil
			}
		}
		return nil
	})
}

// LookupNonce reads nonce_idx for a data key. The consumer does not call
// it: it advances a registration's offset from the nonce carried in the
// main_idx key that RangeScan yields.
func (s *Store) LookupNonce(dk string) (uint64, bool, error) {
	var (
		nonce uint64
		ok    bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketNonceIdx).Get([]byte(dk))
		if v == nil {
			return nil
		}
		ok = true
		nonce = decodeNonce(v)
		return nil
	})
	if err != nil {
		s.log.Warn("lookup_nonce_failed", slog.String("data_key", dk), slog.Any("err", err))
		return 0, false, err
	}
	return nonce, ok, nil
}

// HighWaterMark returns the largest nonce present in range_idx, used by
// the dispatcher to recover the sequencer's state on startup (spec.md
// §4.1).
func (s *Store) HighWaterMark() (uint64, error) {
	var hwm uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRangeIdx).Cursor()
		k, _ := c.Last()
		if k != nil {
			hwm = decodeNonce(k)
		}
		return nil
	})
	return hwm, err
}

// Status reports record count and on-disk size for GET /api/status and
// the dispatcher's aggregate status (spec.md §4.2, §4.6).
func (s *Store) Status() (count uint64, bytes uint64, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		count = uint64(tx.Bucket(bucketRangeIdx).Stats().KeyN)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	info, statErr := os.Stat(s.dbPath)
	if statErr != nil {
		return count, 0, fmt.Errorf("store: stat db file: %w", statErr)
	}
	return count, uint64(info.Size()), nil
}

// Trim implements spec.md §4.6's trim procedure for one partition: find
// the day pivot for cutoffDayKey, then delete every range_idx entry with
// nonce <= pivot from data, main_idx, range_idx and nonce_idx (day_idx is
// left untouched, which is what makes a repeated trim with the same
// cutoff idempotent: the pivot is unchanged but range_idx[..pivot] is
// already empty).
func (s *Store) Trim(cutoffDayKey []byte) (removed int, err error) {
	var pivot []byte
	err = s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketDayIdx).Get(cutoffDayKey)
		if v != nil {
			pivot = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: read day_idx pivot: %w", err)
	}
	if pivot == nil {
		// No writes landed on the cutoff day: no-op (spec.md §7).
		return 0, nil
	}

	type victim struct {
		nonceKey []byte
		dataKey  []byte
	}
	var victims []victim
	err = s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRangeIdx).Cursor()
		for k, v := c.First(); k != nil && bytes.Compare(k, pivot) <= 0; k, v = c.Next() {
			victims = append(victims, victim{append([]byte(nil), k...), append([]byte(nil), v...)})
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: collect trim victims: %w", err)
	}

	for _, vic := range victims {
		topic, ok := splitDataKey(string(vic.dataKey))
		if !ok {
			s.log.Warn("trim_bad_data_key", slog.String("data_key", string(vic.dataKey)))
			continue
		}
		nonce := decodeNonce(vic.nonceKey)
		mk := mainKey(topic, nonce)
		err := s.db.Update(func(tx *bbolt.Tx) error {
			if err := tx.Bucket(bucketData).Delete(vic.dataKey); err != nil {
				return err
			}
			if err := tx.Bucket(bucketMainIdx).Delete(mk); err != nil {
				return err
			}
			if err := tx.Bucket(bucketRangeIdx).Delete(vic.nonceKey); err != nil {
				return err
			}
			return tx.Bucket(bucketNonceIdx).Delete(vic.dataKey)
		})
		if err != nil {
			s.log.Error("trim_delete_failed", slog.String("data_key", string(vic.dataKey)), slog.Any("err", err))
			continue
		}
		removed++
	}
	return removed, nil
}

// Reconcile is the startup reconciliation pass chosen by SPEC_FULL.md §9
// Open Question #1: rather than batch the five-step write into one
// transaction, an unclean shutdown can leave range_idx or main_idx
// entries pointing at a data-key whose sibling entries never landed.
// Reconcile scans range_idx and drops any entry whose data or nonce_idx
// counterpart is missing, deleting its data, nonce_idx and main_idx
// entries along with it. main_idx is not checked: a range_idx entry whose
// data and nonce_idx entries exist but whose main_idx entry is missing is
// kept as it is.
func (s *Store) Reconcile() (removed int, err error) {
	type candidate struct {
		nonceKey []byte
		dataKey  []byte
	}
	var candidates []candidate
	err = s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketData)
		nonceIdx := tx.Bucket(bucketNonceIdx)
		c := tx.Bucket(bucketRangeIdx).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if data.Get(v) == nil || nonceIdx.Get(v) == nil {
				candidates = append(candidates, candidate{append([]byte(nil), k...), append([]byte(nil), v...)})
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: reconcile scan: %w", err)
	}
	for _, cand := range candidates {
		topic, ok := splitDataKey(string(cand.dataKey))
		err := s.db.Update(func(tx *bbolt.Tx) error {
			if err := tx.Bucket(bucketRangeIdx).Delete(cand.nonceKey); err != nil {
				return err
			}
			if err := tx.Bucket(bucketData).Delete(cand.dataKey); err != nil {
				return err
			}
			if err := tx.Bucket(bucketNonceIdx).Delete(cand.dataKey); err != nil {
				return err
			}
			if ok {
				return tx.Bucket(bucketMainIdx).Delete(mainKey(topic, decodeNonce(cand.nonceKey)))
			}
			return nil
		})
		if err != nil {
			s.log.Error("reconcile_delete_failed", slog.String("data_key", string(cand.dataKey)), slog.Any("err", err))
			continue
		}
		s.log.Warn("reconciled_dangling_entry", slog.String("data_key", string(cand.dataKey)))
		removed++
	}
	return removed, nil
}
