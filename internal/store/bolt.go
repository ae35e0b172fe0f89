package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketEvents       = []byte("events")
	bucketPatterns     = []byte("patterns")
	bucketPatternIndex = []byte("pattern_index")
	bucketPreferences  = []byte("preferences")
	bucketSync         = []byte("sync")
	keySyncMeta        = []byte("meta")
)

// BoltStore implements Store using BoltDB.
//
// Event keys are 8-byte big-endian unix nanoseconds followed by an 8-byte
// sequence number, so a cursor scan is naturally ordered by timestamp and
// range queries never need a full-bucket pass.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEvents, bucketPatterns, bucketPatternIndex, bucketPreferences, bucketSync} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func eventKey(ts time.Time, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}

func eventKeyNano(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[:8]))
}

func u64Key(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

func (s *BoltStore) putEvent(b *bolt.Bucket, ev *Event) error {
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	ev.ID = seq
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.Put(eventKey(ev.Timestamp, seq), data)
}

func (s *BoltStore) InsertEvent(ev *Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.putEvent(tx.Bucket(bucketEvents), ev)
	})
}

func (s *BoltStore) InsertEvents(evs []*Event) error {
	if len(evs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		for _, ev := range evs {
			if err := s.putEvent(b, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) EventsInRange(start, end time.Time, filter EventFilter) ([]*Event, error) {
	var events []*Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		endNano := end.UnixNano()
		for k, v := c.Seek(eventKey(start, 0)); k != nil && eventKeyNano(k) <= endNano; k, v = c.Next() {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if filter.EntityID != "" && ev.EntityID != filter.EntityID {
				continue
			}
			if filter.Domain != "" && ev.Domain != filter.Domain {
				continue
			}
			events = append(events, &ev)
		}
		return nil
	})
	return events, err
}

func (s *BoltStore) DeleteEventsBefore(cutoff time.Time) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()
		cutoffNano := cutoff.UnixNano()
		var stale [][]byte
		for k, _ := c.First(); k != nil && eventKeyNano(k) < cutoffNano; k, _ = c.Next() {
			key := make([]byte, len(k))
			copy(key, k)
			stale = append(stale, key)
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *BoltStore) EventCount() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketEvents).Stats().KeyN
		return nil
	})
	return count, err
}

func (s *BoltStore) UpsertPattern(p *Pattern) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPatterns)
		now := time.Now().UTC()
		if p.ID == 0 {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			p.ID = seq
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if err := b.Put(u64Key(p.ID), data); err != nil {
			return err
		}
		idx := tx.Bucket(bucketPatternIndex)
		if p.Active {
			return idx.Put([]byte(p.Key()), u64Key(p.ID))
		}
		return idx.Delete([]byte(p.Key()))
	})
}

func (s *BoltStore) ActivePatterns(minConfidence float64) ([]*Pattern, error) {
	var patterns []*Pattern
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPatterns).ForEach(func(k, v []byte) error {
			var p Pattern
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.Active && p.Confidence >= minConfidence {
				patterns = append(patterns, &p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Confidence != patterns[j].Confidence {
			return patterns[i].Confidence > patterns[j].Confidence
		}
		return patterns[i].Occurrences > patterns[j].Occurrences
	})
	return patterns, nil
}

func (s *BoltStore) PatternByID(id uint64) (*Pattern, error) {
	var p Pattern
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPatterns).Get(u64Key(id))
		if data == nil {
			return fmt.Errorf("pattern %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) ActivePatternByKey(key string) (*Pattern, error) {
	var p Pattern
	err := s.db.View(func(tx *bolt.Tx) error {
		idKey := tx.Bucket(bucketPatternIndex).Get([]byte(key))
		if idKey == nil {
			return fmt.Errorf("pattern key %q: %w", key, ErrNotFound)
		}
		data := tx.Bucket(bucketPatterns).Get(idKey)
		if data == nil {
			// Index entry without a backing record; treat as absent.
			return fmt.Errorf("pattern key %q: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) DeactivatePattern(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPatterns)
		data := b.Get(u64Key(id))
		if data == nil {
			return fmt.Errorf("pattern %d: %w", id, ErrNotFound)
		}
		var p Pattern
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		p.Active = false
		p.UpdatedAt = time.Now().UTC()
		updated, err := json.Marshal(&p)
		if err != nil {
			return err
		}
		if err := b.Put(u64Key(id), updated); err != nil {
			return err
		}
		// Drop the merge-key index entry only if it still points at this
		// pattern; a newer active pattern may have claimed the key.
		idx := tx.Bucket(bucketPatternIndex)
		if bytes.Equal(idx.Get([]byte(p.Key())), u64Key(id)) {
			return idx.Delete([]byte(p.Key()))
		}
		return nil
	})
}

func (s *BoltStore) InsertPreference(pref *Preference) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPreferences)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		pref.ID = seq
		if pref.CreatedAt.IsZero() {
			pref.CreatedAt = time.Now().UTC()
		}
		data, err := json.Marshal(pref)
		if err != nil {
			return err
		}
		return b.Put(u64Key(seq), data)
	})
}

func (s *BoltStore) DismissedPatternIDs() (map[uint64]struct{}, error) {
	ids := make(map[uint64]struct{})
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPreferences).ForEach(func(k, v []byte) error {
			var pref Preference
			if err := json.Unmarshal(v, &pref); err != nil {
				return err
			}
			if pref.Type == PreferenceDismissed {
				ids[pref.PatternID] = struct{}{}
			}
			return nil
		})
	})
	return ids, err
}

func (s *BoltStore) SyncMeta() (*SyncMeta, error) {
	var m SyncMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSync).Get(keySyncMeta)
		if data == nil {
			return fmt.Errorf("sync metadata: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *BoltStore) SaveSyncMeta(m *SyncMeta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		m.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSync).Put(keySyncMeta, data)
	})
}

func (s *BoltStore) Stats() (*Stats, error) {
	stats := &Stats{
		EventsBySource: make(map[EventSource]int),
		PatternsByKind: make(map[PatternKind]int),
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		if err := events.ForEach(func(k, v []byte) error {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			stats.TotalEvents++
			stats.EventsBySource[ev.Source]++
			return nil
		}); err != nil {
			return err
		}
		c := events.Cursor()
		if k, _ := c.First(); k != nil {
			stats.EarliestEvent = time.Unix(0, eventKeyNano(k)).UTC()
			k, _ = c.Last()
			stats.LatestEvent = time.Unix(0, eventKeyNano(k)).UTC()
		}

		return tx.Bucket(bucketPatterns).ForEach(func(k, v []byte) error {
			var p Pattern
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.Active {
				stats.PatternsByKind[p.Kind]++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
