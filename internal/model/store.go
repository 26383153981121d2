package model

// DefaultMaxRecords is the history bound used when a Store is created with a
// non-positive capacity.
const DefaultMaxRecords = 100

// Snapshot is an immutable, point-in-time view of a Store. Records are in
// insertion order. Callers must not modify the slice.
type Snapshot struct {
	Version uint64             `json:"version" msgpack:"version"`
	Records []ConnectionRecord `json:"records" msgpack:"records"`
}

// Len returns the number of records in the snapshot.
func (s Snapshot) Len() int { return len(s.Records) }

// Plottable returns the records that can be drawn on the map, in order.
func (s Snapshot) Plottable() []ConnectionRecord {
	out := make([]ConnectionRecord, 0, len(s.Records))
	for _, r := range s.Records {
		if r.Plottable() {
			out = append(out, r)
		}
	}
	return out
}

// Update is the result of one Store mutation.
type Update struct {
	Snapshot Snapshot
	// Evicted lists the ids dropped from the head by an Append.
	Evicted []RecordID
	// Replaced is set when the whole sequence was swapped by ReplaceAll;
	// consumers must rebuild rather than diff.
	Replaced bool
}

// Store is a bounded FIFO of connection records. It is not safe for
// concurrent mutation; the engine loop is its only writer.
type Store struct {
	max     int
	records []ConnectionRecord
	nextID  RecordID
	version uint64
	current Snapshot
}

// NewStore creates a store holding at most maxRecords records.
func NewStore(maxRecords int) *Store {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	return &Store{
		max:     maxRecords,
		records: make([]ConnectionRecord, 0, maxRecords),
	}
}

// Cap returns the configured history bound.
func (s *Store) Cap() int { return s.max }

// Append inserts record at the tail, assigning it a fresh id, and evicts from
// the head while the length exceeds the bound.
func (s *Store) Append(record ConnectionRecord) Update {
	s.nextID++
	record.ID = s.nextID
	s.records = append(s.records, record)

	var evicted []RecordID
	if over := len(s.records) - s.max; over > 0 {
		evicted = make([]RecordID, 0, over)
		for _, r := range s.records[:over] {
			evicted = append(evicted, r.ID)
		}
		s.records = append(s.records[:0], s.records[over:]...)
	}

	return Update{Snapshot: s.publish(), Evicted: evicted}
}

// ReplaceAll swaps the entire sequence. Only the last Cap() records are kept.
func (s *Store) ReplaceAll(records []ConnectionRecord) Update {
	if over := len(records) - s.max; over > 0 {
		records = records[over:]
	}
	s.records = s.records[:0]
	for _, r := range records {
		s.nextID++
		r.ID = s.nextID
		s.records = append(s.records, r)
	}
	return Update{Snapshot: s.publish(), Replaced: true}
}

// Snapshot returns the view produced by the last mutation.
func (s *Store) Snapshot() Snapshot {
	return s.current
}

func (s *Store) publish() Snapshot {
	s.version++
	records := make([]ConnectionRecord, len(s.records))
	copy(records, s.records)
	s.current = Snapshot{Version: s.version, Records: records}
	return s.current
}
