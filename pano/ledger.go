package pano

import (
	"fmt"
	"strconv"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
)

// LedgerColumns is the column contract shared with the capture and stitch stages.
var LedgerColumns = []string{"Latitude", "Longitude", "Angle", "Image_URL", "Image_Name"}

// Ledger is the append-only table of viewpoint records keyed by
// (latitude, longitude, angle). Sequence ids are assigned once and never
// renumbered. A Ledger is owned by a single goroutine.
type Ledger struct {
	records []ViewpointRecord
	index   map[LedgerKey]int
	maxID   int
	pending int
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{index: make(map[LedgerKey]int)}
}

// LoadLedger reads a persisted ledger. A missing or zero-byte file yields an
// empty ledger; a file that does not have the ledger shape is a
// *PersistenceError.
func LoadLedger(path string) (*Ledger, error) {
	header, rows, exists, err := readCSVFile(path)
	if err != nil {
		return nil, &PersistenceError{Path: path, Err: err}
	}
	l := NewLedger()
	if !exists {
		return l, nil
	}

	if len(header) != len(LedgerColumns) {
		return nil, persistenceErrorf(path, "header %v, want %v", header, LedgerColumns)
	}
	for i, h := range LedgerColumns {
		if header[i] != h {
			return nil, persistenceErrorf(path, "header %v, want %v", header, LedgerColumns)
		}
	}

	ids := make(map[int]bool, len(rows))
	for i, row := range rows {
		line := i + 2
		rec, err := parseLedgerRow(row)
		if err != nil {
			return nil, persistenceErrorf(path, "line %d: %v", line, err)
		}
		if _, dup := l.index[rec.Key()]; dup {
			return nil, persistenceErrorf(path, "line %d: duplicate key (%v, %v, %d)", line, rec.Latitude, rec.Longitude, rec.Angle)
		}
		if ids[rec.SequenceID] {
			return nil, persistenceErrorf(path, "line %d: duplicate Image_Name %d", line, rec.SequenceID)
		}
		ids[rec.SequenceID] = true
		l.append(rec)
	}

	log.WithFields(log.Fields{
		"path":   path,
		"rows":   len(l.records),
		"max_id": l.maxID,
	}).Info("ledger loaded")
	return l, nil
}

func parseLedgerRow(row []string) (ViewpointRecord, error) {
	var rec ViewpointRecord
	var err error
	if rec.Latitude, err = parseCoord(row[0]); err != nil {
		return rec, fmt.Errorf("Latitude: %w", err)
	}
	if rec.Longitude, err = parseCoord(row[1]); err != nil {
		return rec, fmt.Errorf("Longitude: %w", err)
	}
	if rec.Angle, err = parseWholeNumber(row[2]); err != nil {
		return rec, fmt.Errorf("Angle: %w", err)
	}
	rec.URL = row[3]
	if rec.SequenceID, err = parseWholeNumber(row[4]); err != nil {
		return rec, fmt.Errorf("Image_Name: %w", err)
	}
	if rec.SequenceID <= 0 {
		return rec, fmt.Errorf("Image_Name %d is not positive", rec.SequenceID)
	}
	return rec, nil
}

func (l *Ledger) append(rec ViewpointRecord) {
	l.index[rec.Key()] = len(l.records)
	l.records = append(l.records, rec)
	if rec.SequenceID > l.maxID {
		l.maxID = rec.SequenceID
	}
}

// Upsert inserts rec unless a record with the same key exists. New records get
// sequence id max+1. The stored record is returned with inserted reporting
// whether a row was added.
func (l *Ledger) Upsert(rec ViewpointRecord) (stored ViewpointRecord, inserted bool) {
	if i, ok := l.index[rec.Key()]; ok {
		return l.records[i], false
	}
	rec.SequenceID = l.maxID + 1
	l.append(rec)
	l.pending++
	return rec, true
}

// Lookup returns the record stored under key.
func (l *Ledger) Lookup(key LedgerKey) (ViewpointRecord, bool) {
	i, ok := l.index[key]
	if !ok {
		return ViewpointRecord{}, false
	}
	return l.records[i], true
}

// Records returns a copy of all records in insertion order.
func (l *Ledger) Records() []ViewpointRecord {
	out := make([]ViewpointRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Len returns the number of rows.
func (l *Ledger) Len() int { return len(l.records) }

// MaxSequenceID returns the highest id assigned so far, or 0.
func (l *Ledger) MaxSequenceID() int { return l.maxID }

// Pending returns how many rows were inserted since the last Persist.
func (l *Ledger) Pending() int { return l.pending }

// Persist writes every row in insertion order, replacing path atomically.
func (l *Ledger) Persist(path string) error {
	rows := make([][]string, 0, len(l.records))
	for _, r := range l.records {
		rows = append(rows, []string{
			FormatCoord(r.Latitude),
			FormatCoord(r.Longitude),
			strconv.Itoa(r.Angle),
			r.URL,
			strconv.Itoa(r.SequenceID),
		})
	}
	if err := writeCSVAtomic(path, LedgerColumns, rows); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	l.pending = 0
	return nil
}

// LockLedger takes an exclusive advisory lock next to the ledger file so only
// one run writes it at a time. The returned func releases the lock.
func LockLedger(path string) (func() error, error) {
	fl := flock.New(path + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock ledger %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("ledger %s is locked by another run", path)
	}
	return fl.Unlock, nil
}
