package terminal

import (
	"bytes"
	"sync"
	"time"
)

// Kind tags a scrollback record.
type Kind string

const (
	KindOutput Kind = "output"
	KindInput  Kind = "input"
	KindSystem Kind = "system"
)

// Record is one chunk of terminal traffic.
type Record struct {
	At   time.Time `json:"at"`
	Data []byte    `json:"data"`
	Kind Kind      `json:"kind"`
}

func (r Record) lines() int {
	n := bytes.Count(r.Data, []byte{'\n'})
	if n == 0 {
		return 1
	}
	return n
}

// Scrollback is a FIFO ring bounded by both a line count and a byte total.
// Whichever bound is crossed first evicts the oldest records.
type Scrollback struct {
	mu       sync.Mutex
	maxLines int
	maxBytes int
	recs     []Record
	lines    int
	bytes    int
}

// NewScrollback creates a ring. Non-positive bounds mean unbounded on that axis.
func NewScrollback(maxLines, maxBytes int) *Scrollback {
	return &Scrollback{maxLines: maxLines, maxBytes: maxBytes}
}

// Add appends rec and evicts from the front until both bounds hold. A single
// record larger than the byte bound keeps only its tail.
func (s *Scrollback) Add(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxBytes > 0 && len(rec.Data) > s.maxBytes {
		rec.Data = rec.Data[len(rec.Data)-s.maxBytes:]
	}
	s.recs = append(s.recs, rec)
	s.lines += rec.lines()
	s.bytes += len(rec.Data)
	for len(s.recs) > 1 && s.over() {
		old := s.recs[0]
		s.recs[0] = Record{}
		s.recs = s.recs[1:]
		s.lines -= old.lines()
		s.bytes -= len(old.Data)
	}
}

func (s *Scrollback) over() bool {
	return (s.maxLines > 0 && s.lines > s.maxLines) || (s.maxBytes > 0 && s.bytes > s.maxBytes)
}

// Snapshot copies the current contents, oldest first.
func (s *Scrollback) Snapshot() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.recs...)
}

// Size reports the current line and byte totals.
func (s *Scrollback) Size() (lines, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines, s.bytes
}
