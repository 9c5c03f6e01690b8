package build

import "sync"

// LogBuffer is an append only sequence of lines shared by the output pumps
// and any number of readers. Cursors are absolute line indexes.
//
// With a positive limit only the newest limit lines are kept; the indexes of
// the dropped lines stay consumed so cursors never go backwards.
type LogBuffer struct {
	mx     sync.RWMutex
	lines  []string
	offset int
	limit  int
}

func NewLogBuffer(limit int) *LogBuffer {
	if limit < 0 {
		limit = 0
	}
	return &LogBuffer{limit: limit}
}

func (b *LogBuffer) Append(line string) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.lines = append(b.lines, line)
	if b.limit > 0 && len(b.lines) > b.limit {
		drop := len(b.lines) - b.limit
		// copy to let the old backing array go
		b.lines = append([]string(nil), b.lines[drop:]...)
		b.offset += drop
	}
}

// ReadFrom returns the lines at index >= cursor and the next cursor.
// A cursor past the end yields no lines.
func (b *LogBuffer) ReadFrom(cursor int) ([]string, int) {
	b.mx.RLock()
	defer b.mx.RUnlock()
	next := b.offset + len(b.lines)
	start := cursor - b.offset
	if start < 0 {
		start = 0
	}
	if start >= len(b.lines) {
		return []string{}, next
	}
	return append([]string(nil), b.lines[start:]...), next
}

// Len is the next valid cursor.
func (b *LogBuffer) Len() int {
	b.mx.RLock()
	defer b.mx.RUnlock()
	return b.offset + len(b.lines)
}
