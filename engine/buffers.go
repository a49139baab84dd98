package engine

import "sync"

// ScanBuffers receive one row: ptrs[i] points at vals[i], so a row is
// scanned as raw driver values and converted by the result layout.
type ScanBuffers struct {
	vals []any
	ptrs []any
}

// Reset clears the buffers for reuse
func (sb *ScanBuffers) Reset() {
	clear(sb.vals)
	sb.vals = sb.vals[:0]
	sb.ptrs = sb.ptrs[:0]
}

// EnsureCapacity grows buffers if needed
func (sb *ScanBuffers) EnsureCapacity(size int) {
	if cap(sb.vals) < size {
		sb.vals = make([]any, 0, size)
		sb.ptrs = make([]any, 0, size)
	}
}

// Prepare sets up buffers for scanning
func (sb *ScanBuffers) Prepare(size int) {
	sb.Reset()
	sb.EnsureCapacity(size)

	for len(sb.vals) < size {
		sb.vals = append(sb.vals, nil)
		sb.ptrs = append(sb.ptrs, nil)
	}
	for i := range sb.vals {
		sb.ptrs[i] = &sb.vals[i]
	}
}

var scanPool = sync.Pool{
	New: func() any {
		return &ScanBuffers{
			vals: make([]any, 0, 20),
			ptrs: make([]any, 0, 20),
		}
	},
}

func getBuffers(size int) *ScanBuffers {
	sb := scanPool.Get().(*ScanBuffers)
	sb.Prepare(size)
	return sb
}

func putBuffers(sb *ScanBuffers) {
	sb.Reset()
	scanPool.Put(sb)
}
