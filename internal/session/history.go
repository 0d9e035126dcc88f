package session

// DefaultHistorySize 是每个会话保留的执行历史条数。
const DefaultHistorySize = 100

// ring 是固定容量的环形缓冲区，写满后覆盖最旧的条目。
type ring struct {
	buf   []HistoryEntry
	start int
	size  int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &ring{buf: make([]HistoryEntry, capacity)}
}

func (r *ring) push(entry HistoryEntry) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = entry
		r.size++
		return
	}
	r.buf[r.start] = entry
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) entries() []HistoryEntry {
	out := make([]HistoryEntry, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
