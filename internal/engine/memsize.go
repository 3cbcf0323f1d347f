package engine

// estimateSize returns a rough byte cost for a cell value, used only as the
// memstat allocation signal for backpressure. It is a heuristic, not an
// exact accounting: the goal is a number that grows and shrinks with real
// task output size, not a precise live-heap count (Go gives no portable
// allocator hook without cgo, per internal/memstat's package doc).
func estimateSize(v any) uint64 {
	const wordSize = 8

	switch x := v.(type) {
	case nil:
		return 0
	case string:
		return uint64(len(x))
	case []byte:
		return uint64(len(x))
	case bool:
		return 1
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return wordSize
	case []any:
		var n uint64
		for _, e := range x {
			n += estimateSize(e)
		}
		return n
	case map[string]any:
		var n uint64
		for k, e := range x {
			n += uint64(len(k)) + estimateSize(e)
		}
		return n
	default:
		// Fallback for task-graph types (e.g. TaskHandle) and anything else
		// not worth reflecting over: a fixed word-sized estimate, the same
		// order of magnitude as a pointer or small struct.
		return wordSize
	}
}
