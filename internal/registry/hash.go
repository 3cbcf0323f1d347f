package registry

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/cespare/xxhash/v2"

	"turbotasks/internal/task"
)

// ArgHasher lets a task-graph-native argument type (engine.TaskHandle and
// any future type like it) supply its own canonical byte representation
// for hashing, bypassing JSON round-tripping. This matters for types that
// carry unexported identity fields: encoding/json silently drops
// unexported fields, so two structurally different values of such a type
// would otherwise marshal to the same "{}" and hash identically.
type ArgHasher interface {
	HashArg() []byte
}

// HashArgs computes a deterministic 128-bit digest of a task function's
// arguments: two independent xxhash sums over the same canonical encoding,
// one with a fixed alternate seed. If args implements ArgHasher, its
// HashArg() bytes are hashed directly instead of going through JSON.
func HashArgs(args any) (task.ArgHash, error) {
	canon, err := canonicalBytes(args)
	if err != nil {
		return task.ArgHash{}, err
	}

	var out task.ArgHash
	lo := xxhash.New()
	lo.Write(canon)
	hi := xxhash.NewWithSeed(0x9e3779b97f4a7c15)
	hi.Write(canon)

	putUint64(out[0:8], lo.Sum64())
	putUint64(out[8:16], hi.Sum64())
	return out, nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

// canonicalBytes returns the bytes HashArgs hashes: an ArgHasher's own
// representation if it provides one, otherwise the canonical JSON
// encoding.
func canonicalBytes(v any) ([]byte, error) {
	if h, ok := v.(ArgHasher); ok {
		return h.HashArg(), nil
	}
	return canonicalize(v)
}

// canonicalize produces a key-sorted JSON encoding so that structurally
// equal arguments (maps in particular) always hash identically regardless
// of construction order.
func canonicalize(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// normalize round-trips v through JSON so maps come back as
// map[string]any (Go's encoding/json already sorts map keys on marshal,
// but we re-marshal here to fold any custom MarshalJSON implementations
// into one canonical shape before hashing).
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return sortedCopy(generic), nil
}

func sortedCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(val))
		for _, k := range keys {
			out[k] = sortedCopy(val[k])
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = sortedCopy(e)
		}
		return out
	default:
		return val
	}
}
