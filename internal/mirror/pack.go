package mirror

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
)

const (
	layerTargetSize = 5 * 1024 * 1024  // 5MB target
	layerMinSize    = 2 * 1024 * 1024  // 2MB minimum before combining
	layerSoftMax    = 10 * 1024 * 1024 // 10MB soft maximum
)

// PrefixInfo records the content hash of one digest prefix group and the
// layer that carries it, so unchanged groups are skipped on push and pull.
type PrefixInfo struct {
	Hash  string `json:"hash"`
	Layer string `json:"layer"`
}

// pack serializes a key/value set into the layer format:
// [key length 2B][key][value length 8B][value]... with keys sorted so the
// same set always produces the same bytes.
func pack(entries map[string][]byte) []byte {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	lenBuf := make([]byte, 8)

	for _, key := range keys {
		binary.BigEndian.PutUint16(lenBuf[:2], uint16(len(key)))
		buf.Write(lenBuf[:2])
		buf.WriteString(key)

		value := entries[key]
		binary.BigEndian.PutUint64(lenBuf, uint64(len(value)))
		buf.Write(lenBuf)
		buf.Write(value)
	}
	return buf.Bytes()
}

func unpack(data []byte) (map[string][]byte, error) {
	entries := make(map[string][]byte)
	buf := bytes.NewReader(data)

	for buf.Len() > 0 {
		var klen uint16
		if err := binary.Read(buf, binary.BigEndian, &klen); err != nil {
			return nil, fmt.Errorf("read key length: %w", err)
		}
		key := make([]byte, klen)
		if _, err := io.ReadFull(buf, key); err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}

		var vlen uint64
		if err := binary.Read(buf, binary.BigEndian, &vlen); err != nil {
			return nil, fmt.Errorf("read value length: %w", err)
		}
		if vlen > uint64(buf.Len()) {
			return nil, fmt.Errorf("truncated value for key %s", key)
		}
		value := make([]byte, vlen)
		if _, err := io.ReadFull(buf, value); err != nil {
			return nil, fmt.Errorf("read value: %w", err)
		}

		entries[string(key)] = value
	}
	return entries, nil
}

// groupByPrefix buckets blobs by the first two hex characters of their
// digest, mirroring the blob store's shard layout.
func groupByPrefix(blobs map[string][]byte) map[string]map[string][]byte {
	result := make(map[string]map[string][]byte)
	for digest, data := range blobs {
		prefix := extractPrefix(digest)
		if result[prefix] == nil {
			result[prefix] = make(map[string][]byte)
		}
		result[prefix][digest] = data
	}
	return result
}

func extractPrefix(digest string) string {
	if rest, ok := strings.CutPrefix(digest, "sha256:"); ok && len(rest) >= 2 {
		return rest[:2]
	}
	if len(digest) >= 2 {
		return digest[:2]
	}
	return "00"
}

// prefixHash fingerprints a prefix group by its sorted digests and sizes.
func prefixHash(blobs map[string][]byte) string {
	if len(blobs) == 0 {
		return ""
	}

	digests := make([]string, 0, len(blobs))
	for d := range blobs {
		digests = append(digests, d)
	}
	sort.Strings(digests)

	h := sha256.New()
	for _, d := range digests {
		h.Write([]byte(d))
		binary.Write(h, binary.BigEndian, int64(len(blobs[d])))
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

func prefixSize(blobs map[string][]byte) int64 {
	var total int64
	for _, data := range blobs {
		total += int64(len(data))
	}
	return total
}

// buildLayerPlan groups prefixes into layers near the target size. Small
// neighbors are combined; a single oversized prefix still gets its own layer.
func buildLayerPlan(prefixSizes map[string]int64) [][]string {
	prefixes := make([]string, 0, len(prefixSizes))
	for p := range prefixSizes {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)

	var layers [][]string
	var current []string
	var size int64

	for _, prefix := range prefixes {
		ps := prefixSizes[prefix]

		if len(current) == 0 {
			current = append(current, prefix)
			size = ps
			continue
		}

		newSize := size + ps
		if newSize <= layerSoftMax {
			current = append(current, prefix)
			size = newSize
		} else if size < layerMinSize && newSize <= 2*layerSoftMax {
			current = append(current, prefix)
			size = newSize
		} else {
			layers = append(layers, current)
			current = []string{prefix}
			size = ps
		}
	}

	if len(current) > 0 {
		layers = append(layers, current)
	}
	return layers
}

func collectPrefixBlobs(prefixes []string, byPrefix map[string]map[string][]byte) map[string][]byte {
	result := make(map[string][]byte)
	for _, prefix := range prefixes {
		for digest, data := range byPrefix[prefix] {
			result[digest] = data
		}
	}
	return result
}

func prefixSizes(byPrefix map[string]map[string][]byte) map[string]int64 {
	result := make(map[string]int64)
	for prefix, blobs := range byPrefix {
		result[prefix] = prefixSize(blobs)
	}
	return result
}
