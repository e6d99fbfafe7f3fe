// Package checkpoint reads TensorFlow V2 checkpoints (tensor bundles) and
// freezes their variables into a GraphDef of constants.
//
// A bundle is an index file ("<prefix>.index", a sorted string table of
// BundleEntryProto values) plus one or more data shards
// ("<prefix>.data-00000-of-00001") holding the raw tensor bytes.
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/x448/float16"

	"github.com/born-ml/stemconv/internal/pbwire"
	"github.com/born-ml/stemconv/internal/tensor"
	"github.com/born-ml/stemconv/internal/tfgraph"
)

// Field numbers of BundleHeaderProto and BundleEntryProto.
const (
	headerNumShards  = 1
	headerEndianness = 2

	entryDtype  = 1
	entryShape  = 2
	entryShard  = 3
	entryOffset = 4
	entrySize   = 5
	entryCRC    = 6
	entrySlices = 7
)

// Entry locates one tensor inside the data shards.
type Entry struct {
	Key    string
	DType  int32
	Shape  tensor.Shape
	Shard  int
	Offset int64
	Size   int64
	CRC32C uint32
}

// Bundle is an opened tensor bundle.
type Bundle struct {
	prefix    string
	numShards int
	entries   map[string]Entry
	keys      []string
}

// LatestPrefix returns the bundle prefix named by the "checkpoint" state
// file in dir. Relative paths are resolved against dir.
//
//nolint:gosec // G304: dir is the extracted model directory.
func LatestPrefix(dir string) (string, error) {
	f, err := os.Open(filepath.Join(dir, "checkpoint"))
	if err != nil {
		return "", fmt.Errorf("no checkpoint state file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		rest, ok := strings.CutPrefix(line, "model_checkpoint_path:")
		if !ok {
			continue
		}
		path, err := strconv.Unquote(strings.TrimSpace(rest))
		if err != nil {
			return "", fmt.Errorf("bad model_checkpoint_path %q: %w", rest, err)
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		return path, nil
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", errors.New("checkpoint state file has no model_checkpoint_path")
}

// Open reads the index of the bundle at prefix.
//
//nolint:gosec // G304: prefix comes from the checkpoint state file.
func Open(prefix string) (*Bundle, error) {
	data, err := os.ReadFile(prefix + ".index")
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle index: %w", err)
	}
	rows, err := readTable(data)
	if err != nil {
		return nil, fmt.Errorf("%s.index: %w", prefix, err)
	}

	b := &Bundle{prefix: prefix, numShards: 1, entries: make(map[string]Entry, len(rows))}
	for _, row := range rows {
		if row.key == "" {
			if b.numShards, err = decodeHeader(row.value); err != nil {
				return nil, fmt.Errorf("bundle header: %w", err)
			}
			continue
		}
		e, err := decodeEntry(row.key, row.value)
		if err != nil {
			return nil, fmt.Errorf("bundle entry %q: %w", row.key, err)
		}
		b.entries[e.Key] = e
		b.keys = append(b.keys, e.Key)
	}
	sort.Strings(b.keys)
	return b, nil
}

func decodeHeader(data []byte) (int, error) {
	r := pbwire.NewReader(data)
	shards := 1
	for {
		num, typ, err := r.Next()
		if errors.Is(err, io.EOF) {
			return shards, nil
		}
		if err != nil {
			return 0, err
		}
		switch num {
		case headerNumShards:
			var v uint64
			if v, err = r.Varint(); err == nil && v > 0 {
				shards = int(v) //nolint:gosec // G115: shard counts are small.
			}
		case headerEndianness:
			var v uint64
			if v, err = r.Varint(); err == nil && v != 0 {
				err = errors.New("big-endian bundles are not supported")
			}
		default:
			err = r.Skip(num, typ)
		}
		if err != nil {
			return 0, err
		}
	}
}

func decodeEntry(key string, data []byte) (Entry, error) {
	e := Entry{Key: key}
	r := pbwire.NewReader(data)
	for {
		num, typ, err := r.Next()
		if errors.Is(err, io.EOF) {
			return e, nil
		}
		if err != nil {
			return e, err
		}
		switch num {
		case entryDtype:
			e.DType, err = r.Int32()
		case entryShape:
			var sub *pbwire.Reader
			if sub, err = r.Message(); err == nil {
				var dims []int
				dims, err = tfgraph.DecodeShape(sub)
				e.Shape = dims
			}
		case entryShard:
			var v int64
			v, err = r.Int64()
			e.Shard = int(v)
		case entryOffset:
			e.Offset, err = r.Int64()
		case entrySize:
			e.Size, err = r.Int64()
		case entryCRC:
			e.CRC32C, err = r.Fixed32()
		case entrySlices:
			err = errors.New("partitioned variables are not supported")
		default:
			err = r.Skip(num, typ)
		}
		if err != nil {
			return e, err
		}
	}
}

// Keys returns the tensor names in sorted order.
func (b *Bundle) Keys() []string {
	return append([]string(nil), b.keys...)
}

// Entry returns the index entry for key.
func (b *Bundle) Entry(key string) (Entry, bool) {
	e, ok := b.entries[key]
	return e, ok
}

func (b *Bundle) shardPath(shard int) string {
	return fmt.Sprintf("%s.data-%05d-of-%05d", b.prefix, shard, b.numShards)
}

// Tensor reads and checksums one tensor. Half precision is widened to float32.
func (b *Bundle) Tensor(key string) (*tensor.RawTensor, error) {
	e, ok := b.entries[key]
	if !ok {
		return nil, fmt.Errorf("tensor %q not in bundle", key)
	}
	if e.Shard < 0 || e.Shard >= b.numShards {
		return nil, fmt.Errorf("tensor %q: shard %d out of range", key, e.Shard)
	}

	f, err := os.Open(b.shardPath(e.Shard))
	if err != nil {
		return nil, fmt.Errorf("tensor %q: %w", key, err)
	}
	defer f.Close()

	buf := make([]byte, e.Size)
	if _, err := f.ReadAt(buf, e.Offset); err != nil {
		return nil, fmt.Errorf("tensor %q: read %d bytes at %d: %w", key, e.Size, e.Offset, err)
	}
	if got := maskCRC(crc32.Checksum(buf, castagnoli)); got != e.CRC32C {
		return nil, fmt.Errorf("tensor %q: checksum mismatch", key)
	}
	return decodeData(e, buf)
}

func decodeData(e Entry, buf []byte) (*tensor.RawTensor, error) {
	switch e.DType {
	case tfgraph.DTFloat:
		return tensor.FromBytes(buf, e.Shape, tensor.Float32)
	case tfgraph.DTDouble:
		return tensor.FromBytes(buf, e.Shape, tensor.Float64)
	case tfgraph.DTInt32:
		return tensor.FromBytes(buf, e.Shape, tensor.Int32)
	case tfgraph.DTInt64:
		return tensor.FromBytes(buf, e.Shape, tensor.Int64)
	case tfgraph.DTHalf:
		n := e.Shape.NumElements()
		if len(buf) != 2*n {
			return nil, fmt.Errorf("tensor %q: %d bytes for %d half values", e.Key, len(buf), n)
		}
		values := make([]float32, n)
		for i := range values {
			values[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[2*i:])).Float32()
		}
		return tensor.FromFloat32(values, e.Shape)
	default:
		return nil, fmt.Errorf("tensor %q: unsupported dtype %d", e.Key, e.DType)
	}
}
