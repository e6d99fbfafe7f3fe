// Package checkpointtest writes small TensorFlow tensor bundles for tests.
package checkpointtest

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/snappy"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/born-ml/stemconv/internal/pbwire"
	"github.com/born-ml/stemconv/internal/tensor"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func mask(c uint32) uint32 {
	return ((c >> 15) | (c << 17)) + 0xa282ead8
}

// Options tune the generated bundle.
type Options struct {
	Prefix string // bundle prefix relative to dir; default "model"
	Snappy bool   // snappy-compress table blocks
}

// WriteBundle writes a single-shard bundle holding tensors plus the
// "checkpoint" state file pointing at it, and returns the bundle prefix.
func WriteBundle(t testing.TB, dir string, tensors map[string]*tensor.RawTensor, opts Options) string {
	t.Helper()
	if opts.Prefix == "" {
		opts.Prefix = "model"
	}
	prefix := filepath.Join(dir, opts.Prefix)

	keys := make([]string, 0, len(tensors))
	for k := range tensors {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var header pbwire.Writer
	header.Varint(1, 1) // num_shards

	rows := [][2][]byte{{nil, header.Bytes()}}
	var data []byte
	for _, k := range keys {
		tt := tensors[k]
		var e pbwire.Writer
		e.Varint(1, dtypeOf(tt.DType()))
		e.Message(2, func(s *pbwire.Writer) {
			for _, d := range tt.Shape() {
				s.Message(2, func(dim *pbwire.Writer) { dim.Int64(1, int64(d)) })
			}
		})
		e.Int64(4, int64(len(data)))
		e.Int64(5, int64(tt.ByteSize()))
		e.Fixed32(6, mask(crc32.Checksum(tt.Data(), castagnoli)))
		rows = append(rows, [2][]byte{[]byte(k), e.Bytes()})
		data = append(data, tt.Data()...)
	}

	require.NoError(t, os.WriteFile(prefix+".data-00000-of-00001", data, 0o644))
	require.NoError(t, os.WriteFile(prefix+".index", buildTable(rows, opts.Snappy), 0o644))
	state := "model_checkpoint_path: \"" + opts.Prefix + "\"\nall_model_checkpoint_paths: \"" + opts.Prefix + "\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checkpoint"), []byte(state), 0o644))
	return prefix
}

func dtypeOf(dt tensor.DataType) uint64 {
	switch dt {
	case tensor.Float64:
		return 2
	case tensor.Int32:
		return 3
	case tensor.Int64:
		return 9
	default:
		return 1
	}
}

// encodeBlock stores every key in full with a single restart point.
func encodeBlock(rows [][2][]byte) []byte {
	var b []byte
	for _, r := range rows {
		b = protowire.AppendVarint(b, 0)
		b = protowire.AppendVarint(b, uint64(len(r[0])))
		b = protowire.AppendVarint(b, uint64(len(r[1])))
		b = append(b, r[0]...)
		b = append(b, r[1]...)
	}
	b = binary.LittleEndian.AppendUint32(b, 0)
	return binary.LittleEndian.AppendUint32(b, 1)
}

func appendBlock(file, block []byte, compress bool) ([]byte, []byte) {
	kind := byte(0)
	if compress {
		block = snappy.Encode(nil, block)
		kind = 1
	}
	var handle []byte
	handle = protowire.AppendVarint(handle, uint64(len(file)))
	handle = protowire.AppendVarint(handle, uint64(len(block)))

	crc := crc32.Update(crc32.Checksum(block, castagnoli), castagnoli, []byte{kind})
	file = append(file, block...)
	file = append(file, kind)
	file = binary.LittleEndian.AppendUint32(file, mask(crc))
	return file, handle
}

func buildTable(rows [][2][]byte, compress bool) []byte {
	var file []byte
	file, dataHandle := appendBlock(file, encodeBlock(rows), compress)
	file, metaHandle := appendBlock(file, encodeBlock(nil), false)
	lastKey := rows[len(rows)-1][0]
	file, indexHandle := appendBlock(file, encodeBlock([][2][]byte{{lastKey, dataHandle}}), false)

	footer := append(append([]byte{}, metaHandle...), indexHandle...)
	footer = append(footer, make([]byte, 40-len(footer))...)
	footer = binary.LittleEndian.AppendUint64(footer, 0xdb4775248b80fb57)
	return append(file, footer...)
}
