package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/compress/snappy"
	"google.golang.org/protobuf/encoding/protowire"
)

// Sorted string table layout of a bundle index file.
const (
	footerLen      = 48
	tableMagic     = 0xdb4775248b80fb57
	blockTrailer   = 5
	noCompression  = 0
	snappyCompress = 1
	crcMaskDelta   = 0xa282ead8
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// maskCRC applies the leveldb CRC mask.
func maskCRC(c uint32) uint32 {
	return ((c >> 15) | (c << 17)) + crcMaskDelta
}

type blockHandle struct {
	offset, size uint64
}

func readHandle(b []byte) (blockHandle, int, error) {
	off, n1 := protowire.ConsumeVarint(b)
	if n1 < 0 {
		return blockHandle{}, 0, errors.New("bad block handle offset")
	}
	size, n2 := protowire.ConsumeVarint(b[n1:])
	if n2 < 0 {
		return blockHandle{}, 0, errors.New("bad block handle size")
	}
	return blockHandle{offset: off, size: size}, n1 + n2, nil
}

// readTable returns every key/value pair of an SSTable in key order.
func readTable(data []byte) ([]kv, error) {
	if len(data) < footerLen {
		return nil, fmt.Errorf("table too short: %d bytes", len(data))
	}
	footer := data[len(data)-footerLen:]
	if binary.LittleEndian.Uint64(footer[footerLen-8:]) != tableMagic {
		return nil, errors.New("bad table magic")
	}
	_, n, err := readHandle(footer) // metaindex, unused
	if err != nil {
		return nil, err
	}
	index, _, err := readHandle(footer[n:])
	if err != nil {
		return nil, err
	}

	indexBlock, err := readBlock(data, index)
	if err != nil {
		return nil, fmt.Errorf("index block: %w", err)
	}
	handles, err := blockEntries(indexBlock)
	if err != nil {
		return nil, fmt.Errorf("index block: %w", err)
	}

	var out []kv
	for _, h := range handles {
		bh, _, err := readHandle(h.value)
		if err != nil {
			return nil, err
		}
		block, err := readBlock(data, bh)
		if err != nil {
			return nil, fmt.Errorf("data block at %d: %w", bh.offset, err)
		}
		entries, err := blockEntries(block)
		if err != nil {
			return nil, fmt.Errorf("data block at %d: %w", bh.offset, err)
		}
		out = append(out, entries...)
	}
	return out, nil
}

// readBlock returns the verified, decompressed contents of a block.
func readBlock(data []byte, h blockHandle) ([]byte, error) {
	end := h.offset + h.size + blockTrailer
	if end > uint64(len(data)) || end < h.offset {
		return nil, fmt.Errorf("block [%d, %d) outside file of %d bytes", h.offset, end, len(data))
	}
	raw := data[h.offset : h.offset+h.size]
	trailer := data[h.offset+h.size : end]

	want := binary.LittleEndian.Uint32(trailer[1:])
	got := crc32.Update(crc32.Checksum(raw, castagnoli), castagnoli, trailer[:1])
	if maskCRC(got) != want {
		return nil, errors.New("block checksum mismatch")
	}

	switch trailer[0] {
	case noCompression:
		return raw, nil
	case snappyCompress:
		out, err := snappy.Decode(nil, raw)
		if err != nil {
			return nil, fmt.Errorf("snappy: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported block compression %d", trailer[0])
	}
}

type kv struct {
	key   string
	value []byte
}

// blockEntries decodes the prefix-compressed entries of a block. The
// restart array at the end of the block is only used to find where the
// entries stop.
func blockEntries(block []byte) ([]kv, error) {
	if len(block) < 4 {
		return nil, errors.New("block too short")
	}
	numRestarts := binary.LittleEndian.Uint32(block[len(block)-4:])
	if uint64(numRestarts) > uint64(len(block)-4)/4 {
		return nil, fmt.Errorf("block declares %d restarts", numRestarts)
	}
	limit := len(block) - 4 - 4*int(numRestarts)

	var out []kv
	var key []byte
	pos := 0
	for pos < limit {
		var hdr [3]uint64
		for i := range hdr {
			v, n := protowire.ConsumeVarint(block[pos:limit])
			if n < 0 {
				return nil, fmt.Errorf("bad entry header at %d", pos)
			}
			if v > uint64(len(block)) {
				return nil, fmt.Errorf("corrupt entry at %d", pos)
			}
			hdr[i] = v
			pos += n
		}
		shared, unshared, vlen := int(hdr[0]), int(hdr[1]), int(hdr[2])
		if shared > len(key) || pos+unshared+vlen > limit {
			return nil, fmt.Errorf("corrupt entry at %d", pos)
		}
		key = append(key[:shared], block[pos:pos+unshared]...)
		pos += unshared
		out = append(out, kv{key: string(key), value: block[pos : pos+vlen]})
		pos += vlen
	}
	return out, nil
}
