package file

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	errs "github.com/drblury/pentacore/internal/runtime/errors"
)

// Codec identifies how a frame payload is stored.
type Codec byte

const (
	CodecNone Codec = iota
	CodecLZ4
	CodecZstd
)

// ParseCodec maps a config value onto a Codec. The empty string means none.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	}
	return CodecNone, fmt.Errorf("file: unknown ledger compression %q", name)
}

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	}
	return fmt.Sprintf("codec(%d)", byte(c))
}

// Frame layout, big endian:
//
//	[4 stored length][4 crc32][1 codec][4 raw length][stored payload]
//
// The CRC covers the codec byte, the raw length and the stored payload.
const headerSize = 13

// maxFrameSize guards against reading a garbage length as a huge
// allocation.
const maxFrameSize = 64 << 20

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil)
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// encodeFrame compresses record with codec when that makes it smaller and
// returns the framed bytes.
func encodeFrame(codec Codec, record []byte) ([]byte, error) {
	stored, used, err := compress(codec, record)
	if err != nil {
		return nil, err
	}
	if len(stored) > maxFrameSize {
		return nil, fmt.Errorf("file: record of %d bytes exceeds frame limit", len(stored))
	}

	frame := make([]byte, headerSize+len(stored))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(stored)))
	frame[8] = byte(used)
	binary.BigEndian.PutUint32(frame[9:13], uint32(len(record)))
	copy(frame[headerSize:], stored)
	binary.BigEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(frame[8:]))
	return frame, nil
}

func compress(codec Codec, record []byte) ([]byte, Codec, error) {
	switch codec {
	case CodecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(record)))
		n, err := lz4.CompressBlock(record, dst, nil)
		if err != nil {
			return nil, CodecNone, fmt.Errorf("lz4 compress: %w", err)
		}
		// Zero means incompressible.
		if n == 0 || n >= len(record) {
			return record, CodecNone, nil
		}
		return dst[:n], CodecLZ4, nil
	case CodecZstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, CodecNone, err
		}
		out := enc.EncodeAll(record, nil)
		if len(out) >= len(record) {
			return record, CodecNone, nil
		}
		return out, CodecZstd, nil
	}
	return record, CodecNone, nil
}

// errTornFrame reports a frame cut short by EOF, as left by a crash during
// append.
var errTornFrame = fmt.Errorf("%w: torn frame", errs.ErrLedgerCorrupted)

// readFrame reads one frame from r. It returns io.EOF at a clean frame
// boundary and errTornFrame when the stream ends mid-frame.
func readFrame(r io.Reader) ([]byte, int64, error) {
	var header [headerSize]byte
	n, err := io.ReadFull(r, header[:])
	if err == io.EOF {
		return nil, 0, io.EOF
	}
	if err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, int64(n), errTornFrame
		}
		return nil, int64(n), err
	}

	storedLen := binary.BigEndian.Uint32(header[0:4])
	if storedLen > maxFrameSize {
		return nil, headerSize, fmt.Errorf("%w: frame length %d", errs.ErrLedgerCorrupted, storedLen)
	}
	stored := make([]byte, storedLen)
	m, err := io.ReadFull(r, stored)
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, int64(headerSize + m), errTornFrame
		}
		return nil, int64(headerSize + m), err
	}
	size := int64(headerSize) + int64(storedLen)

	crc := crc32.NewIEEE()
	_, _ = crc.Write(header[8:])
	_, _ = crc.Write(stored)
	if crc.Sum32() != binary.BigEndian.Uint32(header[4:8]) {
		return nil, size, fmt.Errorf("%w: checksum mismatch", errs.ErrLedgerCorrupted)
	}

	record, err := decompress(Codec(header[8]), stored, int(binary.BigEndian.Uint32(header[9:13])))
	if err != nil {
		return nil, size, err
	}
	return record, size, nil
}

func decompress(codec Codec, stored []byte, rawLen int) ([]byte, error) {
	switch codec {
	case CodecNone:
		return stored, nil
	case CodecLZ4:
		dst := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(stored, dst)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4 decompress: %v", errs.ErrLedgerCorrupted, err)
		}
		if n != rawLen {
			return nil, fmt.Errorf("%w: lz4 decompress: got %d bytes, expected %d", errs.ErrLedgerCorrupted, n, rawLen)
		}
		return dst, nil
	case CodecZstd:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		out, err := dec.DecodeAll(stored, make([]byte, 0, rawLen))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd decompress: %v", errs.ErrLedgerCorrupted, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown codec %d", errs.ErrLedgerCorrupted, codec)
}
