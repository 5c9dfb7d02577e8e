// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// compressionTag identifies the compression algorithm used for a
// sealed payload. The tag is the first byte of the plaintext frame
// handed to age, so changing these values breaks decryption of
// existing penalties.
type compressionTag uint8

const (
	// compressionNone indicates uncompressed data. Used when the
	// payload is incompressible (already-compressed images, short
	// strings).
	compressionNone compressionTag = 0

	// compressionLZ4 indicates LZ4 block compression. The default for
	// attachment bytes, where decode speed matters more than ratio.
	compressionLZ4 compressionTag = 1

	// compressionZstd indicates zstd compression at the default
	// level. Used for penalty text, which compresses well.
	compressionZstd compressionTag = 2
)

// frameHeaderSize is the overhead of a sealed frame before the
// compressed bytes: 1-byte tag plus a 4-byte big-endian uncompressed
// length.
const frameHeaderSize = 5

// zstdEncoder and zstdDecoder are reused across calls. Both are safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("vault: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("vault: zstd decoder initialization failed: " + err.Error())
	}
}

// compressFrame compresses data with the requested algorithm and
// prefixes the result with the tag and the uncompressed length. If
// the compressed output is not smaller than the input, the frame
// falls back to compressionNone so decompression never inflates.
func compressFrame(data []byte, tag compressionTag) ([]byte, error) {
	compressed, err := compress(data, tag)
	if err != nil {
		return nil, err
	}
	if compressed == nil || len(compressed) >= len(data) {
		tag = compressionNone
		compressed = data
	}

	frame := make([]byte, frameHeaderSize+len(compressed))
	frame[0] = byte(tag)
	binary.BigEndian.PutUint32(frame[1:frameHeaderSize], uint32(len(data)))
	copy(frame[frameHeaderSize:], compressed)
	return frame, nil
}

// decompressFrame reverses compressFrame. The uncompressed length in
// the header must match the decoded output exactly.
func decompressFrame(frame []byte) ([]byte, error) {
	if len(frame) < frameHeaderSize {
		return nil, fmt.Errorf("sealed frame is %d bytes, minimum is %d", len(frame), frameHeaderSize)
	}
	tag := compressionTag(frame[0])
	size := int(binary.BigEndian.Uint32(frame[1:frameHeaderSize]))
	compressed := frame[frameHeaderSize:]

	switch tag {
	case compressionNone:
		if len(compressed) != size {
			return nil, fmt.Errorf("uncompressed frame: size %d does not match header %d", len(compressed), size)
		}
		return compressed, nil

	case compressionLZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(compressed, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return destination, nil

	case compressionZstd:
		result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// compress runs the raw algorithm. A nil result with nil error means
// the algorithm judged the data incompressible.
func compress(data []byte, tag compressionTag) ([]byte, error) {
	switch tag {
	case compressionNone:
		return nil, nil

	case compressionLZ4:
		bound := lz4.CompressBlockBound(len(data))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		// CompressBlock returns 0 for incompressible input.
		if written == 0 {
			return nil, nil
		}
		return destination[:written], nil

	case compressionZstd:
		return zstdEncoder.EncodeAll(data, nil), nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}
