// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"compress/bzip2"
	"compress/zlib"
	"fmt"
	"hash/adler32"
	"io"
)

// Compression type tags, taken from the leading byte of a compressed
// sector or single-unit payload. Several of these are combined as a
// bitmask for multi-compression payloads (Sparse/Huffman layered on top
// of a primary codec).
const (
	compressionHuffman   = 0x01
	compressionZlib      = 0x02
	compressionPKWare    = 0x08
	compressionBzip2     = 0x10
	compressionSparse    = 0x20
	compressionADPCMMono = 0x40
	compressionADPCM     = 0x80
	compressionLZMA      = 0x12
)

// Codec decompresses one buffer. Implementations are registered per
// compression tag via RegisterCodec; the tags named above are consumed
// directly by decompressData, external ones are looked up in the
// registry.
type Codec interface {
	Decompress(dst, src []byte) (n int, err error)
}

// CodecFunc adapts a plain function to the Codec interface.
type CodecFunc func(dst, src []byte) (int, error)

// Decompress implements Codec.
func (f CodecFunc) Decompress(dst, src []byte) (int, error) { return f(dst, src) }

// Cipher decrypts one 4-byte-word-aligned block in place.
type Cipher interface {
	Decrypt(data []byte, key uint32)
}

// externalCodecs holds registrations for codec families left external to
// the core: PKWARE implode, Huffman, ADPCM, Sparse, LZMA, and the
// dedicated MPK codec. None are registered by default; decompressData
// returns ErrNotSupported for a tag with no registration.
var externalCodecs = map[byte]Codec{}

// externalCiphers holds registrations for cipher families left external:
// the secondary (Anubis/Serpent) block cipher and the MPK table cipher.
var externalCiphers = map[string]Cipher{}

// RegisterCodec installs a decoder for a compression tag not implemented
// by this package (PKWARE implode = compressionPKWare, Huffman =
// compressionHuffman, ADPCM = compressionADPCMMono/compressionADPCM,
// Sparse = compressionSparse, LZMA = compressionLZMA, or the dedicated MPK
// codec under the reserved tag 0xFF). Call before opening an archive that
// needs it.
func RegisterCodec(tag byte, c Codec) {
	externalCodecs[tag] = c
}

// mpkCodecTag is a reserved, non-overlapping tag used to register the MPK
// variant's dedicated codec; it is never read from disk.
const mpkCodecTag = 0xFF

// Named cipher registration keys for RegisterCipher.
const (
	CipherSecondary = "secondary" // Anubis/Serpent
	CipherMPKTable  = "mpk-table"
)

// RegisterCipher installs a Cipher for one of the named external cipher
// roles (CipherSecondary, CipherMPKTable).
func RegisterCipher(name string, c Cipher) {
	externalCiphers[name] = c
}

// adler32Sum computes the Adler-32 checksum used for sector and
// single-unit CRC verification, delegating to the standard library
// implementation of the same well-known algorithm.
func adler32Sum(data []byte) uint32 {
	return adler32.Checksum(data)
}

// decompressData decompresses one MPQ-compressed buffer (a sector payload
// or a single-unit file body). The leading byte is the compression tag;
// for multi-compression archives it may be a bitmask of several codecs
// applied in sequence, decompressed here in the reverse order.
func decompressData(data []byte, uncompressedSize uint32) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("decompress: %w", ErrFileCorrupt)
	}

	tag := data[0]
	payload := data[1:]

	switch tag {
	case compressionZlib:
		return decompressZlib(payload, uncompressedSize)
	case compressionBzip2:
		return decompressBzip2(payload, uncompressedSize)
	}

	if codec, ok := externalCodecs[tag]; ok {
		return runCodec(codec, payload, uncompressedSize)
	}

	// Multi-compression: apply registered/primary codecs in reverse order.
	result := payload
	applied := false

	if tag&compressionBzip2 != 0 {
		decoded, err := decompressBzip2(result, uncompressedSize)
		if err != nil {
			return nil, fmt.Errorf("multi bzip2: %w", err)
		}
		result = decoded
		applied = true
	} else if tag&compressionZlib != 0 {
		decoded, err := decompressZlib(result, uncompressedSize)
		if err != nil {
			return nil, fmt.Errorf("multi zlib: %w", err)
		}
		result = decoded
		applied = true
	} else if tag&compressionPKWare != 0 {
		if codec, ok := externalCodecs[compressionPKWare]; ok {
			decoded, err := runCodec(codec, result, uncompressedSize)
			if err != nil {
				return nil, fmt.Errorf("multi pkware: %w", err)
			}
			result = decoded
			applied = true
		}
	}

	for _, bit := range []byte{compressionSparse, compressionHuffman, compressionADPCMMono, compressionADPCM} {
		if tag&bit == 0 {
			continue
		}
		codec, ok := externalCodecs[bit]
		if !ok {
			return nil, fmt.Errorf("decompress tag 0x%02X: %w", tag, ErrNotSupported)
		}
		decoded, err := runCodec(codec, result, uncompressedSize)
		if err != nil {
			return nil, fmt.Errorf("decompress tag 0x%02X: %w", bit, err)
		}
		result = decoded
		applied = true
	}

	if !applied {
		return nil, fmt.Errorf("decompress tag 0x%02X: %w", tag, ErrNotSupported)
	}
	return result, nil
}

func runCodec(codec Codec, src []byte, uncompressedSize uint32) ([]byte, error) {
	dst := make([]byte, uncompressedSize)
	n, err := codec.Decompress(dst, src)
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	return dst[:n], nil
}

func decompressZlib(data []byte, uncompressedSize uint32) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("zlib: %w", ErrFileCorrupt)
	}
	defer r.Close()

	result := make([]byte, uncompressedSize)
	n, err := io.ReadFull(r, result)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("zlib: %w", ErrFileCorrupt)
	}

	return result[:n], nil
}

func decompressBzip2(data []byte, uncompressedSize uint32) ([]byte, error) {
	r := bzip2.NewReader(bytes.NewReader(data))

	result := make([]byte, uncompressedSize)
	n, err := io.ReadFull(r, result)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("bzip2: %w", ErrFileCorrupt)
	}

	return result[:n], nil
}
