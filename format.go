// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Archive subtype, decided from the header magic.
type subtype int

const (
	subtypeMPQ subtype = iota
	subtypeMPK
	subtypeSQP
)

// MPQ format constants.
const (
	mpqMagic = 0x1A51504D // "MPQ\x1A"
	mpkMagic = 0x1A4B504D // "MPK\x1A"
	sqpMagic = 0x00505153 // "SQP\x00"

	// Format versions, as stored in the header's FormatVersion field.
	formatVersion1 = 0
	formatVersion2 = 1
	formatVersion3 = 2
	formatVersion4 = 3

	headerSizeV1 = 0x20
	headerSizeV2 = 0x2C
	headerSizeV3 = 0x44
	headerSizeV4 = 0xD0

	// Block table entry flags.
	fileImplode      = 0x00000100 // PKWARE DCL implode
	fileCompress     = 0x00000200 // multi-algorithm compression
	fileEncrypted    = 0x00010000
	fileFixKey       = 0x00020000 // key adjusted by block offset
	filePatchFile    = 0x00100000
	fileSingleUnit   = 0x01000000
	fileDeleteMarker = 0x02000000
	fileSectorCRC    = 0x04000000
	fileExists       = 0x80000000

	// validFlagsMask is the set of bits this reader understands. Any flag
	// outside this mask rejects the entry.
	validFlagsMask = fileImplode | fileCompress | fileEncrypted | fileFixKey |
		filePatchFile | fileSingleUnit | fileDeleteMarker | fileSectorCRC | fileExists

	hashTableEmpty   = 0xFFFFFFFF
	hashTableDeleted = 0xFFFFFFFE

	localeNeutral = 0x00000000

	defaultSectorSizeShift = 12
	defaultSectorSize      = 1 << defaultSectorSizeShift

	// sizeOfPatchInfo is the on-disk size of the fixed part of patchInfo
	// (Length, Flags, DataSize); the MD5 field, when present, is additional.
	sizeOfPatchInfo = 12
)

// Scope controls how OpenFile resolves a name.
type Scope int

const (
	// ScopeFromMPQ follows the archive's patch chain, if any.
	ScopeFromMPQ Scope = iota
	// ScopeBaseFile looks up in this archive only, ignoring any patch chain.
	ScopeBaseFile
	// ScopeAnyLocale uses the "any match wins" locale policy.
	ScopeAnyLocale
	// ScopeLocalFile opens a path directly on the filesystem.
	ScopeLocalFile
)

// LocalePolicy controls which locale-tagged copy of a file a lookup
// returns when more than one is present in the hash table.
type LocalePolicy int

const (
	// LocaleExact requires the slot's locale to equal the requested one.
	LocaleExact LocalePolicy = iota
	// LocalePreferredThenNeutral returns an exact match if any, else the
	// neutral-locale (0) copy, else the first match found.
	LocalePreferredThenNeutral
	// LocaleAny returns the first match found regardless of locale.
	LocaleAny
)

// PreferredLocale is the process-wide preferred locale used by
// ScopeFromMPQ lookups under LocalePreferredThenNeutral. This is
// deliberately unsynchronized process-global state, matching the
// source library's own single-integer global.
var PreferredLocale uint16 = localeNeutral

// baseHeader is the common V1 MPQ header (32 bytes).
type baseHeader struct {
	Magic            uint32
	HeaderSize       uint32
	ArchiveSize      uint32
	FormatVersion    uint16
	SectorSizeShift  uint16
	HashTableOffset  uint32
	BlockTableOffset uint32
	HashTableSize    uint32
	BlockTableSize   uint32
}

// headerV2Ext is the V2 extension (12 bytes): support for archives and
// hi-block offsets beyond 4 GiB.
type headerV2Ext struct {
	HiBlockTableOffset64 uint64
	HashTableOffsetHi    uint16
	BlockTableOffsetHi   uint16
}

// headerV3Ext is the V3 extension (24 bytes): 64-bit archive size and
// HET/BET table positions.
type headerV3Ext struct {
	ArchiveSize64  uint64
	BetTableOffset uint64
	HetTableOffset uint64
}

// headerV4Ext is the V4 extension: compressed sizes of each table plus
// raw chunk size and per-table MD5 digests used for raw-data integrity
// checking. RawChunkSize is parsed to keep subsequent reads aligned but
// never verified; the MD5 fields are likewise parsed and never checked.
type headerV4Ext struct {
	HashTableSize64    uint64
	BlockTableSize64   uint64
	HiBlockTableSize64 uint64
	HetTableSize64     uint64
	BetTableSize64     uint64
	RawChunkSize       uint32
	MD5BlockTable      [16]byte
	MD5HashTable       [16]byte
	MD5HiBlockTable    [16]byte
	MD5BetTable        [16]byte
	MD5HetTable        [16]byte
	MD5MpqHeader       [16]byte
}

// archiveHeader is the header normalised to its richest (V4) shape.
// ArchiveOffset is the stream position at which the
// header itself was found; every other offset in the header is relative
// to it, not to the start of the underlying stream.
type archiveHeader struct {
	baseHeader
	headerV2Ext
	headerV3Ext
	headerV4Ext

	ArchiveOffset uint64
	Subtype       subtype
}

func (h *archiveHeader) getHashTableOffset64() uint64 {
	if h.FormatVersion >= formatVersion2 {
		return uint64(h.HashTableOffset) | (uint64(h.HashTableOffsetHi) << 32)
	}
	return uint64(h.HashTableOffset)
}

func (h *archiveHeader) getBlockTableOffset64() uint64 {
	if h.FormatVersion >= formatVersion2 {
		return uint64(h.BlockTableOffset) | (uint64(h.BlockTableOffsetHi) << 32)
	}
	return uint64(h.BlockTableOffset)
}

func (h *archiveHeader) hasHetBet() bool {
	return h.FormatVersion >= formatVersion3 && h.HetTableOffset != 0 && h.BetTableOffset != 0
}

// hashTableEntry is a classic hash-table slot.
type hashTableEntry struct {
	HashA      uint32
	HashB      uint32
	Locale     uint16
	Platform   uint16
	BlockIndex uint32
}

// blockTableEntry is the low-32-bit-offset block table entry.
type blockTableEntry struct {
	FilePos        uint32
	CompressedSize uint32
	FileSize       uint32
	Flags          uint32
}

// blockTableEntryEx extends blockTableEntry with the hi-block table's
// high 16 bits of file position, for archives beyond 4 GiB.
type blockTableEntryEx struct {
	blockTableEntry
	FilePosHi uint16
}

func (b *blockTableEntryEx) getFilePos64() uint64 {
	return uint64(b.FilePos) | (uint64(b.FilePosHi) << 32)
}

// hetTable is the compact Hash Entry Table used by newer format versions.
// Each occupied bucket stores a short verification hash; indexTable maps
// the bucket to the index of the matching betTable record.
type hetTable struct {
	hashTableSize  uint32 // number of buckets
	totalFileCount uint32
	hashEntrySize  uint32 // bits per stored hash
	hashMask       uint8  // mask applied to the computed hash before storing
	indexTable     []uint32
	hashTable      []byte // one truncated verification hash byte per bucket
}

// betTable is the compact Block Entry Table paired with a hetTable. Field
// widths vary per archive in the real on-disk form (bit-packed, not
// byte-aligned); this reader decodes them once at open time into a fixed
// width Go slice, since nothing downstream needs the packed representation.
type betTable struct {
	fileCount uint32
	entries   []betEntry
}

type betEntry struct {
	FilePos        uint64
	FileSize       uint64
	CompressedSize uint64
	Flags          uint32
}

// readArchiveHeader reads the MPQ/MPK/SQP header from r, which must be
// positioned at the start of the header (see findArchiveHeader). It
// normalises the result to the richest (V4) shape.
func readArchiveHeader(r io.ReadSeeker, archiveOffset uint64, magic uint32) (*archiveHeader, error) {
	h := &archiveHeader{ArchiveOffset: archiveOffset}

	switch magic {
	case mpqMagic:
		h.Subtype = subtypeMPQ
	case mpkMagic:
		h.Subtype = subtypeMPK
	case sqpMagic:
		h.Subtype = subtypeSQP
	default:
		return nil, fmt.Errorf("read header: %w", ErrNotSupported)
	}

	if err := binary.Read(r, binary.LittleEndian, &h.baseHeader); err != nil {
		return nil, fmt.Errorf("read base header: %w", err)
	}
	h.baseHeader.Magic = magic

	if h.FormatVersion >= formatVersion2 && h.HeaderSize >= headerSizeV2 {
		if err := binary.Read(r, binary.LittleEndian, &h.headerV2Ext); err != nil {
			return nil, fmt.Errorf("read v2 header: %w", err)
		}
	}
	if h.FormatVersion >= formatVersion3 && h.HeaderSize >= headerSizeV3 {
		if err := binary.Read(r, binary.LittleEndian, &h.headerV3Ext); err != nil {
			return nil, fmt.Errorf("read v3 header: %w", err)
		}
	}
	if h.FormatVersion >= formatVersion4 && h.HeaderSize >= headerSizeV4 {
		if err := binary.Read(r, binary.LittleEndian, &h.headerV4Ext); err != nil {
			return nil, fmt.Errorf("read v4 header: %w", err)
		}
	}

	return h, nil
}

// findArchiveHeader scans r for an MPQ/MPK/SQP header at sector-aligned
// (0x200-byte) offsets from the start of the stream. This supports
// archives embedded after arbitrary leading bytes, such as
// an MPQ appended to a self-extracting executable.
func findArchiveHeader(r io.ReadSeeker) (*archiveHeader, error) {
	const scanStep = 0x200

	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("seek to end: %w", err)
	}

	var magicBuf [4]byte
	for offset := int64(0); offset+4 <= size; offset += scanStep {
		if _, err := r.Seek(offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek to candidate header: %w", err)
		}
		if _, err := io.ReadFull(r, magicBuf[:]); err != nil {
			break
		}
		magic := binary.LittleEndian.Uint32(magicBuf[:])
		if magic != mpqMagic && magic != mpkMagic && magic != sqpMagic {
			continue
		}

		if _, err := r.Seek(offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek to header: %w", err)
		}
		header, err := readArchiveHeader(r, uint64(offset), magic)
		if err != nil {
			continue
		}
		return header, nil
	}

	return nil, fmt.Errorf("find header: %w", ErrFileNotFound)
}

func readUint32Array(r io.Reader, data []uint32) error {
	return binary.Read(r, binary.LittleEndian, data)
}

func readUint16Array(r io.Reader, data []uint16) error {
	return binary.Read(r, binary.LittleEndian, data)
}
