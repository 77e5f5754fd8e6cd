// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// wellKnownHashTableKey and wellKnownBlockTableKey are the fixed
// decryption keys for the classic hash and block tables, derived once
// from their literal names. These never vary between archives; StormLib
// and every other MPQ implementation hardcode the same two values.
var (
	wellKnownHashTableKey  = hashString("(hash table)", hashTypeFileKey)
	wellKnownBlockTableKey = hashString("(block table)", hashTypeFileKey)
)

// Archive is an opened MPQ/MPK/SQP archive. The zero value is not usable;
// construct one with Open. An Archive is not safe for concurrent use
// across goroutines without external synchronization: callers that need
// concurrent access should open the same path multiple times.
type Archive struct {
	stream io.ReadSeeker
	closer io.Closer

	header *archiveHeader

	hashTable  []hashTableEntry
	blockTable []blockTableEntryEx

	het *hetTable
	bet *betTable

	// malformed records whether a salvage rule fired while loading this
	// archive's tables.
	malformed bool

	// patchNext is the next archive down the patch chain, towards the
	// base file, or nil if this archive has no lower layer. Walking
	// patchNext from the archive callers opened reaches the base archive
	// that actually holds each file's unpatched bytes.
	patchNext *Archive
	// isChainRoot is true for the archive callers opened directly; false
	// for archives only reachable by following patchNext, which matters
	// for Close ownership (see Close).
	isChainRoot bool
}

// Open opens the archive at path in read-only mode. It scans for the
// header at sector-aligned offsets so archives embedded after arbitrary
// leading bytes - such as an MPQ appended to a self-extracting installer
// - are found correctly.
func Open(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mpq: open %s: %w", path, err)
	}

	a, err := openStream(f, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	a.isChainRoot = true
	return a, nil
}

// OpenPatched opens the archive at path and links it as the top of a
// patch chain whose lower layers are the archives at basePaths, given in
// top-to-base order: basePaths[0] is the patch immediately below path,
// and the last entry is the original base archive. The returned
// Archive's operations see the fully patched view of every file.
func OpenPatched(path string, basePaths ...string) (*Archive, error) {
	top, err := Open(path)
	if err != nil {
		return nil, err
	}

	cur := top
	for _, p := range basePaths {
		next, err := Open(p)
		if err != nil {
			top.Close()
			return nil, err
		}
		next.isChainRoot = false
		cur.patchNext = next
		cur = next
	}

	return top, nil
}

func openStream(r io.ReadSeeker, closer io.Closer) (*Archive, error) {
	header, err := findArchiveHeader(r)
	if err != nil {
		return nil, fmt.Errorf("mpq: %w", err)
	}

	a := &Archive{
		stream: r,
		closer: closer,
		header: header,
	}

	if header.hasHetBet() {
		if err := a.loadHetBet(); err != nil {
			return nil, fmt.Errorf("mpq: load het/bet: %w", err)
		}
	}

	// Classic tables are loaded even when HET/BET is present: callers can
	// still enumerate by classic index, and index.go's lookup only prefers
	// HET/BET, it doesn't require the classic tables to be absent.
	if header.HashTableSize > 0 {
		if err := a.loadHashTable(); err != nil {
			return nil, fmt.Errorf("mpq: load hash table: %w", err)
		}
	}
	if header.BlockTableSize > 0 {
		if err := a.loadBlockTable(); err != nil {
			return nil, fmt.Errorf("mpq: load block table: %w", err)
		}
	}

	return a, nil
}

func (a *Archive) seekArchiveRelative(offset uint64) error {
	_, err := a.stream.Seek(int64(a.header.ArchiveOffset+offset), io.SeekStart)
	return err
}

func (a *Archive) archiveSize() uint64 {
	if a.header.FormatVersion >= formatVersion3 && a.header.ArchiveSize64 != 0 {
		return a.header.ArchiveSize64
	}
	return uint64(a.header.ArchiveSize)
}

func (a *Archive) loadHashTable() error {
	h := a.header
	offset := h.getHashTableOffset64()

	maxEntries := uint32((a.archiveSize() - offset) / 16)
	size := h.HashTableSize
	if size > maxEntries {
		size = maxEntries
	}

	if err := a.seekArchiveRelative(offset); err != nil {
		return err
	}

	raw := make([]uint32, size*4)
	if err := readUint32Array(a.stream, raw); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	decryptBlock(raw, wellKnownHashTableKey)

	a.hashTable = make([]hashTableEntry, size)
	for i := range a.hashTable {
		a.hashTable[i] = hashTableEntry{
			HashA:      raw[i*4+0],
			HashB:      raw[i*4+1],
			Locale:     uint16(raw[i*4+2]),
			Platform:   uint16(raw[i*4+2] >> 16),
			BlockIndex: raw[i*4+3],
		}
	}

	if size < h.HashTableSize {
		a.malformed = true
	}
	return nil
}

func (a *Archive) loadBlockTable() error {
	h := a.header
	offset := h.getBlockTableOffset64()

	maxEntries := uint32((a.archiveSize() - offset) / 16)
	size := h.BlockTableSize
	if size > maxEntries {
		size = maxEntries
	}

	if err := a.seekArchiveRelative(offset); err != nil {
		return err
	}

	raw := make([]uint32, size*4)
	if err := readUint32Array(a.stream, raw); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	decryptBlock(raw, wellKnownBlockTableKey)

	a.blockTable = make([]blockTableEntryEx, size)
	for i := range a.blockTable {
		a.blockTable[i].FilePos = raw[i*4+0]
		a.blockTable[i].CompressedSize = raw[i*4+1]
		a.blockTable[i].FileSize = raw[i*4+2]
		a.blockTable[i].Flags = raw[i*4+3]
	}

	if h.HiBlockTableOffset64 != 0 {
		if err := a.loadHiBlockTable(); err != nil {
			return fmt.Errorf("hi-block table: %w", err)
		}
	}

	if size < h.BlockTableSize {
		a.malformed = true
	}
	return nil
}

func (a *Archive) loadHiBlockTable() error {
	if err := a.seekArchiveRelative(a.header.HiBlockTableOffset64); err != nil {
		return err
	}

	hi := make([]uint16, len(a.blockTable))
	if err := readUint16Array(a.stream, hi); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	for i := range a.blockTable {
		a.blockTable[i].FilePosHi = hi[i]
	}
	return nil
}

// loadHetBet reads and decompresses the HET and BET tables. Unlike the
// classic tables, these are stored compressed (zlib) rather than
// encrypted with a fixed key.
func (a *Archive) loadHetBet() error {
	h := a.header

	if err := a.seekArchiveRelative(h.HetTableOffset); err != nil {
		return err
	}
	hetBuf, err := a.readCompressedTable()
	if err != nil {
		return fmt.Errorf("het: %w", err)
	}
	het, err := parseHetTable(hetBuf)
	if err != nil {
		return fmt.Errorf("het: %w", err)
	}
	a.het = het

	if err := a.seekArchiveRelative(h.BetTableOffset); err != nil {
		return err
	}
	betBuf, err := a.readCompressedTable()
	if err != nil {
		return fmt.Errorf("bet: %w", err)
	}
	bet, err := parseBetTable(betBuf)
	if err != nil {
		return fmt.Errorf("bet: %w", err)
	}
	a.bet = bet

	return nil
}

// tableHeader precedes each of the HET/BET blobs: a small common header
// giving the signature, version, compressed/uncompressed size.
type tableHeader struct {
	Signature        uint32
	Version          uint32
	DataSize         uint32
	TableSize        uint32
}

func (a *Archive) readCompressedTable() ([]byte, error) {
	var th tableHeader
	if err := binary.Read(a.stream, binary.LittleEndian, &th); err != nil {
		return nil, fmt.Errorf("read table header: %w", err)
	}

	remaining := int(th.DataSize) - 16
	if remaining < 0 {
		return nil, fmt.Errorf("table header size: %w", ErrFileCorrupt)
	}
	body := make([]byte, remaining)
	if _, err := io.ReadFull(a.stream, body); err != nil {
		return nil, fmt.Errorf("read table body: %w", err)
	}

	if uint32(len(body)) == th.TableSize {
		// Stored uncompressed.
		return body, nil
	}
	return decompressData(append([]byte{compressionZlib}, body...), th.TableSize)
}

func parseHetTable(data []byte) (*hetTable, error) {
	var fixed struct {
		TableSize      uint32
		HashTableSize  uint32
		TotalFileCount uint32
		HashEntrySize  uint32
		TotalHashSize  uint32
		HashEntrySizeB uint32
		IndexSize      uint32
		IndexSizeTotal uint32
		ExtraBytes     uint32
	}
	const fixedSize = 36
	if len(data) < fixedSize {
		return nil, ErrFileCorrupt
	}
	r := newByteReader(data)
	if err := binary.Read(r, binary.LittleEndian, &fixed); err != nil {
		return nil, err
	}

	het := &hetTable{
		hashTableSize:  fixed.HashTableSize,
		totalFileCount: fixed.TotalFileCount,
		hashEntrySize:  fixed.HashEntrySize,
		hashMask:       byte(0xFF >> (8 - fixed.HashEntrySizeB%8)),
	}
	if het.hashMask == 0 {
		het.hashMask = 0xFF
	}

	het.hashTable = make([]byte, fixed.HashTableSize)
	if err := readFull(r, het.hashTable); err != nil {
		return nil, err
	}

	indexBytes := make([]byte, fixed.IndexSizeTotal)
	if err := readFull(r, indexBytes); err != nil {
		return nil, err
	}
	het.indexTable = unpackBitfield(indexBytes, fixed.HashTableSize, fixed.IndexSize)

	return het, nil
}

func parseBetTable(data []byte) (*betTable, error) {
	var fixed struct {
		TableSize         uint32
		FileCount         uint32
		Unknown08         uint32
		TableEntrySize    uint32
		BitIndexFilePos   uint32
		BitIndexFileSize  uint32
		BitIndexCmpSize   uint32
		BitIndexFlagIndex uint32
		BitCountFilePos   uint32
		BitCountFileSize  uint32
		BitCountCmpSize   uint32
		BitCountFlagIndex uint32
		TotalBetHashSize  uint32
		BetHashSizeExtra  uint32
		BetHashSize       uint32
		BetHashArraySize  uint32
		FlagCount         uint32
	}
	const fixedSize = 68
	if len(data) < fixedSize {
		return nil, ErrFileCorrupt
	}
	r := newByteReader(data)
	if err := binary.Read(r, binary.LittleEndian, &fixed); err != nil {
		return nil, err
	}

	flags := make([]uint32, fixed.FlagCount)
	if err := readUint32Array(r, flags); err != nil {
		return nil, err
	}

	entryBits := fixed.BitCountFilePos + fixed.BitCountFileSize + fixed.BitCountCmpSize + fixed.BitCountFlagIndex
	entryBytes := (entryBits + 7) / 8
	table := make([]byte, uint64(entryBytes)*uint64(fixed.FileCount))
	if err := readFull(r, table); err != nil {
		return nil, err
	}

	bet := &betTable{fileCount: fixed.FileCount, entries: make([]betEntry, fixed.FileCount)}
	for i := range bet.entries {
		rec := extractBitfieldRecord(table, uint64(i)*uint64(entryBits), entryBits)
		pos, size, csize, flagIdx := splitBetRecord(rec, fixed.BitCountFilePos, fixed.BitCountFileSize, fixed.BitCountCmpSize, fixed.BitCountFlagIndex)

		var flagBits uint32
		if int(flagIdx) < len(flags) {
			flagBits = flags[flagIdx]
		}
		bet.entries[i] = betEntry{
			FilePos:        pos,
			FileSize:       size,
			CompressedSize: csize,
			Flags:          flagBits,
		}
	}

	return bet, nil
}

// Close releases the archive's underlying file handle, and those of every
// archive below it in the patch chain that this Archive itself opened
// (i.e. everything opened transitively by OpenPatched). An archive the
// caller opened independently and linked in by hand keeps its own
// lifetime and is left open.
func (a *Archive) Close() error {
	var firstErr error
	if a.closer != nil {
		if err := a.closer.Close(); err != nil {
			firstErr = err
		}
	}
	if a.patchNext != nil && !a.patchNext.isChainRoot {
		if err := a.patchNext.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IsMalformed reports whether a salvage rule fired while opening the
// archive: an oversized table was shrunk to fit the stream rather than
// failing the open outright.
func (a *Archive) IsMalformed() bool {
	return a.malformed
}
