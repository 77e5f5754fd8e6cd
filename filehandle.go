// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

func readLocalFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// FileHandle is an open file within an archive, analogous to a TMPQFile
// handle in the source library. It satisfies io.ReadSeeker. A FileHandle
// is not safe for concurrent use; open a separate handle per goroutine.
type FileHandle struct {
	archive *Archive
	name    string

	blockIndex uint32
	entry      blockTableEntryEx
	fileKey    uint32
	keyKnown   bool

	position int64
	size     int64

	sectors *sectorReader
	unit    *unitReader
	patched []byte // fully materialized content, when resolved through a patch chain
}

// OpenFile resolves name within a and returns a handle for reading it.
// scope selects how the lookup behaves:
//
//   - ScopeFromMPQ follows a's patch chain, if any, applying every patch
//     layered on top of the base file before returning.
//   - ScopeBaseFile looks up in a only, ignoring any patch chain.
//   - ScopeAnyLocale uses LocaleAny instead of a's normal locale policy.
//   - ScopeLocalFile opens name directly from the local filesystem,
//     bypassing the archive entirely.
func (a *Archive) OpenFile(name string, scope Scope) (*FileHandle, error) {
	if scope == ScopeLocalFile {
		return openLocalFile(name)
	}

	policy := LocalePreferredThenNeutral
	if scope == ScopeAnyLocale {
		policy = LocaleAny
	}

	if scope == ScopeFromMPQ && a.patchNext != nil {
		return openFromPatchChain(a, name, policy)
	}

	return a.openOwnFile(name, policy)
}

func (a *Archive) openOwnFile(name string, policy LocalePolicy) (*FileHandle, error) {
	if blockIndex, ok := parsePseudoName(name); ok {
		if blockIndex >= uint32(len(a.blockTable)) {
			return nil, fmt.Errorf("mpq: open %s: %w", name, ErrFileNotFound)
		}
		// No real filename is known for a pseudo-name open, so the file
		// key (if any) must come from content-based detection rather than
		// being derived from a name.
		return a.openByIndex("", blockIndex)
	}

	res, ok := a.findFile(normalizeName(name), PreferredLocale, policy)
	if !ok {
		return nil, fmt.Errorf("mpq: open %s: %w", name, ErrFileNotFound)
	}
	return a.openByIndex(name, res.blockIndex)
}

func (a *Archive) openByIndex(name string, blockIndex uint32) (*FileHandle, error) {
	if blockIndex >= uint32(len(a.blockTable)) {
		return nil, fmt.Errorf("mpq: %w", ErrInvalidParameter)
	}
	entry := a.blockTable[blockIndex]
	if !validEntry(&entry) {
		return nil, fmt.Errorf("mpq: %w", ErrNotSupported)
	}
	if entry.Flags&fileDeleteMarker != 0 {
		return nil, fmt.Errorf("mpq: open %s: %w", name, ErrFileNotFound)
	}

	fh := &FileHandle{
		archive:    a,
		name:       name,
		blockIndex: blockIndex,
		entry:      entry,
		size:       int64(entry.FileSize),
	}

	if entry.Flags&fileEncrypted != 0 {
		if name != "" {
			fh.fileKey = getFileKey(name, entry.getFilePos64(), entry.FileSize, entry.Flags)
			fh.keyKnown = true
		}
	}

	if entry.Flags&fileSingleUnit != 0 {
		fh.unit = newUnitReader(a, &fh.entry, fh.fileKey, fh.keyKnown)
	} else {
		var err error
		fh.sectors, err = newSectorReader(a, &fh.entry, fh.fileKey, fh.keyKnown)
		if err != nil {
			return nil, fmt.Errorf("mpq: open %s: %w", name, err)
		}
	}

	return fh, nil
}

func openLocalFile(path string) (*FileHandle, error) {
	data, err := readLocalFile(path)
	if err != nil {
		return nil, fmt.Errorf("mpq: open local file %s: %w", path, err)
	}
	return &FileHandle{
		name:    path,
		size:    int64(len(data)),
		patched: data,
	}, nil
}

// Read implements io.Reader, advancing the handle's file pointer.
func (fh *FileHandle) Read(p []byte) (int, error) {
	if fh.position >= fh.size {
		return 0, io.EOF
	}

	n, err := fh.readAt(fh.position, p)
	fh.position += int64(n)
	return n, err
}

func (fh *FileHandle) readAt(pos int64, p []byte) (int, error) {
	if pos >= fh.size {
		return 0, io.EOF
	}

	maxLen := fh.size - pos
	if int64(len(p)) > maxLen {
		p = p[:maxLen]
	}

	switch {
	case fh.patched != nil:
		return copy(p, fh.patched[pos:]), nil
	case fh.unit != nil:
		return fh.unit.ReadAt(p, pos)
	case fh.sectors != nil:
		return fh.sectors.ReadAt(p, pos)
	default:
		return 0, fmt.Errorf("mpq: %w", ErrInvalidHandle)
	}
}

// Seek implements io.Seeker. It is the Go-idiomatic form of the source
// library's SetFilePointer; SetFilePointer below is kept as a thin
// StormLib-flavoured alias for callers porting code from that API shape.
func (fh *FileHandle) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = fh.position + offset
	case io.SeekEnd:
		newPos = fh.size + offset
	default:
		return 0, fmt.Errorf("mpq: seek: %w", ErrInvalidParameter)
	}
	if newPos < 0 {
		return 0, fmt.Errorf("mpq: seek: %w", ErrInvalidParameter)
	}
	// Archive member sizes are bounded to 32 bits on the wire; a seek
	// target that overflows that range is rejected rather than silently
	// truncated.
	if newPos > 0xFFFFFFFF {
		return 0, fmt.Errorf("mpq: seek: %w", ErrInvalidParameter)
	}
	fh.position = newPos
	return fh.position, nil
}

// SetFilePointer is an alias for Seek matching the source library's name.
func (fh *FileHandle) SetFilePointer(offset int64, whence int) (int64, error) {
	return fh.Seek(offset, whence)
}

// GetFileSize returns the file's uncompressed size.
func (fh *FileHandle) GetFileSize() int64 {
	return fh.size
}

// Close releases resources held by the handle. Local files have nothing
// to release; archive members hold no handle-private OS resources either,
// since the underlying archive stream is owned by the Archive, not the
// FileHandle, but Close is provided for symmetry with the source API and
// to let a future resource (e.g. a decompression buffer pool) attach here
// without an API change.
func (fh *FileHandle) Close() error {
	return nil
}

// ExtractFile reads the entire file in one call, a convenience wrapper
// around a fresh handle's Read loop.
func (a *Archive) ExtractFile(name string, scope Scope) ([]byte, error) {
	fh, err := a.OpenFile(name, scope)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	data := make([]byte, fh.GetFileSize())
	if _, err := io.ReadFull(fh, data); err != nil && err != io.EOF {
		return nil, fmt.Errorf("mpq: extract %s: %w", name, err)
	}
	return data, nil
}

// HasFile reports whether name exists in the archive (or, for
// ScopeFromMPQ, anywhere in its patch chain), without opening it.
func (a *Archive) HasFile(name string, scope Scope) bool {
	if blockIndex, ok := parsePseudoName(name); ok {
		if blockIndex >= uint32(len(a.blockTable)) {
			return false
		}
		return validEntry(&a.blockTable[blockIndex])
	}

	if scope == ScopeFromMPQ && a.patchNext != nil {
		_, _, ok := resolveBaseArchive(a, normalizeName(name))
		return ok
	}

	policy := LocalePreferredThenNeutral
	if scope == ScopeAnyLocale {
		policy = LocaleAny
	}
	_, ok := a.findFile(normalizeName(name), PreferredLocale, policy)
	return ok
}

// EnumLocales returns every locale under which name is present in the
// classic hash table. It returns ErrNotSupported for archives indexed
// only by HET/BET, which do not carry locale information per entry.
func (a *Archive) EnumLocales(name string) ([]uint16, error) {
	if a.het != nil {
		return nil, fmt.Errorf("mpq: enum locales: %w", ErrNotSupported)
	}

	size := uint32(len(a.hashTable))
	if size == 0 {
		return nil, fmt.Errorf("mpq: enum locales: %w", ErrFileNotFound)
	}

	normalized := normalizeName(name)
	hashA := hashString(normalized, hashTypeNameA)
	hashB := hashString(normalized, hashTypeNameB)
	start := hashString(normalized, hashTypeTableOffset) & (size - 1)

	var locales []uint16
	for i := uint32(0); i < size; i++ {
		slot := &a.hashTable[(start+i)%size]
		if slot.BlockIndex == hashTableEmpty {
			break
		}
		if slot.BlockIndex == hashTableDeleted {
			continue
		}
		if slot.HashA == hashA && slot.HashB == hashB {
			locales = append(locales, slot.Locale)
		}
	}

	if len(locales) == 0 {
		return nil, fmt.Errorf("mpq: enum locales: %w", ErrFileNotFound)
	}
	return locales, nil
}

// normalizeName converts name to the archive's canonical path form:
// backslash separators. The classic hash functions already treat '/' and
// '\' as equivalent; the Jenkins hash used for HET/BET lookups does not.
func normalizeName(name string) string {
	return strings.ReplaceAll(filepath.ToSlash(name), "/", "\\")
}
