// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"fmt"
	"io"
)

// unitReader serves reads for a single-unit file, one whose flags mark
// fileSingleUnit: the whole body is one encrypted/compressed blob rather
// than a sector sequence. The blob is materialized in
// full on first read and cached, since single-unit files in practice are
// small enough (icons, config blobs) that streaming them sector-wise
// brings no benefit.
type unitReader struct {
	archive  *Archive
	entry    *blockTableEntryEx
	fileKey  uint32
	keyKnown bool

	data  []byte
	ready bool
}

func newUnitReader(a *Archive, entry *blockTableEntryEx, fileKey uint32, keyKnown bool) *unitReader {
	return &unitReader{archive: a, entry: entry, fileKey: fileKey, keyKnown: keyKnown}
}

func (u *unitReader) materialize() error {
	if u.ready {
		return nil
	}

	entry := u.entry
	startOffset := uint64(0)
	dataLen := entry.CompressedSize

	if u.archive.header.Subtype == subtypeMPK {
		// MPK archives place the file payload 0x0C bytes past FilePos,
		// the space occupied by an MPK-specific sub-header this reader
		// does not otherwise interpret.
		startOffset = 0x0C
	}

	if err := u.archive.seekArchiveRelative(entry.getFilePos64() + startOffset); err != nil {
		return err
	}

	raw := make([]byte, dataLen)
	if _, err := io.ReadFull(u.archive.stream, raw); err != nil {
		return fmt.Errorf("read single-unit body: %w", err)
	}

	decoded, err := u.decode(raw, entry.FileSize)
	if err != nil {
		return err
	}

	u.data = decoded
	u.ready = true
	return nil
}

func (u *unitReader) decode(raw []byte, uncompressedSize uint32) ([]byte, error) {
	entry := u.entry

	if u.archive.header.Subtype == subtypeMPK {
		if cipher, ok := externalCiphers[CipherMPKTable]; ok {
			cipher.Decrypt(raw, u.fileKey)
		}
		if codec, ok := externalCodecs[mpkCodecTag]; ok {
			return runCodec(codec, raw, uncompressedSize)
		}
		return nil, fmt.Errorf("mpk single unit: %w", ErrNotSupported)
	}

	if entry.Flags&fileEncrypted != 0 {
		if !u.keyKnown {
			return nil, fmt.Errorf("%w", ErrUnknownFileKey)
		}
		decryptBytes(raw, u.fileKey)
	}

	if uint32(len(raw)) == uncompressedSize {
		return raw, nil
	}
	if entry.Flags&(fileCompress|fileImplode) == 0 {
		return raw, nil
	}
	return decompressData(raw, uncompressedSize)
}

// ReadAt serves a read of len(p) bytes at pos, materializing the whole
// file on first call.
func (u *unitReader) ReadAt(p []byte, pos int64) (int, error) {
	if err := u.materialize(); err != nil {
		return 0, err
	}
	if pos >= int64(len(u.data)) {
		return 0, io.EOF
	}
	return copy(p, u.data[pos:]), nil
}
