// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"compress/bzip2"
	"encoding/binary"
	"fmt"
	"io"
)

// patchInfo is the fixed header preceding a patch file's payload,
// immediately followed by DataSize bytes of payload tagged with a
// leading 4-byte ASCII format code ("COPY" or "BSD0").
type patchInfo struct {
	Length   uint32
	Flags    uint32
	DataSize uint32
	MD5      [16]byte
}

const patchInfoMD5Present = 0x80000000

// readPatchInfo reads a patchInfo header from r, positioned at the start
// of a patch file entry's data.
func readPatchInfo(r io.Reader) (*patchInfo, error) {
	var fixed struct {
		Length   uint32
		Flags    uint32
		DataSize uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &fixed); err != nil {
		return nil, fmt.Errorf("read patch info: %w", err)
	}

	pi := &patchInfo{Length: fixed.Length, Flags: fixed.Flags, DataSize: fixed.DataSize}
	if pi.Flags&patchInfoMD5Present != 0 {
		if err := binary.Read(r, binary.LittleEndian, &pi.MD5); err != nil {
			return nil, fmt.Errorf("read patch info md5: %w", err)
		}
	}
	return pi, nil
}

// openFromPatchChain resolves name through a's patch chain: find the
// lowest archive carrying the file without the patch-file flag (the
// base), then reapply every patch layered above it in order.
func openFromPatchChain(a *Archive, name string, policy LocalePolicy) (*FileHandle, error) {
	normalized := normalizeName(name)

	_, baseArchive, ok := resolveBaseArchive(a, normalized)
	if !ok {
		return nil, fmt.Errorf("mpq: open %s: %w", name, ErrFileNotFound)
	}

	data, err := baseArchive.ExtractFile(name, ScopeBaseFile)
	if err != nil {
		return nil, fmt.Errorf("mpq: open %s: %w", name, err)
	}

	// Walk from baseArchive back up to a, applying every patch layer that
	// also carries the file, in base-to-top order.
	var chain []*Archive
	for cur := a; cur != baseArchive; cur = cur.patchNext {
		chain = append([]*Archive{cur}, chain...)
	}

	for _, layer := range chain {
		res, ok := layer.findFile(normalized, PreferredLocale, policy)
		if !ok {
			continue
		}
		entry := layer.blockTable[res.blockIndex]
		if entry.Flags&filePatchFile == 0 {
			continue
		}

		patched, err := applyPatchLayer(layer, &entry, name, data)
		if err != nil {
			return nil, fmt.Errorf("mpq: patch %s: %w", name, err)
		}
		data = patched
	}

	return &FileHandle{
		archive: a,
		name:    name,
		size:    int64(len(data)),
		patched: data,
	}, nil
}

// resolveBaseArchive walks a's patch chain from the top archive down,
// returning the first (lowest) archive where name is present without the
// patch-file flag.
func resolveBaseArchive(a *Archive, normalizedName string) (lookupResult, *Archive, bool) {
	for cur := a; cur != nil; cur = cur.patchNext {
		res, ok := cur.findFile(normalizedName, PreferredLocale, LocalePreferredThenNeutral)
		if !ok {
			continue
		}
		entry := cur.blockTable[res.blockIndex]
		if entry.Flags&filePatchFile != 0 {
			continue
		}
		return res, cur, true
	}
	return lookupResult{}, nil, false
}

// applyPatchLayer reads the patch payload for entry in layer and applies
// it to base, returning the patched file content. The patch's own
// declared DataSize/Length govern the result; a single-unit patch entry's
// compressed data starts with a patchInfo header.
func applyPatchLayer(layer *Archive, entry *blockTableEntryEx, name string, base []byte) ([]byte, error) {
	if err := layer.seekArchiveRelative(entry.getFilePos64()); err != nil {
		return nil, err
	}

	raw := make([]byte, entry.CompressedSize)
	if _, err := io.ReadFull(layer.stream, raw); err != nil {
		return nil, fmt.Errorf("read patch payload: %w", err)
	}

	if entry.Flags&fileEncrypted != 0 {
		key := getFileKey(name, entry.getFilePos64(), entry.FileSize, entry.Flags)
		decryptBytes(raw, key)
	}

	r := bytes.NewReader(raw)
	pi, err := readPatchInfo(r)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, pi.DataSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read patch payload body: %w", err)
	}

	if len(payload) < 4 {
		return nil, fmt.Errorf("patch payload: %w", ErrFileCorrupt)
	}
	tag := string(payload[0:4])
	body := payload[4:]

	switch tag {
	case "COPY":
		return append([]byte(nil), body...), nil
	case "BSD0":
		return applyBSD0Patch(base, body)
	default:
		return nil, fmt.Errorf("patch tag %q: %w", tag, ErrNotSupported)
	}
}

// applyBSD0Patch applies a bsdiff-style delta: three bzip2-compressed
// streams (control, diff, extra) replayed against base, the same
// algorithm as classic BSDIFF40 but framed with the MPQ patch-info header
// instead of BSDIFF40's own magic/size header. Adapted from the
// control/diff/extra replay loop used by Go bsdiff implementations.
func applyBSD0Patch(base, body []byte) ([]byte, error) {
	if len(body) < 24 {
		return nil, fmt.Errorf("bsd0 header: %w", ErrFileCorrupt)
	}

	ctrlLen := offtin(body[0:8])
	diffLen := offtin(body[8:16])
	newSize := offtin(body[16:24])

	rest := body[24:]
	if ctrlLen < 0 || diffLen < 0 || ctrlLen > int64(len(rest)) || diffLen > int64(len(rest)) {
		return nil, fmt.Errorf("bsd0 header: %w", ErrFileCorrupt)
	}

	ctrlStream := rest[:ctrlLen]
	diffStream := rest[ctrlLen : ctrlLen+diffLen]
	extraStream := rest[ctrlLen+diffLen:]

	ctrlReader := bzip2.NewReader(bytes.NewReader(ctrlStream))
	diffReader := bzip2.NewReader(bytes.NewReader(diffStream))
	extraReader := bzip2.NewReader(bytes.NewReader(extraStream))

	out := make([]byte, 0, newSize)
	var oldPos, newPos int64

	for newPos < newSize {
		var triple [3]int64
		for i := range triple {
			var buf [8]byte
			if _, err := io.ReadFull(ctrlReader, buf[:]); err != nil {
				return nil, fmt.Errorf("bsd0 control: %w", err)
			}
			triple[i] = offtin(buf[:])
		}
		diffCount, extraCount, oldSkip := triple[0], triple[1], triple[2]

		if diffCount < 0 || newPos+diffCount > newSize {
			return nil, fmt.Errorf("bsd0 diff length: %w", ErrFileCorrupt)
		}
		diffChunk := make([]byte, diffCount)
		if _, err := io.ReadFull(diffReader, diffChunk); err != nil {
			return nil, fmt.Errorf("bsd0 diff: %w", err)
		}
		for i := range diffChunk {
			if oldPos+int64(i) >= 0 && oldPos+int64(i) < int64(len(base)) {
				diffChunk[i] += base[oldPos+int64(i)]
			}
		}
		out = append(out, diffChunk...)
		newPos += diffCount
		oldPos += diffCount

		if extraCount < 0 || newPos+extraCount > newSize {
			return nil, fmt.Errorf("bsd0 extra length: %w", ErrFileCorrupt)
		}
		extraChunk := make([]byte, extraCount)
		if _, err := io.ReadFull(extraReader, extraChunk); err != nil {
			return nil, fmt.Errorf("bsd0 extra: %w", err)
		}
		out = append(out, extraChunk...)
		newPos += extraCount

		oldPos += oldSkip
	}

	return out, nil
}

// offtin decodes an 8-byte little-endian bsdiff control value. These are
// not two's-complement: the high bit of the last byte is a separate sign
// flag over a 63-bit magnitude, so a plain little-endian uint64 read turns
// every negative control value (routine for oldSkip, which seeks backward
// through base far more often than forward) into a huge positive one.
func offtin(buf []byte) int64 {
	y := int64(buf[7] & 0x7F)
	y = y*256 + int64(buf[6])
	y = y*256 + int64(buf[5])
	y = y*256 + int64(buf[4])
	y = y*256 + int64(buf[3])
	y = y*256 + int64(buf[2])
	y = y*256 + int64(buf[1])
	y = y*256 + int64(buf[0])

	if buf[7]&0x80 != 0 {
		y = -y
	}
	return y
}
