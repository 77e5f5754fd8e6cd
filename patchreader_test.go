// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

func TestReadPatchInfoNoMD5(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(12))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint32(8))
	buf.WriteString("COPYabcd")

	pi, err := readPatchInfo(&buf)
	if err != nil {
		t.Fatalf("readPatchInfo: %v", err)
	}
	if pi.Length != 12 || pi.DataSize != 8 || pi.Flags != 0 {
		t.Errorf("readPatchInfo = %+v, want Length=12 DataSize=8 Flags=0", pi)
	}

	rest := make([]byte, 8)
	if _, err := buf.Read(rest); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if string(rest) != "COPYabcd" {
		t.Errorf("unexpected leftover payload: %q", rest)
	}
}

func TestReadPatchInfoWithMD5(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(28))
	binary.Write(&buf, binary.LittleEndian, uint32(patchInfoMD5Present))
	binary.Write(&buf, binary.LittleEndian, uint32(4))
	var md5 [16]byte
	for i := range md5 {
		md5[i] = byte(i)
	}
	buf.Write(md5[:])

	pi, err := readPatchInfo(&buf)
	if err != nil {
		t.Fatalf("readPatchInfo: %v", err)
	}
	if pi.Flags&patchInfoMD5Present == 0 {
		t.Fatalf("readPatchInfo lost the MD5-present flag")
	}
	if pi.MD5 != md5 {
		t.Errorf("readPatchInfo MD5 = %x, want %x", pi.MD5, md5)
	}
}

func TestApplyPatchLayerCOPY(t *testing.T) {
	var buf bytes.Buffer
	body := []byte("replacement file contents")
	payload := append([]byte("COPY"), body...)

	binary.Write(&buf, binary.LittleEndian, uint32(12+len(payload)))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint32(len(payload)))
	buf.Write(payload)

	layer := newTestArchive(buf.Bytes())
	entry := &blockTableEntryEx{blockTableEntry: blockTableEntry{
		FilePos: 0, CompressedSize: uint32(buf.Len()), Flags: fileExists | filePatchFile,
	}}

	got, err := applyPatchLayer(layer, entry, "unit.txt", []byte("original contents"))
	if err != nil {
		t.Fatalf("applyPatchLayer: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("applyPatchLayer(COPY) = %q, want %q", got, body)
	}
}

func TestApplyPatchLayerUnknownTag(t *testing.T) {
	var buf bytes.Buffer
	payload := append([]byte("ZZZZ"), []byte("whatever")...)

	binary.Write(&buf, binary.LittleEndian, uint32(12+len(payload)))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint32(len(payload)))
	buf.Write(payload)

	layer := newTestArchive(buf.Bytes())
	entry := &blockTableEntryEx{blockTableEntry: blockTableEntry{
		FilePos: 0, CompressedSize: uint32(buf.Len()), Flags: fileExists | filePatchFile,
	}}

	if _, err := applyPatchLayer(layer, entry, "unit.txt", nil); err == nil {
		t.Fatalf("applyPatchLayer accepted an unrecognized patch tag")
	}
}

// TestOpenFromPatchChainEndToEnd covers scenario 4: a base archive holding
// v1 of a file, with a patch archive on top carrying a COPY-tagged patch
// entry for the same name. Opening through the chain (ScopeFromMPQ) must
// return v2's bytes and size.
func TestOpenFromPatchChainEndToEnd(t *testing.T) {
	v1 := []byte("interface v1")
	v2 := []byte("interface v2, patched")

	baseData := buildFixtureBytes([]fixtureFile{{name: "interface.xml", data: v1}})
	base, err := openStream(bytes.NewReader(baseData), nil)
	if err != nil {
		t.Fatalf("openStream base: %v", err)
	}
	defer base.Close()

	patchPayload := buildPatchFixture(v2)
	topData := buildFixtureBytes([]fixtureFile{{name: "interface.xml", data: patchPayload}})
	top, err := openStream(bytes.NewReader(topData), nil)
	if err != nil {
		t.Fatalf("openStream top: %v", err)
	}
	defer top.Close()
	for i := range top.blockTable {
		top.blockTable[i].Flags |= filePatchFile
	}
	top.patchNext = base

	fh, err := top.OpenFile("interface.xml", ScopeFromMPQ)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer fh.Close()

	if fh.GetFileSize() != int64(len(v2)) {
		t.Errorf("GetFileSize = %d, want %d", fh.GetFileSize(), len(v2))
	}

	got := make([]byte, fh.GetFileSize())
	if _, err := io.ReadFull(fh, got); err != nil {
		t.Fatalf("read patched file: %v", err)
	}
	if !bytes.Equal(got, v2) {
		t.Errorf("patched read = %q, want %q", got, v2)
	}
}

func TestOfftin(t *testing.T) {
	cases := []struct {
		name string
		buf  [8]byte
		want int64
	}{
		{"zero", [8]byte{0, 0, 0, 0, 0, 0, 0, 0}, 0},
		{"positive", [8]byte{2, 0, 0, 0, 0, 0, 0, 0}, 2},
		{"negative", [8]byte{3, 0, 0, 0, 0, 0, 0, 0x80}, -3},
		{"negative large", [8]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, -0x7FFFFFFFFFFFFFFF},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := offtin(c.buf[:]); got != c.want {
				t.Errorf("offtin(%x) = %d, want %d", c.buf, got, c.want)
			}
		})
	}
}

// bsd0TestCtrl, bsd0TestDiff and bsd0TestExtra are bzip2-compressed BSD0
// control/diff/extra streams for a two-triple patch whose first control
// triple carries a negative oldSkip (-3), precomputed offline since
// compress/bzip2 only decompresses. The control stream decodes (via
// offtin) to the six values (diffCount=2, extraCount=1, oldSkip=-3,
// diffCount=2, extraCount=0, oldSkip=0); replaying it against the base
// "ABCDEFGH" yields "BCXYA".
var bsd0TestCtrl = []byte{0x42, 0x5a, 0x68, 0x39, 0x31, 0x41, 0x59, 0x26, 0x53, 0x59, 0xfe, 0x08, 0xf0, 0x12, 0x00, 0x00, 0x08, 0xe0, 0x40, 0x78, 0x00, 0x08, 0x00, 0x40, 0x00, 0x20, 0x00, 0x30, 0xc0, 0x06, 0x27, 0xa2, 0x01, 0x04, 0x99, 0x70, 0x47, 0x7c, 0x5d, 0xc9, 0x14, 0xe1, 0x42, 0x43, 0xf8, 0x23, 0xc0, 0x48}
var bsd0TestDiff = []byte{0x42, 0x5a, 0x68, 0x39, 0x31, 0x41, 0x59, 0x26, 0x53, 0x59, 0xec, 0x08, 0x61, 0x65, 0x00, 0x00, 0x00, 0xc2, 0x00, 0x60, 0x00, 0x00, 0x20, 0x20, 0x00, 0x21, 0x98, 0x19, 0x84, 0x74, 0x2e, 0xe4, 0x8a, 0x70, 0xa1, 0x21, 0xd8, 0x10, 0xc2, 0xca}
var bsd0TestExtra = []byte{0x42, 0x5a, 0x68, 0x39, 0x31, 0x41, 0x59, 0x26, 0x53, 0x59, 0xef, 0x68, 0x06, 0xf4, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x40, 0x20, 0x00, 0x21, 0x18, 0x46, 0x82, 0xee, 0x48, 0xa7, 0x0a, 0x12, 0x1d, 0xed, 0x00, 0xde, 0x80}

// TestApplyBSD0PatchNegativeOldSkip covers the case a plain little-endian
// uint64 header read gets wrong: a control triple whose oldSkip is
// negative, which offtin's sign-magnitude decoding must still recover.
func TestApplyBSD0PatchNegativeOldSkip(t *testing.T) {
	base := []byte("ABCDEFGH")

	var body bytes.Buffer
	body.Write([]byte{0x30, 0, 0, 0, 0, 0, 0, 0}) // ctrlLen = 48, offtin-encoded
	body.Write([]byte{0x28, 0, 0, 0, 0, 0, 0, 0}) // diffLen = 40, offtin-encoded
	body.Write([]byte{0x05, 0, 0, 0, 0, 0, 0, 0}) // newSize = 5, offtin-encoded
	body.Write(bsd0TestCtrl)
	body.Write(bsd0TestDiff)
	body.Write(bsd0TestExtra)

	got, err := applyBSD0Patch(base, body.Bytes())
	if err != nil {
		t.Fatalf("applyBSD0Patch: %v", err)
	}
	if want := "BCXYA"; string(got) != want {
		t.Errorf("applyBSD0Patch = %q, want %q", got, want)
	}
}

func TestResolveBaseArchiveSkipsPatchEntries(t *testing.T) {
	base := openFixture(t, []fixtureFile{{name: "unit.txt", data: []byte("base data")}})
	defer base.Close()

	top := openFixture(t, []fixtureFile{{name: "unit.txt", data: []byte("patch marker")}})
	defer top.Close()
	// Mark the top archive's copy as a patch file so resolution skips it
	// and falls through to base.
	for i := range top.blockTable {
		top.blockTable[i].Flags |= filePatchFile
	}
	top.patchNext = base

	_, resolved, ok := resolveBaseArchive(top, "unit.txt")
	if !ok {
		t.Fatalf("resolveBaseArchive did not find the base copy")
	}
	if resolved != base {
		t.Errorf("resolveBaseArchive resolved to the wrong archive")
	}
}
