// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import "testing"

// buildIndexFixture constructs an Archive with only its hash table
// populated directly (no header, no stream), enough to exercise
// findFile's locale policies in isolation.
func buildIndexFixture(name string, locales []uint16) *Archive {
	const size = 8
	hashA := hashString(name, hashTypeNameA)
	hashB := hashString(name, hashTypeNameB)
	start := hashString(name, hashTypeTableOffset) & (size - 1)

	table := make([]hashTableEntry, size)
	for i := range table {
		table[i].BlockIndex = hashTableEmpty
	}
	for i, loc := range locales {
		table[(start+uint32(i))%size] = hashTableEntry{
			HashA: hashA, HashB: hashB, Locale: loc, BlockIndex: uint32(i),
		}
	}

	return &Archive{hashTable: table}
}

func TestFindFileLocaleExact(t *testing.T) {
	a := buildIndexFixture("unit.txt", []uint16{0x0409, 0x0000})

	res, ok := a.findFile("unit.txt", 0x0409, LocaleExact)
	if !ok || res.blockIndex != 0 {
		t.Fatalf("LocaleExact: got (%v, %v), want (0, true)", res.blockIndex, ok)
	}

	if _, ok := a.findFile("unit.txt", 0x0407, LocaleExact); ok {
		t.Errorf("LocaleExact matched a locale that isn't present")
	}
}

func TestFindFilePreferredThenNeutral(t *testing.T) {
	a := buildIndexFixture("unit.txt", []uint16{0x0000, 0x0407})

	res, ok := a.findFile("unit.txt", 0x0409, LocalePreferredThenNeutral)
	if !ok {
		t.Fatalf("expected fallback match")
	}
	slot := a.hashTable[0]
	for _, e := range a.hashTable {
		if e.BlockIndex == res.blockIndex {
			slot = e
		}
	}
	if slot.Locale != 0x0000 {
		t.Errorf("PreferredThenNeutral fell back to locale %#x, want neutral (0)", slot.Locale)
	}
}

func TestFindFileAny(t *testing.T) {
	a := buildIndexFixture("unit.txt", []uint16{0x0407})

	if _, ok := a.findFile("unit.txt", 0x0409, LocaleExact); ok {
		t.Fatalf("LocaleExact unexpectedly matched")
	}
	if _, ok := a.findFile("unit.txt", 0x0409, LocaleAny); !ok {
		t.Errorf("LocaleAny failed to match the only present locale")
	}
}

func TestFindFileNotPresent(t *testing.T) {
	a := buildIndexFixture("unit.txt", []uint16{0x0000})

	if _, ok := a.findFile("missing.txt", 0x0000, LocaleAny); ok {
		t.Errorf("found a name that was never inserted")
	}
}

// TestHetBucketAndVerifyUsesBothHalves pins down the fix for a bug where
// the verification byte and probe bucket were derived from nameHash1
// alone: two hashes sharing nameHash1 but differing in nameHash2 must
// produce different results, proving nameHash2 is not silently ignored.
func TestHetBucketAndVerifyUsesBothHalves(t *testing.T) {
	const hashTableSize = 1 << 20 // large enough that the two combined hashes land in different buckets
	const hashEntrySize = 64
	const hashMask = 0xFF

	const sharedHash1 = 0x12345678
	bucketA, verifyA := hetBucketAndVerify(sharedHash1, 0x00000001, hashTableSize, hashEntrySize, hashMask)
	bucketB, verifyB := hetBucketAndVerify(sharedHash1, 0xFEDCBA98, hashTableSize, hashEntrySize, hashMask)

	if bucketA == bucketB && verifyA == verifyB {
		t.Fatalf("hetBucketAndVerify(%#x, h2=...) ignored nameHash2: got (%d,%#x) for both inputs", sharedHash1, bucketA, verifyA)
	}
}

// TestHetBucketAndVerifyShiftNeverWraps covers a hashEntrySize value
// outside [8, 64]: it must fall back to the common hashEntrySize == 64
// behavior instead of wrapping an unsigned subtraction into a huge shift
// count, which previously collapsed every verification byte to the same
// reserved-then-bumped constant regardless of the input hash.
func TestHetBucketAndVerifyShiftNeverWraps(t *testing.T) {
	_, verifyZero := hetBucketAndVerify(0x11111111, 0x22222222, 16, 0, 0xFF)
	_, verifyOver := hetBucketAndVerify(0x11111111, 0x22222222, 16, 200, 0xFF)
	_, verifyNormal := hetBucketAndVerify(0x11111111, 0x22222222, 16, 64, 0xFF)

	if verifyZero != verifyNormal || verifyOver != verifyNormal {
		t.Errorf("hetBucketAndVerify did not fall back to the hashEntrySize=64 behavior for an invalid hashEntrySize: got zero=%#x over=%#x normal=%#x", verifyZero, verifyOver, verifyNormal)
	}
}

// TestHetBucketAndVerifyAvoidsReservedValues covers both sentinel bytes
// (0 means "never used", 0xFF means "deleted"): a legitimately computed
// verification byte must never collide with either.
func TestHetBucketAndVerifyAvoidsReservedValues(t *testing.T) {
	cases := []struct {
		h1, h2 uint32
	}{
		{0x00000000, 0x00000000},
		{0xFFFFFFFF, 0xFFFFFFFF},
	}
	for _, c := range cases {
		_, verify := hetBucketAndVerify(c.h1, c.h2, 16, 64, 0xFF)
		if verify == 0 || verify == 0xFF {
			t.Errorf("hetBucketAndVerify(%#x, %#x) = %#x, want neither 0 nor 0xFF", c.h1, c.h2, verify)
		}
	}
}

// buildHetBetFixture constructs an Archive with only its HET/BET pair
// populated, mirroring buildIndexFixture's approach for the classic
// table: compute the real bucket/verify pair for each name via
// hetBucketAndVerify and place it directly, without going through an
// on-disk archive.
func buildHetBetFixture(names []string) *Archive {
	const size = 32
	het := &hetTable{
		hashTableSize: size,
		hashEntrySize: 64,
		hashMask:      0xFF,
		indexTable:    make([]uint32, size),
		hashTable:     make([]byte, size),
	}
	bet := &betTable{entries: make([]betEntry, len(names))}

	for i, name := range names {
		h1, h2 := jenkinsHashlittle2([]byte(name), 0, 0)
		bucket, verify := hetBucketAndVerify(h1, h2, het.hashTableSize, het.hashEntrySize, het.hashMask)
		for het.hashTable[bucket] != 0 {
			bucket = (bucket + 1) % size
		}
		het.hashTable[bucket] = verify
		het.indexTable[bucket] = uint32(i)
		bet.entries[i] = betEntry{FileSize: uint64(i + 1), Flags: fileExists}
	}

	return &Archive{het: het, bet: bet}
}

func TestFindFileHetBetResolvesEachName(t *testing.T) {
	names := []string{"units\\footman.mdx", "interface.xml", "readme.txt"}
	a := buildHetBetFixture(names)

	for i, name := range names {
		res, ok := a.findFile(name, 0, LocaleAny)
		if !ok {
			t.Fatalf("findFile(%q) did not resolve via HET/BET", name)
		}
		if res.blockIndex != uint32(i) {
			t.Errorf("findFile(%q) = index %d, want %d", name, res.blockIndex, i)
		}
	}
}

func TestFindFileHetBetNotPresent(t *testing.T) {
	a := buildHetBetFixture([]string{"units\\footman.mdx"})
	if _, ok := a.findFile("missing.txt", 0, LocaleAny); ok {
		t.Errorf("findFile resolved a name that was never inserted into the HET/BET pair")
	}
}

func TestValidEntryRejectsUnknownFlags(t *testing.T) {
	entry := &blockTableEntryEx{blockTableEntry: blockTableEntry{Flags: fileExists | 0x40000000}}
	if validEntry(entry) {
		t.Errorf("validEntry accepted an entry with an unrecognized flag bit")
	}

	entry.Flags = fileExists | fileCompress
	if !validEntry(entry) {
		t.Errorf("validEntry rejected an entry with only recognized flags")
	}
}
