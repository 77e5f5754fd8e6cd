// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

/*
Package mpq provides pure Go support for reading MPQ (Mo'PaQ) archives.

MPQ is an archive format created by Blizzard Entertainment, used in games like
Diablo, StarCraft, and World of Warcraft. This package reads format versions 1
through 4, the MPK and SQP header variants, encrypted and multi-compressed
file data, and patch archive chains.

# Features

  - Pure Go implementation - no CGO or external dependencies
  - Read-only: opens archives without ever writing to them
  - Support for MPQ format V1 through V4, including HET/BET indexing
  - Classic hash+block table and HET/BET lookup, whichever an archive carries
  - Zlib and bzip2 sector/single-unit decompression, with pluggable hooks
    for the proprietary codecs (PKWare implode, Huffman, ADPCM, Sparse, LZMA)
    and ciphers (the secondary block cipher, the MPK table cipher)
  - Patch chains: opening a patched archive transparently applies every
    layer above a file's base copy

# Basic Usage

Reading an archive:

	archive, err := mpq.Open("game.mpq")
	if err != nil {
		log.Fatal(err)
	}
	defer archive.Close()

	if archive.HasFile("Data\\file.txt", mpq.ScopeFromMPQ) {
		data, err := archive.ExtractFile("Data\\file.txt", mpq.ScopeFromMPQ)
		if err != nil {
			log.Fatal(err)
		}
		_ = data
	}

Reading a patch chain, newest archive first:

	archive, err := mpq.OpenPatched("patch-2.mpq", "patch-1.mpq", "base.mpq")
	if err != nil {
		log.Fatal(err)
	}
	defer archive.Close()

	fh, err := archive.OpenFile("Data\\file.txt", mpq.ScopeFromMPQ)
	if err != nil {
		log.Fatal(err)
	}
	defer fh.Close()

# Path Conventions

MPQ archives use backslash (\) as the path separator. This package
automatically converts forward slashes to backslashes, so both formats work:

	archive.OpenFile("Data\\SubDir\\file.txt", mpq.ScopeFromMPQ) // Native MPQ form
	archive.OpenFile("Data/SubDir/file.txt", mpq.ScopeFromMPQ)   // Also works

# Scope and Locale

Every lookup operation takes a [Scope], which controls whether it follows a
patch chain (ScopeFromMPQ), looks only at the archive it was called on
(ScopeBaseFile), matches any locale (ScopeAnyLocale), or reads straight off
the local filesystem (ScopeLocalFile). The package-level [PreferredLocale]
variable sets which locale-tagged copy of a file LocalePreferredThenNeutral
lookups prefer.

# Limitations

This package focuses on reading the subset of MPQ functionality actually
exercised by released game archives:

  - No write or mutation of archives - adding, removing, renaming, or
    compacting files is out of scope
  - No verification of raw-data MD5 chunks or the (signature) special file
  - PKWare implode, Huffman, ADPCM, Sparse and LZMA compression, and the
    secondary block cipher / MPK table cipher, require a caller-supplied
    [Codec] or [Cipher] registered with [RegisterCodec] / [RegisterCipher];
    none are implemented in this package since their bitstreams are
    proprietary to Blizzard's own binaries
*/
package mpq
