// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"errors"
	"io"
)

// Sentinel errors returned by the package. Use errors.Is to test for
// them; internal wrapping always preserves them under %w.
var (
	ErrInvalidHandle      = errors.New("mpq: invalid handle")
	ErrInvalidParameter   = errors.New("mpq: invalid parameter")
	ErrNotEnoughMemory    = errors.New("mpq: not enough memory")
	ErrFileNotFound       = errors.New("mpq: file not found")
	ErrNotSupported       = errors.New("mpq: not supported")
	ErrInsufficientBuffer = errors.New("mpq: insufficient buffer")
	ErrChecksum           = errors.New("mpq: checksum mismatch")
	ErrFileCorrupt        = errors.New("mpq: file corrupt")
	ErrUnknownFileKey     = errors.New("mpq: unknown file key")
	ErrCanNotComplete     = errors.New("mpq: operation could not complete")
)

// ErrHandleEOF is the taxonomy name for a short/EOF read on a FileHandle.
// It is an alias for [io.EOF] rather than a distinct wrapped value: a
// FileHandle satisfies io.Reader, and callers such as io.Copy and
// io.ReadFull compare a Read error against io.EOF by identity, so Read
// returns io.EOF itself rather than a wrapped sentinel. Code that prefers
// the taxonomy name can still write errors.Is(err, mpq.ErrHandleEOF) and
// get the same answer.
var ErrHandleEOF = io.EOF
