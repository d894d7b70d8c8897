// Copyright (C) 2025 Kettle Glass (oss@kettleglass.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ask

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"os"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"

	"github.com/kettleglass/kettle/pkg/logging"
)

// maxResponseBytes caps one accumulated response. 512 KiB holds far more
// than a 2048-token answer.
const maxResponseBytes = 512 * 1024

// insecureMemoryEnv, when set to any non-empty value, permits the plain
// heap buffer on systems whose mlock limit cannot hold a secure buffer.
const insecureMemoryEnv = "KETTLE_INSECURE_MEMORY"

// ErrResponseTooLarge is returned by Append when the accumulated response
// would exceed maxResponseBytes.
var ErrResponseTooLarge = errors.New("response exceeds buffer capacity")

// ResponseBuffer accumulates streamed response text. Answers can contain
// what the user has on screen, so the default implementation keeps the
// bytes in mlocked memory that cannot be swapped to disk.
//
// Append returns the full accumulated text after the delta is applied; the
// orchestrator publishes that copy as the current response. Finalize is
// one-shot and returns the text with its SHA-256 checksum. Destroy wipes
// the backing memory and is safe to call more than once.
type ResponseBuffer interface {
	Append(delta string) (string, error)
	Finalize() (text string, checksum string, err error)
	Destroy()
}

// BufferFactory allocates one ResponseBuffer per generation.
type BufferFactory func() (ResponseBuffer, error)

// DefaultBufferFactory probes whether mlocked buffers work on this system
// and returns a secure factory if so. When the RLIMIT_MEMLOCK limit is too
// low it falls back to plain heap buffers (warning once); set ulimit -l or
// leave the fallback to do its thing.
func DefaultBufferFactory(log *logging.Logger) BufferFactory {
	if probe, err := NewSecureBuffer(); err == nil {
		probe.Destroy()
		return func() (ResponseBuffer, error) { return NewSecureBuffer() }
	} else if log != nil {
		log.Warn("secure response buffers unavailable, using heap buffers", "error", err)
	}
	return func() (ResponseBuffer, error) { return NewPlainBuffer(), nil }
}

// ====================================================================
// Secure buffer
// ====================================================================

type secureBuffer struct {
	mu        sync.Mutex
	buf       *memguard.LockedBuffer
	offset    int
	hash      hash.Hash
	finalized bool
}

var _ ResponseBuffer = (*secureBuffer)(nil)

// NewSecureBuffer allocates an mlocked buffer for one response. Fails when
// the process mlock limit cannot hold it, unless KETTLE_INSECURE_MEMORY is
// set, in which case callers should use NewPlainBuffer instead.
func NewSecureBuffer() (ResponseBuffer, error) {
	if err := checkMemlockLimit(maxResponseBytes); err != nil {
		return nil, err
	}
	return &secureBuffer{
		buf:  memguard.NewBuffer(maxResponseBytes),
		hash: sha256.New(),
	}, nil
}

func (b *secureBuffer) Append(delta string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized || b.buf == nil {
		return "", errors.New("append to finalized buffer")
	}
	if b.offset+len(delta) > maxResponseBytes {
		return "", ErrResponseTooLarge
	}
	copy(b.buf.Bytes()[b.offset:], delta)
	b.offset += len(delta)
	b.hash.Write([]byte(delta))
	return string(b.buf.Bytes()[:b.offset]), nil
}

func (b *secureBuffer) Finalize() (string, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized || b.buf == nil {
		return "", "", errors.New("buffer already finalized")
	}
	b.finalized = true
	text := string(b.buf.Bytes()[:b.offset])
	checksum := hex.EncodeToString(b.hash.Sum(nil))
	return text, checksum, nil
}

func (b *secureBuffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf != nil {
		b.buf.Destroy()
		b.buf = nil
	}
}

// checkMemlockLimit verifies the mlock rlimit can hold needed bytes plus
// memguard's own guard pages. Failing early here beats a SIGSEGV from a
// denied mlock inside the allocator.
func checkMemlockLimit(needed int) error {
	if os.Getenv(insecureMemoryEnv) != "" {
		return fmt.Errorf("%s is set; secure buffers disabled", insecureMemoryEnv)
	}
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlim); err != nil {
		return fmt.Errorf("failed to read RLIMIT_MEMLOCK: %w", err)
	}
	// Guard pages and the canary roughly double the footprint.
	required := uint64(needed) * 2
	if rlim.Cur != unix.RLIM_INFINITY && rlim.Cur < required {
		return fmt.Errorf("RLIMIT_MEMLOCK %d below required %d; raise ulimit -l or set %s",
			rlim.Cur, required, insecureMemoryEnv)
	}
	return nil
}

// ====================================================================
// Plain buffer
// ====================================================================

type plainBuffer struct {
	mu        sync.Mutex
	sb        strings.Builder
	hash      hash.Hash
	finalized bool
}

var _ ResponseBuffer = (*plainBuffer)(nil)

// NewPlainBuffer returns a heap-backed buffer. Tests and low-rlimit systems
// use this.
func NewPlainBuffer() ResponseBuffer {
	return &plainBuffer{hash: sha256.New()}
}

func (b *plainBuffer) Append(delta string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return "", errors.New("append to finalized buffer")
	}
	if b.sb.Len()+len(delta) > maxResponseBytes {
		return "", ErrResponseTooLarge
	}
	b.sb.WriteString(delta)
	b.hash.Write([]byte(delta))
	return b.sb.String(), nil
}

func (b *plainBuffer) Finalize() (string, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return "", "", errors.New("buffer already finalized")
	}
	b.finalized = true
	return b.sb.String(), hex.EncodeToString(b.hash.Sum(nil)), nil
}

func (b *plainBuffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finalized = true
	b.sb.Reset()
}
