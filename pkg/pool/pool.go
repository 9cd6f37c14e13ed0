// Object pools for the calibration hot paths
//
// Provides reusable buffers for the allocations that repeat thousands of
// times per run:
// - Float slices (annealing candidate vectors)
// - Byte buffers (parameter snapshots encoded for the run log)
//
// Usage:
//
//	v := pool.GetFloat64Slice(3)
//	defer pool.PutFloat64Slice(v)
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package pool

import (
	"sync"
)

// maxPooledFloats is the largest float slice kept. Parameter groups have
// at most three values.
const maxPooledFloats = 8

// maxPooledBuffer is the largest byte buffer kept.
const maxPooledBuffer = 4096

// floatSlicePools[n-1] holds slices of length n
var floatSlicePools [maxPooledFloats]sync.Pool

func init() {
	for i := range floatSlicePools {
		n := i + 1
		floatSlicePools[i].New = func() any {
			s := make([]float64, n)
			return &s
		}
	}
}

// GetFloat64Slice returns a zeroed slice of length size. Sizes above
// eight are allocated and never pooled.
func GetFloat64Slice(size int) []float64 {
	if size < 1 || size > maxPooledFloats {
		return make([]float64, size)
	}
	s := *floatSlicePools[size-1].Get().(*[]float64)
	clear(s)
	return s
}

// PutFloat64Slice returns s to the pool. s must not be used afterwards.
func PutFloat64Slice(s []float64) {
	n := len(s)
	if n < 1 || n > maxPooledFloats || cap(s) != n {
		return
	}
	floatSlicePools[n-1].Put(&s)
}

// ByteBuffer is a growable byte slice that satisfies io.Writer.
type ByteBuffer struct {
	buf []byte
}

var byteBufferPool = sync.Pool{
	New: func() any {
		// a msgpack parameter snapshot is about 200 bytes
		return &ByteBuffer{buf: make([]byte, 0, 256)}
	},
}

// GetByteBuffer returns an empty buffer.
func GetByteBuffer() *ByteBuffer {
	b := byteBufferPool.Get().(*ByteBuffer)
	b.buf = b.buf[:0]
	return b
}

// PutByteBuffer returns b to the pool unless it grew past 4 KiB.
func PutByteBuffer(b *ByteBuffer) {
	if b == nil || cap(b.buf) > maxPooledBuffer {
		return
	}
	byteBufferPool.Put(b)
}

// Bytes returns the contents. They are only valid until the buffer is
// returned to the pool.
func (b *ByteBuffer) Bytes() []byte { return b.buf }

// Clone returns a copy of the contents that outlives the buffer.
func (b *ByteBuffer) Clone() []byte {
	return append([]byte(nil), b.buf...)
}

func (b *ByteBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *ByteBuffer) WriteByte(c byte) error {
	b.buf = append(b.buf, c)
	return nil
}

func (b *ByteBuffer) WriteString(s string) (int, error) {
	b.buf = append(b.buf, s...)
	return len(s), nil
}

func (b *ByteBuffer) Len() int { return len(b.buf) }

func (b *ByteBuffer) Reset() { b.buf = b.buf[:0] }
