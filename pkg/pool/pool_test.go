// Unit tests for object pools
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package pool

import (
	"sync"
	"testing"
)

func TestFloat64SlicePool(t *testing.T) {
	for size := 1; size <= maxPooledFloats; size++ {
		s := GetFloat64Slice(size)
		if len(s) != size {
			t.Fatalf("GetFloat64Slice(%d) has length %d", size, len(s))
		}
		for i, v := range s {
			if v != 0 {
				t.Errorf("slice[%d] = %f, want 0", i, v)
			}
		}
		s[0] = 100.5
		PutFloat64Slice(s)

		s2 := GetFloat64Slice(size)
		if s2[0] != 0 {
			t.Errorf("size %d: pooled slice not zeroed, got %f", size, s2[0])
		}
		PutFloat64Slice(s2)
	}
}

func TestFloat64SliceUnpooledSizes(t *testing.T) {
	for _, size := range []int{0, 9, 64} {
		s := GetFloat64Slice(size)
		if len(s) != size {
			t.Errorf("GetFloat64Slice(%d) has length %d", size, len(s))
		}
		PutFloat64Slice(s)
	}
	PutFloat64Slice(nil)
	// a resliced view must not be pooled under its shorter length
	PutFloat64Slice(make([]float64, 3, 8)[:3])
	if s := GetFloat64Slice(3); cap(s) != 3 {
		t.Errorf("pool returned a slice with capacity %d", cap(s))
	}
}

func TestByteBuffer(t *testing.T) {
	b := GetByteBuffer()
	if b.Len() != 0 {
		t.Fatalf("new buffer has %d bytes", b.Len())
	}
	b.WriteString("arm")
	b.WriteByte('=')
	b.Write([]byte("269"))
	if got := string(b.Bytes()); got != "arm=269" {
		t.Errorf("contents = %q", got)
	}

	kept := b.Clone()
	b.Reset()
	b.WriteString("xxxxxxx")
	if string(kept) != "arm=269" {
		t.Errorf("clone changed with the buffer: %q", kept)
	}
	PutByteBuffer(b)

	if b2 := GetByteBuffer(); b2.Len() != 0 {
		t.Errorf("pooled buffer not reset: %q", b2.Bytes())
	}
}

func TestByteBufferOversized(t *testing.T) {
	b := GetByteBuffer()
	b.Write(make([]byte, 2*maxPooledBuffer))
	// dropped rather than pooled; must not panic
	PutByteBuffer(b)
	PutByteBuffer(nil)
}

func TestFloat64SlicePoolConcurrent(t *testing.T) {
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				s := GetFloat64Slice(3)
				s[0], s[1], s[2] = float64(g), float64(i), 1
				if s[0] != float64(g) || s[1] != float64(i) {
					t.Errorf("slice shared between goroutines")
					return
				}
				PutFloat64Slice(s)
			}
		}(g)
	}
	wg.Wait()
}

func BenchmarkFloat64SlicePool(b *testing.B) {
	vals := []float64{269, 0.1, -0.2}
	for i := 0; i < b.N; i++ {
		s := GetFloat64Slice(len(vals))
		copy(s, vals)
		PutFloat64Slice(s)
	}
}

func BenchmarkFloat64SliceNoPool(b *testing.B) {
	vals := []float64{269, 0.1, -0.2}
	for i := 0; i < b.N; i++ {
		_ = append([]float64(nil), vals...)
	}
}
