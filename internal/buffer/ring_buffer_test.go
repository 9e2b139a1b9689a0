package buffer

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestNewRingBuffer(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		want     int
	}{
		{"positive", 100, 100},
		{"zero", 0, 1},
		{"negative", -5, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := NewRingBuffer(tt.capacity)
			if rb.Cap() != tt.want {
				t.Errorf("expected capacity %d, got %d", tt.want, rb.Cap())
			}
			if rb.Len() != 0 {
				t.Errorf("expected empty buffer, got %d bytes", rb.Len())
			}
		})
	}
}

func TestRingBuffer_WrapAround(t *testing.T) {
	rb := NewRingBuffer(10)

	rb.Write([]byte("0123456789"))
	rb.Write([]byte("abc"))

	if got := rb.ReadAll(); !bytes.Equal(got, []byte("3456789abc")) {
		t.Errorf("expected '3456789abc', got %q", got)
	}

	// Several more small writes keep wrapping the write position.
	rb.Write([]byte("de"))
	rb.Write([]byte("fghij"))
	if got := rb.ReadAll(); !bytes.Equal(got, []byte("abcdefghij")) {
		t.Errorf("expected 'abcdefghij', got %q", got)
	}
	if rb.Len() != 10 {
		t.Errorf("expected length 10, got %d", rb.Len())
	}
}

func TestRingBuffer_WriteLargerThanCapacity(t *testing.T) {
	rb := NewRingBuffer(5)
	rb.Write([]byte("xy"))

	n, err := rb.Write([]byte("0123456789"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 10 {
		t.Errorf("expected n=10, got %d", n)
	}
	if got := rb.ReadAll(); !bytes.Equal(got, []byte("56789")) {
		t.Errorf("expected '56789', got %q", got)
	}
}

func TestRingBuffer_ReadAllCopies(t *testing.T) {
	rb := NewRingBuffer(10)
	if rb.ReadAll() != nil {
		t.Error("expected nil for empty buffer")
	}

	rb.Write([]byte("test"))
	data := rb.ReadAll()
	data[0] = 'X'
	if got := rb.ReadAll(); !bytes.Equal(got, []byte("test")) {
		t.Errorf("ReadAll should return a copy, got %q", got)
	}
}

func TestRingBuffer_Clear(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Write([]byte("hello"))
	rb.Clear()

	if rb.Len() != 0 || rb.ReadAll() != nil {
		t.Fatal("expected empty buffer after Clear")
	}

	rb.Write([]byte("ok"))
	if got := rb.ReadAll(); !bytes.Equal(got, []byte("ok")) {
		t.Errorf("expected 'ok', got %q", got)
	}
}

// The buffer always holds exactly the most recent min(total, capacity) bytes.
func TestRingBufferKeepsTailProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("buffer content is the suffix of everything written", prop.ForAll(
		func(capacity int, chunks [][]byte) bool {
			rb := NewRingBuffer(capacity)
			var all []byte
			for _, c := range chunks {
				rb.Write(c)
				all = append(all, c...)
			}

			want := all
			if len(want) > capacity {
				want = want[len(want)-capacity:]
			}
			got := rb.ReadAll()
			if len(want) == 0 {
				return got == nil
			}
			return bytes.Equal(got, want)
		},
		gen.IntRange(1, 64),
		gen.SliceOf(gen.SliceOf(gen.UInt8())),
	))

	properties.TestingRun(t)
}
