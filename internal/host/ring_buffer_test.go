package host

import (
	"strings"
	"testing"
)

func TestRingBuffer_EmptyRead(t *testing.T) {
	rb := NewRingBuffer(10)
	if got := rb.Bytes(); len(got) != 0 {
		t.Errorf("expected empty buffer, got %q", got)
	}
}

func TestRingBuffer_PartialFill(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Write([]byte("abc"))
	rb.Write([]byte("de"))

	if got := string(rb.Bytes()); got != "abcde" {
		t.Fatalf("expected abcde, got %q", got)
	}
	if rb.Len() != 5 {
		t.Errorf("expected len 5, got %d", rb.Len())
	}
}

func TestRingBuffer_Overflow(t *testing.T) {
	rb := NewRingBuffer(5)
	rb.Write([]byte("0123"))
	rb.Write([]byte("4567"))

	// Oldest bytes dropped.
	if got := string(rb.Bytes()); got != "34567" {
		t.Fatalf("expected 34567, got %q", got)
	}
}

func TestRingBuffer_ExactCapacity(t *testing.T) {
	rb := NewRingBuffer(3)
	rb.Write([]byte("abc"))

	if got := string(rb.Bytes()); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
	rb.Write([]byte("d"))
	if got := string(rb.Bytes()); got != "bcd" {
		t.Fatalf("expected bcd, got %q", got)
	}
}

func TestRingBuffer_WriteLargerThanCapacity(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Write([]byte("x"))
	rb.Write([]byte(strings.Repeat("a", 10) + "tail"))

	if got := string(rb.Bytes()); got != "tail" {
		t.Fatalf("expected tail, got %q", got)
	}
}
