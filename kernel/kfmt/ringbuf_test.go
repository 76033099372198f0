package kfmt

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestRingBuffer(t *testing.T) {
	expStr := "the big brown fox jumped over the lazy dog"

	t.Run("read/write", func(t *testing.T) {
		var rb ringBuffer
		n, err := rb.Write([]byte(expStr))
		if err != nil {
			t.Fatal(err)
		}

		if n != len(expStr) {
			t.Fatalf("expected to write %d bytes; wrote %d", len(expStr), n)
		}

		if got := rb.Len(); got != len(expStr) {
			t.Fatalf("expected buffer length to be %d; got %d", len(expStr), got)
		}

		got, err := io.ReadAll(&rb)
		if err != nil {
			t.Fatal(err)
		}

		if string(got) != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})

	t.Run("overflow keeps most recent bytes", func(t *testing.T) {
		var rb ringBuffer
		rb.Write([]byte(strings.Repeat("x", ringBufferSize)))
		rb.Write([]byte(expStr))

		var buf bytes.Buffer
		if _, err := rb.WriteTo(&buf); err != nil {
			t.Fatal(err)
		}

		got := buf.String()
		if exp := ringBufferSize - 1; len(got) != exp {
			t.Fatalf("expected to drain %d bytes; got %d", exp, len(got))
		}

		if !strings.HasSuffix(got, expStr) {
			t.Fatalf("expected drained output to end with %q", expStr)
		}

		if rb.Len() != 0 {
			t.Fatal("expected buffer to be empty after WriteTo")
		}
	})

	t.Run("wrap-around read", func(t *testing.T) {
		var rb ringBuffer
		rb.wIndex = ringBufferSize - 2
		rb.rIndex = ringBufferSize - 2
		rb.Write([]byte("abcd"))

		var buf bytes.Buffer
		rb.WriteTo(&buf)
		if exp, got := "abcd", buf.String(); got != exp {
			t.Fatalf("expected to read %q; got %q", exp, got)
		}
	})
}
