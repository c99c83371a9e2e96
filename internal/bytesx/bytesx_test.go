package bytesx

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestGenRandomBytes(t *testing.T) {
	const smallBuffer = 128
	data, err := GenRandomBytes(smallBuffer)
	if err != nil {
		t.Fatal("unexpected error", err)
	}
	if len(data) != smallBuffer {
		t.Fatal("unexpected returned buffer length")
	}
}

func TestReadWriteUint32(t *testing.T) {
	buf := &bytes.Buffer{}
	WriteUint32(buf, 0x01020304)
	if diff := cmp.Diff([]byte{1, 2, 3, 4}, buf.Bytes()); diff != "" {
		t.Fatal(diff)
	}
	got, err := ReadUint32(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0x01020304 {
		t.Fatalf("ReadUint32() = %x", got)
	}
}

func TestReadWriteUint16(t *testing.T) {
	buf := &bytes.Buffer{}
	WriteUint16(buf, 0xabcd)
	if diff := cmp.Diff([]byte{0xab, 0xcd}, buf.Bytes()); diff != "" {
		t.Fatal(diff)
	}
	got, err := ReadUint16(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0xabcd {
		t.Fatalf("ReadUint16() = %x", got)
	}
}

func TestReadShortBuffer(t *testing.T) {
	if _, err := ReadUint32(bytes.NewBuffer([]byte{1, 2})); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
	if _, err := ReadUint16(bytes.NewBuffer(nil)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}
