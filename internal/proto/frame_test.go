package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msgs := [][]byte{[]byte("one"), bytes.Repeat([]byte{7}, 4096), []byte("three")}
	for _, m := range msgs {
		if err := WriteFrame(&buf, m); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}
	}
	for i, want := range msgs {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame %d failed: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d mismatch", i)
		}
	}
	if _, err := ReadFrame(&buf); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestFrameSizeLimits(t *testing.T) {
	if _, err := EncodeFrame(nil); !errors.Is(err, ErrFrameSize) {
		t.Fatalf("expected ErrFrameSize for empty, got %v", err)
	}
	if _, err := EncodeFrame(make([]byte, MaxFrameSize+1)); !errors.Is(err, ErrFrameSize) {
		t.Fatalf("expected ErrFrameSize for oversize, got %v", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	if _, err := ReadFrame(bytes.NewReader(hdr[:])); !errors.Is(err, ErrFrameSize) {
		t.Fatalf("expected ErrFrameSize on read, got %v", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	frame, err := EncodeFrame([]byte("payload"))
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	if _, err := ReadFrame(bytes.NewReader(frame[:len(frame)-2])); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}
