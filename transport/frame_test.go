package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// partialReader simulates a stream that returns at most chunkSize bytes per Read.
type partialReader struct {
	data      []byte
	readPos   int
	chunkSize int
	readCalls int
}

func newPartialReader(data []byte, chunkSize int) *partialReader {
	return &partialReader{data: data, chunkSize: chunkSize}
}

func (p *partialReader) Read(b []byte) (int, error) {
	p.readCalls++
	remaining := len(p.data) - p.readPos
	if remaining == 0 {
		return 0, io.EOF
	}
	toRead := min(p.chunkSize, len(b), remaining)
	n := copy(b, p.data[p.readPos:p.readPos+toRead])
	p.readPos += n
	return n, nil
}

func TestReadFramePartialReads(t *testing.T) {
	tests := []struct {
		name      string
		dataSize  int
		chunkSize int
	}{
		{"single byte chunks", 100, 1},
		{"two byte chunks", 256, 2},
		{"header not aligned", 1024, 3},
		{"large payload small chunks", 4096, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := bytes.Repeat([]byte{0xAB}, tt.dataSize)

			var buf bytes.Buffer
			require.NoError(t, WriteFrame(&buf, payload))

			r := newPartialReader(buf.Bytes(), tt.chunkSize)
			got, err := ReadFrame(r)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
			assert.GreaterOrEqual(t, r.readCalls, (4+tt.dataSize)/tt.chunkSize)
		})
	}
}

func TestReadFrameCoalescedWrites(t *testing.T) {
	var buf bytes.Buffer
	frames := [][]byte{[]byte("first"), []byte(""), []byte("third frame")}
	for _, f := range frames {
		require.NoError(t, WriteFrame(&buf, f))
	}

	for _, want := range frames {
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameUnexpectedEOF(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"incomplete header", []byte{0x00, 0x00}},
		{"header only", []byte{0x00, 0x00, 0x03, 0xE8}},
		{"partial payload", append([]byte{0x00, 0x00, 0x03, 0xE8}, bytes.Repeat([]byte{0xCD}, 96)...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(newPartialReader(tt.data, 1))
			require.Error(t, err)
			assert.True(t, errors.Is(err, io.ErrUnexpectedEOF), "got %v", err)
		})
	}
}

func TestFrameTooLarge(t *testing.T) {
	err := WriteFrame(io.Discard, make([]byte, MaxFrameSize+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, MaxFrameSize+1)
	_, err = ReadFrame(bytes.NewReader(header))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestRoleTag(t *testing.T) {
	for _, role := range []Role{RoleServer, RoleClient} {
		var buf bytes.Buffer
		require.NoError(t, WriteRole(&buf, role))
		assert.Equal(t, string(role), buf.String())

		got, err := ReadRole(&buf)
		require.NoError(t, err)
		assert.Equal(t, role, got)
	}

	_, err := ReadRole(bytes.NewBufferString("ROUTER"))
	assert.ErrorIs(t, err, ErrUnknownRole)

	assert.ErrorIs(t, WriteRole(io.Discard, Role("PEER")), ErrUnknownRole)
}
