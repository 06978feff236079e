package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

type request struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func TestWriteReadFrameRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	c := NewCodec(buf)

	require.NoError(t, c.WriteFrame([]byte("hello")))
	require.NoError(t, c.WriteFrame([]byte("world")))

	got1, err := c.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got1)

	got2, err := c.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, []byte("world"), got2)

	_, err = c.ReadFrame()
	require.ErrorIs(t, err, io.EOF)
}

func TestWriteReadJSONRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	c := NewCodec(buf)

	want := request{Name: "alpine", Value: 7}
	require.NoError(t, c.WriteJSON(want))

	var got request
	require.NoError(t, c.ReadJSON(&got))
	require.Equal(t, want, got)
}

func TestReadFrameRejectsOversizeWithoutAllocating(t *testing.T) {
	buf := &bytes.Buffer{}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 1<<30) // 1 GiB, never followed by payload
	buf.Write(lenBuf[:])

	c := NewCodec(buf)
	c.MaxFrameSize = 1024

	_, err := c.ReadFrame()
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameShortReadIsError(t *testing.T) {
	buf := &bytes.Buffer{}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 10)
	buf.Write(lenBuf[:])
	buf.Write([]byte("abc")) // fewer than declared 10 bytes, then stream ends

	c := NewCodec(buf)
	_, err := c.ReadFrame()
	require.Error(t, err)
	require.NotErrorIs(t, err, io.EOF)
}

func TestCodecOverConnection(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sc := NewCodec(server)
	cc := NewCodec(client)

	done := make(chan error, 1)
	go func() {
		done <- sc.WriteJSON(request{Name: "busybox", Value: 1})
	}()

	var got request
	require.NoError(t, cc.ReadJSON(&got))
	require.NoError(t, <-done)
	require.Equal(t, "busybox", got.Name)
}
