package pipeline

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeJPEG(body string) []byte {
	b := append([]byte{}, jpegSOI...)
	b = append(b, body...)
	return append(b, jpegEOI...)
}

func TestJPEGScannerSplitsImages(t *testing.T) {
	var stream bytes.Buffer
	stream.WriteString("junk")
	stream.Write(fakeJPEG("one"))
	stream.Write(fakeJPEG("two"))
	stream.WriteString("\x00\x01")
	stream.Write(fakeJPEG("three"))
	stream.Write(jpegSOI)
	stream.WriteString("truncated")

	sc := newJPEGScanner(&stream)

	var got [][]byte
	for sc.Scan() {
		got = append(got, append([]byte(nil), sc.Bytes()...))
	}
	require.NoError(t, sc.Err())

	assert.Equal(t, [][]byte{fakeJPEG("one"), fakeJPEG("two"), fakeJPEG("three")}, got)
}

func TestScanJPEGNeedsMoreData(t *testing.T) {
	advance, token, err := scanJPEG(append([]byte("xx"), jpegSOI...), false)
	require.NoError(t, err)
	assert.Nil(t, token)
	assert.Equal(t, 2, advance)

	// a lone trailing 0xFF is kept for the next read
	advance, token, err = scanJPEG([]byte{0x00, 0x00, 0xFF}, false)
	require.NoError(t, err)
	assert.Nil(t, token)
	assert.Equal(t, 2, advance)
}
