package resp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/meshrpc/errors"
)

func TestEncodeBlobArray(t *testing.T) {
	frame := EncodeStrings("SET", "mykey", "myvalue")
	assert.Equal(t, "*3\r\n$3\r\nSET\r\n$5\r\nmykey\r\n$7\r\nmyvalue\r\n", string(frame))
}

func TestEncodeEmptyArgs(t *testing.T) {
	assert.Equal(t, "*0\r\n", string(EncodeStrings()))
	assert.Equal(t, "*1\r\n$0\r\n\r\n", string(EncodeStrings("")))
}

func TestBinarySafeValues(t *testing.T) {
	value := []byte("with\r\nterminator\x00bytes")
	frame := EncodeBlobArray([]byte("SET"), []byte("k"), value)

	p := NewParser(frame)
	n, err := p.ReadArrayHeader()
	require.NoError(t, err)
	require.Equal(t, 3, n)

	for _, want := range [][]byte{[]byte("SET"), []byte("k"), value} {
		got, ok, err := p.ReadBlob()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	assert.True(t, p.Done())
}

func TestParseSimple(t *testing.T) {
	s, err := ParseSimple(EncodeSimple("OK"))
	require.NoError(t, err)
	assert.Equal(t, "OK", s)
}

func TestParseNumber(t *testing.T) {
	n, err := ParseNumber(EncodeNumber(-42))
	require.NoError(t, err)
	assert.Equal(t, int64(-42), n)
}

func TestParseBlobPresentAndNil(t *testing.T) {
	data, ok, err := ParseBlob(EncodeBlob([]byte("hello")))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("hello"), data)

	data, ok, err = ParseBlob(EncodeBlob(nil))
	require.NoError(t, err)
	assert.True(t, ok, "empty blob is present, not nil")
	assert.Empty(t, data)

	data, ok, err = ParseBlob(EncodeNil())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, data)
}

func TestErrorLineSurfacesAsOpError(t *testing.T) {
	_, err := ParseSimple(EncodeError("ERR", "fencing token required"))
	require.Error(t, err)

	var opErr *OpError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "ERR", opErr.Code)
	assert.Equal(t, "fencing token required", opErr.Message)
	assert.Equal(t, "ERR fencing token required", opErr.Error())
}

func TestErrorLineWithoutMessage(t *testing.T) {
	_, _, err := ParseBlob(EncodeError("WRONGTYPE", ""))
	var opErr *OpError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "WRONGTYPE", opErr.Code)
	assert.Empty(t, opErr.Message)
}

func TestWrongTypeIsMalformed(t *testing.T) {
	_, err := ParseSimple(EncodeNumber(7))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMalformedFrame))
}

func TestTruncatedFrames(t *testing.T) {
	for _, frame := range []string{
		"",
		"+OK",
		"$5\r\nhel",
		"$5\r\nhello",
		"$5\r\nhelloXX",
		"*2\r\n$1\r\na\r\n",
		":12",
	} {
		p := NewParser([]byte(frame))
		var err error
		switch {
		case len(frame) > 0 && frame[0] == '*':
			_, err = p.ReadBlobArray()
		case len(frame) > 0 && frame[0] == '$':
			_, _, err = p.ReadBlob()
		case len(frame) > 0 && frame[0] == ':':
			_, err = p.ReadNumber()
		default:
			_, err = p.ReadSimple()
		}
		assert.Error(t, err, "frame %q", frame)
		assert.True(t, errors.Is(err, errors.ErrMalformedFrame), "frame %q", frame)
	}
}

func TestOversizedBlobLengthRejected(t *testing.T) {
	// Declared lengths far past the frame end must fail cleanly, even
	// values that would wrap the end offset negative.
	for _, frame := range []string{
		"$9223372036854775807\r\nx\r\n",
		"$2147483647\r\nx\r\n",
		"$100\r\nshort\r\n",
	} {
		_, _, err := ParseBlob([]byte(frame))
		require.Error(t, err, "frame %q", frame)
		assert.True(t, errors.Is(err, errors.ErrMalformedFrame), "frame %q", frame)
	}
}

func TestTrailingBytesRejected(t *testing.T) {
	frame := append(EncodeSimple("OK"), "extra"...)
	_, err := ParseSimple(frame)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMalformedFrame))
}

func TestReadBlobArrayWithNilElement(t *testing.T) {
	frame := []byte("*3\r\n$6\r\nNOTIFY\r\n$3\r\nSET\r\n$-1\r\n")
	blobs, err := NewParser(frame).ReadBlobArray()
	require.NoError(t, err)
	require.Len(t, blobs, 3)
	assert.Equal(t, []byte("NOTIFY"), blobs[0])
	assert.Equal(t, []byte("SET"), blobs[1])
	assert.Nil(t, blobs[2])
}

func TestParserRestAndDone(t *testing.T) {
	frame := append(EncodeSimple("OK"), EncodeNumber(5)...)
	p := NewParser(frame)

	s, err := p.ReadSimple()
	require.NoError(t, err)
	assert.Equal(t, "OK", s)
	assert.False(t, p.Done())
	assert.Equal(t, string(EncodeNumber(5)), string(p.Rest()))

	n, err := p.ReadNumber()
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.True(t, p.Done())
}
