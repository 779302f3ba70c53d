// Package resp implements the length-prefixed frame dialect the state
// store speaks: requests are arrays of blob strings, responses are a
// simple string, a signed integer, a blob (possibly nil), or an error
// line. Every element terminates with CRLF and blob lengths are
// explicit, so values may contain any bytes including CRLF itself.
package resp

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/c360/meshrpc/errors"
)

const terminator = "\r\n"

// Type bytes leading each element.
const (
	typeSimple = '+'
	typeError  = '-'
	typeNumber = ':'
	typeBlob   = '$'
	typeArray  = '*'
)

// OpError is a service-reported failure decoded from an error line.
// The code is the leading token (for example ERR); the message is the
// remainder of the line.
type OpError struct {
	Code    string
	Message string
}

func (e *OpError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + " " + e.Message
}

// EncodeBlobArray serializes a command as an array of blob strings.
func EncodeBlobArray(args ...[]byte) []byte {
	// *N CRLF then $len CRLF payload CRLF per element.
	size := 1 + intLen(len(args)) + 2
	for _, arg := range args {
		size += 1 + intLen(len(arg)) + 2 + len(arg) + 2
	}

	out := make([]byte, 0, size)
	out = append(out, typeArray)
	out = strconv.AppendInt(out, int64(len(args)), 10)
	out = append(out, terminator...)
	for _, arg := range args {
		out = append(out, typeBlob)
		out = strconv.AppendInt(out, int64(len(arg)), 10)
		out = append(out, terminator...)
		out = append(out, arg...)
		out = append(out, terminator...)
	}
	return out
}

// EncodeStrings is EncodeBlobArray over string arguments.
func EncodeStrings(args ...string) []byte {
	blobs := make([][]byte, len(args))
	for i, arg := range args {
		blobs[i] = []byte(arg)
	}
	return EncodeBlobArray(blobs...)
}

// EncodeSimple serializes a simple string response.
func EncodeSimple(s string) []byte {
	return []byte(string(typeSimple) + s + terminator)
}

// EncodeNumber serializes an integer response.
func EncodeNumber(n int64) []byte {
	return []byte(string(typeNumber) + strconv.FormatInt(n, 10) + terminator)
}

// EncodeBlob serializes a blob response.
func EncodeBlob(data []byte) []byte {
	out := make([]byte, 0, 1+intLen(len(data))+2+len(data)+2)
	out = append(out, typeBlob)
	out = strconv.AppendInt(out, int64(len(data)), 10)
	out = append(out, terminator...)
	out = append(out, data...)
	out = append(out, terminator...)
	return out
}

// EncodeNil serializes the nil blob used for absent values.
func EncodeNil() []byte {
	return []byte("$-1" + terminator)
}

// EncodeError serializes an error line.
func EncodeError(code, message string) []byte {
	if message == "" {
		return []byte(string(typeError) + code + terminator)
	}
	return []byte(string(typeError) + code + " " + message + terminator)
}

// Parser is a strict cursor over one frame. Each Read method demands
// the exact element type; anything else, including a well-formed
// element of the wrong type, is a malformed-frame error. An error line
// in place of any expected element surfaces as *OpError.
type Parser struct {
	data []byte
	pos  int
}

// NewParser starts a cursor at the beginning of data.
func NewParser(data []byte) *Parser {
	return &Parser{data: data}
}

// Rest returns the unconsumed tail.
func (p *Parser) Rest() []byte { return p.data[p.pos:] }

// Done reports whether the frame is fully consumed.
func (p *Parser) Done() bool { return p.pos >= len(p.data) }

// ReadSimple consumes a simple string element.
func (p *Parser) ReadSimple() (string, error) {
	line, err := p.readLine(typeSimple)
	if err != nil {
		return "", err
	}
	return string(line), nil
}

// ReadNumber consumes an integer element.
func (p *Parser) ReadNumber() (int64, error) {
	line, err := p.readLine(typeNumber)
	if err != nil {
		return 0, err
	}
	n, convErr := strconv.ParseInt(string(line), 10, 64)
	if convErr != nil {
		return 0, p.malformed("bad integer %q", line)
	}
	return n, nil
}

// ReadBlob consumes a blob element. A nil blob returns (nil, false,
// nil); a present blob of any length, including zero, returns ok=true.
func (p *Parser) ReadBlob() (data []byte, ok bool, err error) {
	line, err := p.readLine(typeBlob)
	if err != nil {
		return nil, false, err
	}
	length, convErr := strconv.ParseInt(string(line), 10, 64)
	if convErr != nil {
		return nil, false, p.malformed("bad blob length %q", line)
	}
	if length == -1 {
		return nil, false, nil
	}
	if length < 0 {
		return nil, false, p.malformed("bad blob length %d", length)
	}
	// Bound against the remaining bytes before touching the cursor; a
	// huge declared length must not overflow the end offset.
	if length > int64(len(p.data)-p.pos)-2 {
		return nil, false, p.malformed("blob truncated at %d", p.pos)
	}
	end := p.pos + int(length)
	data = p.data[p.pos:end]
	if p.data[end] != '\r' || p.data[end+1] != '\n' {
		return nil, false, p.malformed("blob missing terminator at %d", end)
	}
	p.pos = end + 2
	return data, true, nil
}

// ReadArrayHeader consumes an array header and returns its element
// count.
func (p *Parser) ReadArrayHeader() (int, error) {
	line, err := p.readLine(typeArray)
	if err != nil {
		return 0, err
	}
	n, convErr := strconv.ParseInt(string(line), 10, 64)
	if convErr != nil || n < 0 {
		return 0, p.malformed("bad array length %q", line)
	}
	return int(n), nil
}

// ReadBlobArray consumes an array of blob strings.
func (p *Parser) ReadBlobArray() ([][]byte, error) {
	n, err := p.ReadArrayHeader()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		blob, ok, err := p.ReadBlob()
		if err != nil {
			return nil, err
		}
		if !ok {
			blob = nil
		}
		out = append(out, blob)
	}
	return out, nil
}

// readLine consumes one CRLF-terminated line, demanding the given type
// byte. An error element is decoded into *OpError regardless of the
// expected type.
func (p *Parser) readLine(want byte) ([]byte, error) {
	if p.pos >= len(p.data) {
		return nil, p.malformed("frame truncated at %d", p.pos)
	}
	got := p.data[p.pos]
	idx := bytes.Index(p.data[p.pos+1:], []byte(terminator))
	if idx < 0 {
		return nil, p.malformed("line missing terminator at %d", p.pos)
	}
	line := p.data[p.pos+1 : p.pos+1+idx]
	p.pos += 1 + idx + 2

	if got == typeError {
		return nil, decodeError(line)
	}
	if got != want {
		return nil, p.malformed("expected type %q, got %q", want, got)
	}
	return line, nil
}

func decodeError(line []byte) error {
	code := string(line)
	message := ""
	for i := 0; i < len(line); i++ {
		if line[i] == ' ' {
			code = string(line[:i])
			message = string(line[i+1:])
			break
		}
	}
	return &OpError{Code: code, Message: message}
}

func (p *Parser) malformed(format string, args ...any) error {
	return errors.Transport(
		fmt.Errorf(format+": %w", append(args, errors.ErrMalformedFrame)...),
		"resp", "Parse", "decode frame")
}

// ParseSimple decodes a frame expected to hold exactly one simple
// string.
func ParseSimple(data []byte) (string, error) {
	p := NewParser(data)
	s, err := p.ReadSimple()
	if err != nil {
		return "", err
	}
	if !p.Done() {
		return "", p.malformed("trailing bytes after element")
	}
	return s, nil
}

// ParseNumber decodes a frame expected to hold exactly one integer.
func ParseNumber(data []byte) (int64, error) {
	p := NewParser(data)
	n, err := p.ReadNumber()
	if err != nil {
		return 0, err
	}
	if !p.Done() {
		return 0, p.malformed("trailing bytes after element")
	}
	return n, nil
}

// ParseBlob decodes a frame expected to hold exactly one blob.
func ParseBlob(data []byte) ([]byte, bool, error) {
	p := NewParser(data)
	blob, ok, err := p.ReadBlob()
	if err != nil {
		return nil, false, err
	}
	if !p.Done() {
		return nil, false, p.malformed("trailing bytes after element")
	}
	return blob, ok, nil
}

func intLen(n int) int {
	if n < 0 {
		n = -n
	}
	digits := 1
	for n >= 10 {
		n /= 10
		digits++
	}
	return digits + 1 // sign headroom
}
