// Package lineproto frames the newline-terminated control protocol spoken on
// the mldtrace TCP port.
//
// A request is one line of at most MaxLineLength bytes including the trailing
// newline. A response is an optional payload line followed by a status line
// (OK or KO).
package lineproto

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// MaxLineLength bounds every request and response line, terminator included.
	MaxLineLength = 256
	// MaxPayload is the largest payload that still fits a response line.
	MaxPayload = MaxLineLength - 1

	// StatusOK acknowledges a command that succeeded.
	StatusOK = "OK"
	// StatusKO reports a command that failed for any reason.
	StatusKO = "KO"
)

var (
	// ErrLineTooLong is returned when MaxLineLength bytes arrive without a
	// terminator, or when a payload would not fit a single line.
	ErrLineTooLong = errors.New("lineproto: line too long")
	// ErrMalformedResponse is returned by ReadResponse on lines that are not
	// a payload followed by a status.
	ErrMalformedResponse = errors.New("lineproto: malformed response")
)

// Reader reads bounded lines from a stream.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r with a buffer sized to MaxLineLength.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, MaxLineLength)}
}

// ReadLine returns the next line without its terminator. A trailing carriage
// return is dropped as well. io.EOF is returned once the peer closes,
// including when it closes in the middle of an unterminated line.
func (r *Reader) ReadLine() (string, error) {
	line, err := r.br.ReadSlice('\n')
	switch {
	case errors.Is(err, bufio.ErrBufferFull):
		return "", ErrLineTooLong
	case errors.Is(err, io.EOF):
		return "", io.EOF
	case err != nil:
		return "", err
	}
	line = bytes.TrimSuffix(line, []byte{'\n'})
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return string(line), nil
}

// Response is the outcome of one command.
type Response struct {
	OK      bool
	Payload string
}

// Encode serializes resp into its wire form. A failed response never carries
// a payload. Payloads containing a newline or exceeding MaxPayload are
// rejected with ErrLineTooLong so the caller can answer KO instead.
func Encode(resp Response) ([]byte, error) {
	if !resp.OK {
		return []byte(StatusKO + "\n"), nil
	}
	if strings.ContainsAny(resp.Payload, "\r\n") {
		return nil, fmt.Errorf("payload contains line break: %w", ErrLineTooLong)
	}
	if len(resp.Payload) > MaxPayload {
		return nil, fmt.Errorf("payload is %d bytes: %w", len(resp.Payload), ErrLineTooLong)
	}
	var buf bytes.Buffer
	buf.Grow(len(resp.Payload) + len(StatusOK) + 2)
	if resp.Payload != "" {
		buf.WriteString(resp.Payload)
		buf.WriteByte('\n')
	}
	buf.WriteString(StatusOK)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// WriteResponse encodes resp and writes it with a single Write call.
func WriteResponse(w io.Writer, resp Response) error {
	data, err := Encode(resp)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// WriteRequest writes line followed by a newline terminator.
func WriteRequest(w io.Writer, line string) error {
	line = strings.TrimRight(line, "\r\n")
	if strings.ContainsAny(line, "\r\n") {
		return fmt.Errorf("request contains line break: %w", ErrLineTooLong)
	}
	if len(line)+1 > MaxLineLength {
		return fmt.Errorf("request is %d bytes: %w", len(line)+1, ErrLineTooLong)
	}
	_, err := io.WriteString(w, line+"\n")
	return err
}

// ReadResponse reads lines until a status line arrives. At most one payload
// line may precede it.
func (r *Reader) ReadResponse() (Response, error) {
	var (
		payload    string
		hasPayload bool
	)
	for {
		line, err := r.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && hasPayload {
				return Response{}, io.ErrUnexpectedEOF
			}
			return Response{}, err
		}
		switch line {
		case StatusOK:
			return Response{OK: true, Payload: payload}, nil
		case StatusKO:
			if hasPayload {
				return Response{}, fmt.Errorf("payload before KO: %w", ErrMalformedResponse)
			}
			return Response{}, nil
		}
		if hasPayload {
			return Response{}, fmt.Errorf("second payload line %q: %w", line, ErrMalformedResponse)
		}
		payload = line
		hasPayload = true
	}
}
