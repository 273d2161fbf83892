package tool

import (
	"bytes"
	"errors"
	"io"
)

var (
	// ErrNotFound indicates a requested tool is not registered.
	ErrNotFound = errors.New("tool not found")

	// ErrInvalidInput indicates a tool call's params failed schema validation.
	ErrInvalidInput = errors.New("tool: invalid input")
)

func rawJSONReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}
