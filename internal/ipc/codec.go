// Package ipc exposes the session, cache and MSL layers to the sibling
// plugin process over a loopback HTTP server: plain proxy endpoints for
// the DRM player and framed CBOR RPC for everything else.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Frame layout: one version byte, a big-endian uint32 body length, then
// the CBOR-encoded body.
const (
	frameVersion = 0x01
	maxFrameSize = 8 << 20
)

var (
	errFrameVersion  = errors.New("ipc: unsupported frame version")
	errFrameTooLarge = errors.New("ipc: frame exceeds size limit")
)

// callFrame is the request body of one RPC call. The method mirrors the
// URL path and is checked against it on the server side.
type callFrame struct {
	Method string            `cbor:"method"`
	Args   []cbor.RawMessage `cbor:"args"`
}

// replyFrame is the response body. Exactly one of Error and Result is
// meaningful.
type replyFrame struct {
	Error  string          `cbor:"error,omitempty"`
	Result cbor.RawMessage `cbor:"result,omitempty"`
}

func writeFrame(w io.Writer, v any) error {
	body, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("ipc: encode frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return errFrameTooLarge
	}
	var head [5]byte
	head[0] = frameVersion
	binary.BigEndian.PutUint32(head[1:], uint32(len(body)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func readFrame(r io.Reader, v any) error {
	var head [5]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return fmt.Errorf("ipc: read frame header: %w", err)
	}
	if head[0] != frameVersion {
		return errFrameVersion
	}
	size := binary.BigEndian.Uint32(head[1:])
	if size > maxFrameSize {
		return errFrameTooLarge
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("ipc: read frame body: %w", err)
	}
	if err := cbor.Unmarshal(body, v); err != nil {
		return fmt.Errorf("ipc: decode frame: %w", err)
	}
	return nil
}

// encodeArgs marshals each call argument to its own CBOR message so the
// receiver can decode positionally into typed values.
func encodeArgs(args ...any) ([]cbor.RawMessage, error) {
	out := make([]cbor.RawMessage, len(args))
	for i, a := range args {
		data, err := cbor.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("ipc: encode argument %d: %w", i, err)
		}
		out[i] = data
	}
	return out, nil
}

// arg decodes the i-th call argument into T.
func arg[T any](args []cbor.RawMessage, i int) (T, error) {
	var v T
	if i >= len(args) {
		return v, fmt.Errorf("ipc: missing argument %d", i)
	}
	if err := cbor.Unmarshal(args[i], &v); err != nil {
		return v, fmt.Errorf("ipc: argument %d: %w", i, err)
	}
	return v, nil
}

// optionalArg is arg with a default for absent trailing arguments.
func optionalArg[T any](args []cbor.RawMessage, i int, def T) (T, error) {
	if i >= len(args) {
		return def, nil
	}
	return arg[T](args, i)
}
