package msl

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/gzip"
)

// gzipThreshold is the payload size above which chunk data is
// compressed before encryption.
const gzipThreshold = 512

// payloadChunk is one encrypted chunk on the wire: the envelope bytes
// and an HMAC over them.
type payloadChunk struct {
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// chunkBody is the plaintext inside a payload chunk envelope.
type chunkBody struct {
	MessageID       int64  `json:"messageid"`
	SequenceNumber  int64  `json:"sequencenumber"`
	EndOfMsg        bool   `json:"endofmsg"`
	CompressionAlgo string `json:"compressionalgo,omitempty"`
	Data            string `json:"data"`
}

// buildChunk encrypts data into a single signed payload chunk. Larger
// payloads are gzip-compressed first; the server advertises GZIP back
// in its own chunks.
func (h *Handler) buildChunk(messageID int64, data []byte, esn string) (payloadChunk, error) {
	body := chunkBody{
		MessageID:      messageID,
		SequenceNumber: 1,
		EndOfMsg:       true,
	}
	if len(data) > gzipThreshold {
		compressed, err := gzipBytes(data)
		if err != nil {
			return payloadChunk{}, fmt.Errorf("msl: compress chunk: %w", err)
		}
		body.CompressionAlgo = "GZIP"
		body.Data = base64.StdEncoding.EncodeToString(compressed)
	} else {
		body.Data = base64.StdEncoding.EncodeToString(data)
	}

	plain, err := json.Marshal(body)
	if err != nil {
		return payloadChunk{}, fmt.Errorf("msl: encode chunk: %w", err)
	}
	envelope, err := h.crypto.EncryptEnvelope(plain, esn)
	if err != nil {
		return payloadChunk{}, err
	}
	mac, err := h.crypto.Sign(envelope)
	if err != nil {
		return payloadChunk{}, err
	}
	return payloadChunk{
		Payload:   base64.StdEncoding.EncodeToString(envelope),
		Signature: base64.StdEncoding.EncodeToString(mac),
	}, nil
}

// reassembleChunks verifies, decrypts and concatenates payload chunks
// in sequence-number order, yielding the response body.
func (h *Handler) reassembleChunks(chunks []payloadChunk) ([]byte, error) {
	type part struct {
		seq  int64
		data []byte
	}
	parts := make([]part, 0, len(chunks))

	for _, chunk := range chunks {
		envelope, err := base64.StdEncoding.DecodeString(chunk.Payload)
		if err != nil {
			return nil, fmt.Errorf("msl: decode chunk payload: %w", err)
		}
		mac, err := base64.StdEncoding.DecodeString(chunk.Signature)
		if err != nil {
			return nil, fmt.Errorf("msl: decode chunk signature: %w", err)
		}
		if err := h.crypto.Verify(envelope, mac); err != nil {
			return nil, err
		}
		plain, err := h.crypto.DecryptEnvelope(envelope)
		if err != nil {
			return nil, err
		}
		var body chunkBody
		if err := json.Unmarshal(plain, &body); err != nil {
			return nil, fmt.Errorf("msl: parse chunk: %w", err)
		}
		data, err := base64.StdEncoding.DecodeString(body.Data)
		if err != nil {
			return nil, fmt.Errorf("msl: decode chunk data: %w", err)
		}
		if body.CompressionAlgo == "GZIP" {
			data, err = gunzipBytes(data)
			if err != nil {
				return nil, fmt.Errorf("msl: decompress chunk: %w", err)
			}
		}
		parts = append(parts, part{seq: body.SequenceNumber, data: data})
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].seq < parts[j].seq })
	var out bytes.Buffer
	for _, p := range parts {
		out.Write(p.data)
	}
	return out.Bytes(), nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
