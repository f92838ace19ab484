// Package protocol defines the framed JSON wire format spoken over the private
// stdin/stdout channel between the core process and the verified sidecar.
//
// Each frame is a 4-byte big-endian length prefix followed by exactly that many
// bytes of JSON. Frames are capped at MaxFrameSize; anything larger is a
// protocol violation on whichever side produced it.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame's JSON body. The channel carries small
// control messages, so 1 MiB is generous headroom rather than a real limit.
const MaxFrameSize = 1 << 20

// Operations understood by the sidecar.
const (
	OpHandshake = "handshake"
	OpDecompose = "decompose"
	OpQuit      = "quit"
)

// Request is the envelope for every frame the core writes to the sidecar.
type Request struct {
	ID      string          `json:"id"`
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the envelope for every frame the sidecar writes back. ID echoes
// the request so the core can match responses after retries.
type Response struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HandshakeReply is the payload of a successful OpHandshake response.
type HandshakeReply struct {
	Version    string `json:"version"`
	AngleCount int    `json:"angle_count"`
}

// DecomposeRequest is the payload of an OpDecompose request.
type DecomposeRequest struct {
	QueryID string `json:"query_id"`
	RawText string `json:"raw_text"`
}

// BranchPlan is one angle of inquiry produced by decomposition, before any
// retrieval has happened.
type BranchPlan struct {
	Label       string `json:"label"`
	SubQuestion string `json:"sub_question"`
}

// DecomposeReply is the payload of a successful OpDecompose response.
type DecomposeReply struct {
	QueryID  string       `json:"query_id"`
	Branches []BranchPlan `json:"branches"`
}

// WriteFrame marshals v and writes it as one length-prefixed frame.
func WriteFrame(w io.Writer, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes (max %d)", len(body), MaxFrameSize)
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and unmarshals it into v.
// Returns io.EOF untouched when the stream ends cleanly at a frame boundary.
func ReadFrame(r io.Reader, v interface{}) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("read frame header: %w", err)
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes (max %d)", n, MaxFrameSize)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read frame body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}
