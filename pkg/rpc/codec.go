package rpc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/jacktea/chunkvault/pkg/node"
)

const (
	// MaxHeaderBytes bounds the JSON header of a frame.
	MaxHeaderBytes = 64 * 1024
	// MaxBodyBytes bounds the raw body of a frame.
	MaxBodyBytes = 64 * 1024 * 1024
)

// Header is the JSON part of a frame. Requests fill the addressing fields;
// responses fill Key or Error.
type Header struct {
	Key     string    `json:"key,omitempty"`
	Seed    node.Seed `json:"seed,omitempty"`
	Index   uint32    `json:"index,omitempty"`
	ByIndex bool      `json:"by_index,omitempty"`
	Error   string    `json:"error,omitempty"`
	BodyLen uint64    `json:"body_len"`
}

// WriteFrame writes a 4-byte big-endian header length, the JSON header and
// then body verbatim.
func WriteFrame(w io.Writer, hdr Header, body []byte) error {
	hdr.BodyLen = uint64(len(body))
	headerBytes, err := json.Marshal(hdr)
	if err != nil {
		return err
	}
	if len(headerBytes) > MaxHeaderBytes {
		return fmt.Errorf("rpc: header too large: %d bytes", len(headerBytes))
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(headerBytes))); err != nil {
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one frame written by WriteFrame.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	var hdr Header
	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return hdr, nil, err
	}
	if headerLen == 0 || headerLen > MaxHeaderBytes {
		return hdr, nil, fmt.Errorf("rpc: invalid header length: %d", headerLen)
	}
	headerBuf := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return hdr, nil, err
	}
	if err := json.Unmarshal(headerBuf, &hdr); err != nil {
		return hdr, nil, fmt.Errorf("rpc: decode header: %w", err)
	}
	if hdr.BodyLen == 0 {
		return hdr, nil, nil
	}
	if hdr.BodyLen > MaxBodyBytes {
		return hdr, nil, fmt.Errorf("rpc: body too large: %d", hdr.BodyLen)
	}
	body := make([]byte, int(hdr.BodyLen))
	if _, err := io.ReadFull(r, body); err != nil {
		return hdr, nil, err
	}
	return hdr, body, nil
}

// RetrieveHeader encodes the addressing of req.
func RetrieveHeader(req RetrieveRequest) Header {
	return Header{Key: req.Key, Seed: req.Seed, Index: req.Index, ByIndex: req.ByIndex}
}

// RetrieveFromHeader is the inverse of RetrieveHeader.
func RetrieveFromHeader(hdr Header) RetrieveRequest {
	return RetrieveRequest{Key: hdr.Key, Seed: hdr.Seed, Index: hdr.Index, ByIndex: hdr.ByIndex}
}
