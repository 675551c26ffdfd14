// Copyright 2026 The Coracle Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/coracle-net/coracle/lib/codec"
	"github.com/coracle-net/coracle/lib/compress"
)

// Compressed bodies carry a 4-byte little-endian uncompressed size
// before the compressed bytes, so the receiver can size its output
// buffer and its memory reservation. Header.Size always counts the
// wire bytes (prefix included).
const compressedSizePrefix = 4

// Body is a fully received request body together with the memory
// units reserved for it. Release returns the units; handlers defer it.
type Body struct {
	// Bytes is the decompressed body.
	Bytes []byte

	units []*Units
}

// Release returns every memory unit reserved for the body. Idempotent
// and safe on a nil receiver.
func (b *Body) Release() {
	if b == nil {
		return
	}
	for _, units := range b.units {
		units.Release()
	}
}

// Decode unmarshals the body's CBOR into v.
func (b *Body) Decode(v any) error {
	return codec.Unmarshal(b.Bytes, v)
}

// ReadBody implements the handler contract for whole-body methods:
// reserve Header.Size units, read exactly that many bytes, signal
// body-parse completion, then decompress per the header flags.
//
// For compressed bodies the decompression delta is reserved in a
// second one-shot acquisition after the size prefix is known. A
// compressed request sized near the full memory budget can therefore
// deadlock against itself; keep oversized payloads uncompressed.
func ReadBody(input *bufio.Reader, sctx *StreamingContext) (*Body, error) {
	header := sctx.Header()

	units, err := sctx.ReserveMemory(uint64(header.Size))
	if err != nil {
		return nil, fmt.Errorf("reserving request memory: %w", err)
	}

	raw := make([]byte, header.Size)
	if _, err := io.ReadFull(input, raw); err != nil {
		units.Release()
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	sctx.SignalBodyParse()

	tag := header.CompressionTag()
	if tag == compress.None {
		return &Body{Bytes: raw, units: []*Units{units}}, nil
	}

	if len(raw) < compressedSizePrefix {
		units.Release()
		return nil, fmt.Errorf("compressed body of %d bytes lacks size prefix", len(raw))
	}
	uncompressedSize := binary.LittleEndian.Uint32(raw)

	allUnits := []*Units{units}
	compressedSize := uint64(len(raw) - compressedSizePrefix)
	if uint64(uncompressedSize) > compressedSize {
		extra, err := sctx.ReserveMemory(uint64(uncompressedSize) - compressedSize)
		if err != nil {
			units.Release()
			return nil, fmt.Errorf("reserving decompression memory: %w", err)
		}
		allUnits = append(allUnits, extra)
	}

	decoded, err := compress.Decode(raw[compressedSizePrefix:], tag, int(uncompressedSize))
	if err != nil {
		for _, u := range allUnits {
			u.Release()
		}
		return nil, fmt.Errorf("decompressing request body: %w", err)
	}
	return &Body{Bytes: decoded, units: allUnits}, nil
}

// Reply is a framed response under construction. The dispatch loop
// stamps the correlation id when the write is issued, so handlers only
// provide the payload.
type Reply struct {
	flags uint8
	body  []byte
}

// NewReply frames body uncompressed.
func NewReply(body []byte) *Reply {
	return &Reply{body: body}
}

// NewCompressedReply frames body with the requested compression,
// falling back to an uncompressed frame when the body is
// incompressible.
func NewCompressedReply(body []byte, tag compress.Tag) (*Reply, error) {
	compressed, used, err := compress.EncodeAuto(body, tag)
	if err != nil {
		return nil, fmt.Errorf("compressing reply: %w", err)
	}
	if used == compress.None {
		return &Reply{body: body}, nil
	}

	framed := make([]byte, compressedSizePrefix+len(compressed))
	binary.LittleEndian.PutUint32(framed, uint32(len(body)))
	copy(framed[compressedSizePrefix:], compressed)
	return &Reply{flags: uint8(used), body: framed}, nil
}

// EncodeReply marshals v as CBOR and frames it, compressing with tag
// when that makes the frame smaller.
func EncodeReply(v any, tag compress.Tag) (*Reply, error) {
	encoded, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding reply: %w", err)
	}
	if tag == compress.None {
		return NewReply(encoded), nil
	}
	return NewCompressedReply(encoded, tag)
}

// WireSize returns the framed size of the reply, header included.
func (r *Reply) WireSize() int {
	return HeaderSize + len(r.body)
}

// wireBuffers builds the scatter-gather view written to the socket:
// the reply header followed by the body, without copying the body.
func (r *Reply) wireBuffers(meta, correlationID uint32) net.Buffers {
	header := EncodeHeader(Header{
		Flags:         r.flags,
		Meta:          meta,
		Size:          uint32(len(r.body)),
		CorrelationID: correlationID,
	})
	return net.Buffers{header[:], r.body}
}

// DecodeReplyBody undoes reply framing on the client side: given the
// reply header and its Size body bytes, returns the decompressed
// payload.
func DecodeReplyBody(header Header, body []byte) ([]byte, error) {
	tag := header.CompressionTag()
	if tag == compress.None {
		return body, nil
	}
	if len(body) < compressedSizePrefix {
		return nil, fmt.Errorf("compressed reply of %d bytes lacks size prefix", len(body))
	}
	uncompressedSize := binary.LittleEndian.Uint32(body)
	decoded, err := compress.Decode(body[compressedSizePrefix:], tag, int(uncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("decompressing reply body: %w", err)
	}
	return decoded, nil
}
