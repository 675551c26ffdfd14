// Copyright 2026 The Coracle Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/coracle-net/coracle/lib/compress"
)

// Wire header, little-endian, 18 bytes. The same layout frames
// requests and replies; replies echo the request's method id and
// correlation id.
//
//	offset  width  field
//	0       1      version
//	1       1      flags (low 2 bits: body compression tag)
//	2       4      meta (method id)
//	6       4      size (body byte count)
//	10      4      correlation id
//	14      4      CRC32-C of bytes 0..13
const (
	// HeaderSize is the exact wire width of a header.
	HeaderSize = 18

	// ProtocolVersion is the only version this implementation speaks.
	ProtocolVersion = 1

	// flagCompressionMask selects the body compression tag bits.
	flagCompressionMask = 0x03

	checksumOffset = 14
)

// Header is the parsed fixed-width record at the start of every
// request and reply. A well-formed request is exactly
// HeaderSize + Size bytes of ingress.
type Header struct {
	Version       uint8
	Flags         uint8
	Meta          uint32
	Size          uint32
	CorrelationID uint32
	Checksum      uint32
}

// CompressionTag returns the body compression tag carried in Flags.
func (h Header) CompressionTag() compress.Tag {
	return compress.Tag(h.Flags & flagCompressionMask)
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// EncodeHeader serializes h, computing the checksum field. The Version
// field is forced to ProtocolVersion.
func EncodeHeader(h Header) [HeaderSize]byte {
	var buf [HeaderSize]byte
	buf[0] = ProtocolVersion
	buf[1] = h.Flags
	binary.LittleEndian.PutUint32(buf[2:6], h.Meta)
	binary.LittleEndian.PutUint32(buf[6:10], h.Size)
	binary.LittleEndian.PutUint32(buf[10:14], h.CorrelationID)
	binary.LittleEndian.PutUint32(buf[checksumOffset:], crc32.Checksum(buf[:checksumOffset], castagnoli))
	return buf
}

// DecodeHeader parses an encoded header. Returns ok=false when the
// checksum does not cover the field bytes or the version is unknown —
// the two recognizable forms of corruption.
func DecodeHeader(buf [HeaderSize]byte) (Header, bool) {
	h := Header{
		Version:       buf[0],
		Flags:         buf[1],
		Meta:          binary.LittleEndian.Uint32(buf[2:6]),
		Size:          binary.LittleEndian.Uint32(buf[6:10]),
		CorrelationID: binary.LittleEndian.Uint32(buf[10:14]),
		Checksum:      binary.LittleEndian.Uint32(buf[checksumOffset:]),
	}
	if h.Checksum != crc32.Checksum(buf[:checksumOffset], castagnoli) {
		return Header{}, false
	}
	if h.Version != ProtocolVersion {
		return Header{}, false
	}
	return h, true
}

// ReadHeader reads exactly HeaderSize bytes from r and parses them.
//
// Returns (header, true, nil) on success and (zero, false, nil) on
// corruption or a short read — the caller counts the corruption and
// may keep reading: if the stream is still aligned the next request
// parses cleanly, and if it is not, subsequent reads fail or EOF and
// the loop exits naturally. A clean EOF before any byte is returned as
// io.EOF; other read errors pass through.
func ReadHeader(r io.Reader) (Header, bool, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			// Truncated header: treat as corruption, let the next
			// read observe EOF.
			return Header{}, false, nil
		}
		return Header{}, false, err
	}
	h, ok := DecodeHeader(buf)
	return h, ok, nil
}
