// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package wiremessage implements OP_MSG frame encode/decode. It is pure
// and synchronous: it performs no I/O, and knows nothing of sockets,
// pools, or servers.
package wiremessage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mongowire/driver/internal/bsoncore"
)

// OpCode identifies the wire protocol message kind. Only OP_MSG is emitted;
// OP_COMPRESSED wraps an OP_MSG payload.
type OpCode int32

// The two opcodes this package speaks.
const (
	OpMsg        OpCode = 2013
	OpCompressed OpCode = 2012
)

// MsgFlags are the 4 bytes of flag bits at the start of an OP_MSG body.
type MsgFlags uint32

// Recognized OP_MSG flag bits.
const (
	ChecksumPresent MsgFlags = 1 << 0
	MoreToCome      MsgFlags = 1 << 1
	ExhaustAllowed  MsgFlags = 1 << 16
)

// SectionKind tags an OP_MSG section.
type SectionKind byte

// The two section kinds defined by the protocol.
const (
	SectionKindBody           SectionKind = 0
	SectionKindDocumentSequence SectionKind = 1
)

// Errors returned while decoding malformed frames.
var (
	ErrInvalidLength  = errors.New("wiremessage: invalid length")
	ErrUnknownOpCode  = errors.New("wiremessage: unknown opcode")
	ErrMalformedBSON  = errors.New("wiremessage: malformed BSON section")
	ErrNoBodySection  = errors.New("wiremessage: message has no kind-0 body section")
)

const headerLen = 16

// DocumentSequence is a kind-1 section: a named sequence of documents, used
// to offload bulk write payloads out of the main command body.
type DocumentSequence struct {
	Identifier string
	Documents  []bsoncore.Document
}

// Request is an outgoing OP_MSG message.
type Request struct {
	RequestID int32
	Flags     MsgFlags
	Body      bsoncore.Document
	Sequences []DocumentSequence
}

// Reply is a decoded OP_MSG message, either a request we received or a
// response to one we sent.
type Reply struct {
	RequestID  int32
	ResponseTo int32
	Flags      MsgFlags
	Body       bsoncore.Document
	Sequences  []DocumentSequence
}

// Encode serializes req into a complete wire message, including its
// 16-byte header. responseTo is normally 0 for a client request.
func Encode(req Request, responseTo int32, dst []byte) ([]byte, error) {
	start := len(dst)
	dst = appendHeaderPlaceholder(dst)

	var flagBuf [4]byte
	binary.LittleEndian.PutUint32(flagBuf[:], uint32(req.Flags))
	dst = append(dst, flagBuf[:]...)

	dst = append(dst, byte(SectionKindBody))
	if err := req.Body.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBSON, err)
	}
	dst = append(dst, req.Body...)

	for _, seq := range req.Sequences {
		dst = append(dst, byte(SectionKindDocumentSequence))
		seqStart := len(dst)
		dst = appendLengthPlaceholder(dst)
		dst = append(dst, seq.Identifier...)
		dst = append(dst, 0x00)
		for _, d := range seq.Documents {
			if err := d.Validate(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedBSON, err)
			}
			dst = append(dst, d...)
		}
		binary.LittleEndian.PutUint32(dst[seqStart:seqStart+4], uint32(len(dst)-seqStart))
	}

	fillHeader(dst[start:], int32(len(dst)-start), req.RequestID, responseTo, OpMsg)
	return dst, nil
}

func appendHeaderPlaceholder(dst []byte) []byte {
	var z [headerLen]byte
	return append(dst, z[:]...)
}

func appendLengthPlaceholder(dst []byte) []byte {
	var z [4]byte
	return append(dst, z[:]...)
}

func fillHeader(dst []byte, length, requestID, responseTo int32, opCode OpCode) {
	binary.LittleEndian.PutUint32(dst[0:4], uint32(length))
	binary.LittleEndian.PutUint32(dst[4:8], uint32(requestID))
	binary.LittleEndian.PutUint32(dst[8:12], uint32(responseTo))
	binary.LittleEndian.PutUint32(dst[12:16], uint32(opCode))
}

// Header is the decoded 16-byte wire message header.
type Header struct {
	MessageLength int32
	RequestID     int32
	ResponseTo    int32
	OpCode        OpCode
}

// ReadHeader parses the first 16 bytes of src.
func ReadHeader(src []byte) (Header, error) {
	if len(src) < headerLen {
		return Header{}, ErrInvalidLength
	}
	return Header{
		MessageLength: int32(binary.LittleEndian.Uint32(src[0:4])),
		RequestID:     int32(binary.LittleEndian.Uint32(src[4:8])),
		ResponseTo:    int32(binary.LittleEndian.Uint32(src[8:12])),
		OpCode:        OpCode(binary.LittleEndian.Uint32(src[12:16])),
	}, nil
}

// Decode parses a complete wire message (header included) into a Reply. It
// verifies that the declared length matches len(src), that there is at
// least one kind-0 section, and that every section's BSON length prefix
// agrees with its content.
func Decode(src []byte) (Reply, error) {
	hdr, err := ReadHeader(src)
	if err != nil {
		return Reply{}, err
	}
	if int(hdr.MessageLength) != len(src) {
		return Reply{}, fmt.Errorf("%w: declared %d, got %d", ErrInvalidLength, hdr.MessageLength, len(src))
	}
	if hdr.OpCode != OpMsg {
		return Reply{}, fmt.Errorf("%w: %d", ErrUnknownOpCode, hdr.OpCode)
	}

	rest := src[headerLen:]
	if len(rest) < 4 {
		return Reply{}, ErrInvalidLength
	}
	flags := MsgFlags(binary.LittleEndian.Uint32(rest[:4]))
	rest = rest[4:]

	reply := Reply{
		RequestID:  hdr.RequestID,
		ResponseTo: hdr.ResponseTo,
		Flags:      flags,
	}

	haveBody := false
	for len(rest) > 0 {
		if flags&ChecksumPresent != 0 && len(rest) == 4 {
			// trailing CRC-32C checksum; not validated here.
			break
		}
		kind := SectionKind(rest[0])
		rest = rest[1:]
		switch kind {
		case SectionKindBody:
			length, _, ok := bsoncore.ReadLength(rest)
			if !ok || int(length) > len(rest) {
				return Reply{}, ErrMalformedBSON
			}
			doc := bsoncore.Document(rest[:length])
			if err := doc.Validate(); err != nil {
				return Reply{}, fmt.Errorf("%w: %v", ErrMalformedBSON, err)
			}
			reply.Body = doc
			haveBody = true
			rest = rest[length:]
		case SectionKindDocumentSequence:
			seqLen, tail, ok := bsoncore.ReadLength(rest)
			if !ok || seqLen < 4 || int(seqLen) > len(rest) {
				return Reply{}, ErrMalformedBSON
			}
			seqBytes := rest[4:seqLen]
			nameEnd := indexNull(seqBytes)
			if nameEnd < 0 {
				return Reply{}, ErrMalformedBSON
			}
			seq := DocumentSequence{Identifier: string(seqBytes[:nameEnd])}
			docs := seqBytes[nameEnd+1:]
			for len(docs) > 0 {
				dl, _, ok := bsoncore.ReadLength(docs)
				if !ok || int(dl) > len(docs) {
					return Reply{}, ErrMalformedBSON
				}
				d := bsoncore.Document(docs[:dl])
				if err := d.Validate(); err != nil {
					return Reply{}, fmt.Errorf("%w: %v", ErrMalformedBSON, err)
				}
				seq.Documents = append(seq.Documents, d)
				docs = docs[dl:]
			}
			reply.Sequences = append(reply.Sequences, seq)
			rest = tail[int(seqLen)-4:]
		default:
			return Reply{}, fmt.Errorf("%w: section kind %d", ErrMalformedBSON, kind)
		}
	}

	if !haveBody {
		return Reply{}, ErrNoBodySection
	}

	return reply, nil
}

func indexNull(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}
