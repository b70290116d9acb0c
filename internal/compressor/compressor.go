// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package compressor implements the OP_COMPRESSED payload codecs for the
// three compressors the connection-string `compressors` option accepts:
// snappy, zlib, and zstd.
package compressor

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/golang/snappy"
	kzstd "github.com/klauspost/compress/zstd"
)

// ID is the wire-level compressor identifier sent in OP_COMPRESSED.
type ID byte

// The compressor IDs defined by the wire protocol.
const (
	IDNoop   ID = 0
	IDSnappy ID = 1
	IDZlib   ID = 2
	IDZstd   ID = 3
)

// Compressor compresses and decompresses OP_MSG payloads for transport as
// OP_COMPRESSED.
type Compressor interface {
	ID() ID
	Name() string
	Compress(dst, src []byte) ([]byte, error)
	Decompress(dst, src []byte, uncompressedSize int32) ([]byte, error)
}

// ByName returns the Compressor for a connection-string `compressors`
// token ("snappy", "zlib", "zstd"), or nil if unrecognized.
func ByName(name string) Compressor {
	switch name {
	case "snappy":
		return snappyCompressor{}
	case "zlib":
		return zlibCompressor{}
	case "zstd":
		return zstdCompressor{}
	default:
		return nil
	}
}

type snappyCompressor struct{}

func (snappyCompressor) ID() ID          { return IDSnappy }
func (snappyCompressor) Name() string    { return "snappy" }
func (snappyCompressor) Compress(dst, src []byte) ([]byte, error) {
	return snappy.Encode(dst, src), nil
}
func (snappyCompressor) Decompress(dst, src []byte, _ int32) ([]byte, error) {
	return snappy.Decode(dst, src)
}

type zlibCompressor struct{}

func (zlibCompressor) ID() ID       { return IDZlib }
func (zlibCompressor) Name() string { return "zlib" }

func (zlibCompressor) Compress(dst, src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("compressor: zlib compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compressor: zlib compress: %w", err)
	}
	return append(dst, buf.Bytes()...), nil
}

func (zlibCompressor) Decompress(dst, src []byte, uncompressedSize int32) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("compressor: zlib decompress: %w", err)
	}
	defer r.Close()

	out := dst
	if cap(out) < len(out)+int(uncompressedSize) {
		grown := make([]byte, len(out), len(out)+int(uncompressedSize))
		copy(grown, out)
		out = grown
	}
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, fmt.Errorf("compressor: zlib decompress: %w", err)
	}
	return buf.Bytes(), nil
}

type zstdCompressor struct{}

func (zstdCompressor) ID() ID       { return IDZstd }
func (zstdCompressor) Name() string { return "zstd" }

func (zstdCompressor) Compress(dst, src []byte) ([]byte, error) {
	enc, err := kzstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("compressor: zstd compress: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(src, dst), nil
}

func (zstdCompressor) Decompress(dst, src []byte, _ int32) ([]byte, error) {
	dec, err := kzstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("compressor: zstd decompress: %w", err)
	}
	defer dec.Close()
	return dec.DecodeAll(src, dst)
}
