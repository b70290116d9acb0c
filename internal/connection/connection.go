// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package connection contains the types for building and pooling
// connections that speak the MongoDB wire protocol. It purposefully hides
// the underlying net.Conn and exposes only the framed, handshaken,
// authenticated request/reply surface an operation executor needs
package connection

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/mongowire/driver/internal/address"
	"github.com/mongowire/driver/internal/auth"
	"github.com/mongowire/driver/internal/bsoncore"
	"github.com/mongowire/driver/internal/compressor"
	"github.com/mongowire/driver/internal/description"
	"github.com/mongowire/driver/internal/wiremessage"

	"github.com/mongowire/driver/event"
)

// State is the lifecycle state of a Connection.
type State int

// The four Connection lifecycle states.
const (
	StatePending State = iota
	StateAvailable
	StateInUse
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAvailable:
		return "available"
	case StateInUse:
		return "in_use"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var globalConnectionID uint64

func nextConnectionID() uint64 {
	return atomic.AddUint64(&globalConnectionID, 1)
}

// Dialer is used to make network connections. Tests substitute a fake
// implementation to avoid touching the network.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DialerFunc adapts a function to a Dialer.
type DialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

// DialContext implements Dialer.
func (df DialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return df(ctx, network, address)
}

// DefaultDialer is the package-level Dialer used when no Option overrides
// it.
var DefaultDialer Dialer = &net.Dialer{}

// ErrConnectionClosed is returned by operations on a Closed connection.
var ErrConnectionClosed = errors.New("connection: connection is closed")

// Connection is a single authenticated, handshaken socket to a mongod or
// mongos, framing requests and replies as OP_MSG/OP_COMPRESSED.
type Connection struct {
	id          string
	numericID   uint64
	generation  uint64
	serviceID   string
	addr        address.Address
	nc          net.Conn
	state       State
	desc        description.ServerDescription
	compressor  compressor.Compressor
	idleTimeout time.Duration
	idleSince   time.Time
	createdAt   time.Time
	readBuf     []byte
	poolMonitor *event.PoolMonitor
}

// Config carries the per-connection parameters a Pool fills in when
// dialing; it mirrors the handshake-relevant subset of client options.
type Config struct {
	Dialer         Dialer
	TLSConfig      *tls.Config
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	AppName        string
	Compressors    []compressor.Compressor
	Authenticator  *auth.ScramSHA256Authenticator
	Generation     uint64
	ServiceID      string
	PoolMonitor    *event.PoolMonitor
}

// Dial opens a TCP/TLS socket to addr, runs the hello handshake, and
// authenticates, returning an Available connection plus the server
// description the handshake observed.
func Dial(ctx context.Context, addr address.Address, cfg Config) (*Connection, description.ServerDescription, error) {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = DefaultDialer
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if cfg.ConnectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	nc, err := dialer.DialContext(dialCtx, addr.Network(), addr.String())
	if err != nil {
		return nil, description.ServerDescription{}, fmt.Errorf("connection: dial %s: %w", addr, err)
	}

	if cfg.TLSConfig != nil {
		tlsConf := cfg.TLSConfig.Clone()
		if tlsConf.ServerName == "" {
			tlsConf.ServerName = addr.Hostname()
		}
		tlsConn := tls.Client(nc, tlsConf)
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			nc.Close()
			return nil, description.ServerDescription{}, fmt.Errorf("connection: tls handshake %s: %w", addr, err)
		}
		nc = tlsConn
	}

	connID := nextConnectionID()
	c := &Connection{
		id:          fmt.Sprintf("%s[%d]", addr, connID),
		numericID:   connID,
		generation:  cfg.Generation,
		serviceID:   cfg.ServiceID,
		addr:        addr,
		nc:          nc,
		state:       StatePending,
		idleTimeout: cfg.IdleTimeout,
		createdAt:   time.Now(),
		readBuf:     make([]byte, 256),
		poolMonitor: cfg.PoolMonitor,
	}
	c.publish(func(m *event.PoolMonitor) {
		if m != nil && m.ConnectionCreated != nil {
			m.ConnectionCreated(event.ConnectionCreatedEvent{Address: string(addr), ConnectionID: c.numericID})
		}
	})

	desc, err := c.handshake(ctx, cfg)
	if err != nil {
		nc.Close()
		return nil, description.ServerDescription{}, err
	}

	if cfg.Authenticator != nil {
		if err := cfg.Authenticator.Authenticate(ctx, c); err != nil {
			nc.Close()
			return nil, description.ServerDescription{}, err
		}
	}

	c.desc = desc
	c.state = StateAvailable
	c.bumpIdle()
	c.publish(func(m *event.PoolMonitor) {
		if m != nil && m.ConnectionReady != nil {
			m.ConnectionReady(event.ConnectionReadyEvent{Address: string(addr), ConnectionID: c.numericID})
		}
	})

	return c, desc, nil
}

// driverName and driverVersion identify this driver in the handshake's
// client metadata document.
const (
	driverName    = "mongowire"
	driverVersion = "1.0.0"
)

// handshake runs the initial hello exchange: it advertises the client
// metadata and offered compressors, parses the reply into a
// ServerDescription, and picks the first compressor the server echoed
// back.
func (c *Connection) handshake(ctx context.Context, cfg Config) (description.ServerDescription, error) {
	client := bsoncore.NewDocumentBuilder().
		AppendDocument("driver", bsoncore.NewDocumentBuilder().
			AppendString("name", driverName).
			AppendString("version", driverVersion).Build()).
		AppendDocument("os", bsoncore.NewDocumentBuilder().
			AppendString("type", runtime.GOOS).
			AppendString("architecture", runtime.GOARCH).Build()).
		AppendString("platform", runtime.Version())
	if cfg.AppName != "" {
		client.AppendDocument("application", bsoncore.NewDocumentBuilder().
			AppendString("name", cfg.AppName).Build())
	}

	builder := bsoncore.NewDocumentBuilder().
		AppendInt32("hello", 1).
		AppendBoolean("helloOk", true).
		AppendDocument("client", client.Build())
	if len(cfg.Compressors) > 0 {
		arr := bsoncore.NewDocumentBuilder()
		for i, comp := range cfg.Compressors {
			arr.AppendString(strconv.Itoa(i), comp.Name())
		}
		builder.AppendArray("compression", arr.Build())
	}
	cmd := builder.Build()

	reply, err := c.RunCommand(ctx, "admin", cmd)
	if err != nil {
		return description.ServerDescription{}, fmt.Errorf("connection: hello handshake: %w", err)
	}

	desc := description.NewServerFromHello(c.addr, reply)
	c.compressor = negotiateCompressor(cfg.Compressors, reply)
	return desc, nil
}

// negotiateCompressor picks the first offered compressor the server's
// reply names in its compression array. No echo means no compression.
func negotiateCompressor(offered []compressor.Compressor, reply bsoncore.Document) compressor.Compressor {
	v, ok := reply.Lookup("compression")
	if !ok {
		return nil
	}
	arr, ok := v.ArrayValue()
	if !ok {
		return nil
	}
	values, ok := arr.Values()
	if !ok {
		return nil
	}
	accepted := make(map[string]bool, len(values))
	for _, av := range values {
		if s, ok := av.StringValue(); ok {
			accepted[s] = true
		}
	}
	for _, comp := range offered {
		if accepted[comp.Name()] {
			return comp
		}
	}
	return nil
}

// RunCommand sends a single OP_MSG command document and returns the
// server's reply body. It satisfies auth.CommandRunner so the SCRAM
// authenticator can drive the saslStart/saslContinue conversation over
// this connection during the handshake.
func (c *Connection) RunCommand(ctx context.Context, db string, cmd bsoncore.Document) (bsoncore.Document, error) {
	full := prependDB(cmd, db)

	// The wire protocol has no mid-operation cancel; cancelling the
	// context closes the socket instead, which surfaces through the
	// standard network-error path.
	stop := c.watchForCancellation(ctx)
	defer stop()

	req := wiremessage.Request{Body: full}
	if err := c.WriteRequest(ctx, req); err != nil {
		return nil, err
	}
	reply, err := c.ReadReply(ctx)
	if err != nil {
		return nil, err
	}
	return reply.Body, nil
}

// watchForCancellation closes the connection if ctx is cancelled while a
// command is in flight. The returned stop function must be called once
// the exchange finishes; it blocks until the watcher goroutine has
// exited, so a cancel can never fire after RunCommand returns.
func (c *Connection) watchForCancellation(ctx context.Context) (stop func()) {
	finished := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			if ctx.Err() == context.Canceled {
				c.Close("operation cancelled")
			}
		case <-finished:
		}
	}()
	return func() {
		close(finished)
		<-exited
	}
}

// prependDB rewrites cmd so that its $db field reflects db. bsoncore has
// no in-place field rewriting, so the command is rebuilt with $db
// appended; servers accept $db in any position within the body document.
func prependDB(cmd bsoncore.Document, db string) bsoncore.Document {
	raw := []byte(cmd)
	if len(raw) < 5 {
		return cmd
	}
	// Strip the trailing NUL terminator so a new element can be appended.
	body := raw[4 : len(raw)-1]
	merged := make([]byte, 0, len(raw)+len(db)+16)
	merged = append(merged, body...)
	dbElemBuilder := bsoncore.NewDocumentBuilder().AppendString("$db", db)
	dbDoc := dbElemBuilder.Build()
	// dbDoc is a full document (length prefix + element + NUL); its single
	// element bytes sit between the 4-byte length prefix and final NUL.
	elemBytes := dbDoc[4 : len(dbDoc)-1]
	merged = append(merged, elemBytes...)

	full := make([]byte, 0, len(merged)+5)
	full = append(full, 0, 0, 0, 0)
	full = append(full, merged...)
	full = append(full, 0)
	length := int32(len(full))
	full[0] = byte(length)
	full[1] = byte(length >> 8)
	full[2] = byte(length >> 16)
	full[3] = byte(length >> 24)
	return bsoncore.Document(full)
}

// WriteRequest frames and writes req, compressing it first if a shared
// compressor was negotiated during the handshake.
func (c *Connection) WriteRequest(ctx context.Context, req wiremessage.Request) error {
	if c.state == StateClosed {
		return ErrConnectionClosed
	}
	if dl, ok := ctx.Deadline(); ok {
		c.nc.SetWriteDeadline(dl)
	} else {
		c.nc.SetWriteDeadline(time.Time{})
	}

	buf, err := wiremessage.Encode(req, 0, nil)
	if err != nil {
		return fmt.Errorf("connection: encode request: %w", err)
	}

	if c.compressor != nil {
		buf, err = c.compressWireMessage(buf)
		if err != nil {
			return fmt.Errorf("connection: compress request: %w", err)
		}
	}

	if _, err := c.nc.Write(buf); err != nil {
		c.markDead()
		return fmt.Errorf("connection: write: %w", err)
	}
	c.bumpIdle()
	return nil
}

// ReadReply reads and decodes the next reply from the wire, transparently
// decompressing OP_COMPRESSED frames.
func (c *Connection) ReadReply(ctx context.Context) (wiremessage.Reply, error) {
	if c.state == StateClosed {
		return wiremessage.Reply{}, ErrConnectionClosed
	}
	if dl, ok := ctx.Deadline(); ok {
		c.nc.SetReadDeadline(dl)
	} else {
		c.nc.SetReadDeadline(time.Time{})
	}

	var sizeBuf [4]byte
	if _, err := io.ReadFull(c.nc, sizeBuf[:]); err != nil {
		c.markDead()
		return wiremessage.Reply{}, fmt.Errorf("connection: read length: %w", err)
	}
	size := int32(sizeBuf[0]) | int32(sizeBuf[1])<<8 | int32(sizeBuf[2])<<16 | int32(sizeBuf[3])<<24
	if size < 4 {
		c.markDead()
		return wiremessage.Reply{}, wiremessage.ErrInvalidLength
	}

	if cap(c.readBuf) < int(size) {
		c.readBuf = make([]byte, size)
	}
	c.readBuf = c.readBuf[:size]
	copy(c.readBuf, sizeBuf[:])
	if _, err := io.ReadFull(c.nc, c.readBuf[4:]); err != nil {
		c.markDead()
		return wiremessage.Reply{}, fmt.Errorf("connection: read body: %w", err)
	}

	hdr, err := wiremessage.ReadHeader(c.readBuf)
	if err != nil {
		c.markDead()
		return wiremessage.Reply{}, err
	}

	raw := c.readBuf
	if hdr.OpCode == wiremessage.OpCompressed {
		raw, err = c.decompressWireMessage(c.readBuf)
		if err != nil {
			c.markDead()
			return wiremessage.Reply{}, fmt.Errorf("connection: decompress reply: %w", err)
		}
	}

	reply, err := wiremessage.Decode(raw)
	if err != nil {
		c.markDead()
		return wiremessage.Reply{}, err
	}
	c.bumpIdle()
	return reply, nil
}

const opCompressedHeaderOverhead = 16 + 4 + 4 + 1 // message header + originalOpCode + uncompressedSize + compressorID

func (c *Connection) compressWireMessage(src []byte) ([]byte, error) {
	hdr, err := wiremessage.ReadHeader(src)
	if err != nil {
		return nil, err
	}
	body := src[16:]
	compressed, err := c.compressor.Compress(nil, body)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(compressed)+32)
	out = append(out, 0, 0, 0, 0) // length placeholder
	out = appendInt32(out, hdr.RequestID)
	out = appendInt32(out, hdr.ResponseTo)
	out = appendInt32(out, int32(wiremessage.OpCompressed))
	out = appendInt32(out, int32(hdr.OpCode))
	out = appendInt32(out, int32(len(body)))
	out = append(out, byte(c.compressor.ID()))
	out = append(out, compressed...)

	length := int32(len(out))
	out[0] = byte(length)
	out[1] = byte(length >> 8)
	out[2] = byte(length >> 16)
	out[3] = byte(length >> 24)
	return out, nil
}

func (c *Connection) decompressWireMessage(src []byte) ([]byte, error) {
	if len(src) < 25 {
		return nil, wiremessage.ErrInvalidLength
	}
	requestID := readInt32(src, 4)
	responseTo := readInt32(src, 8)
	originalOpCode := readInt32(src, 16)
	uncompressedSize := readInt32(src, 20)
	compressorID := src[24]
	compressedBody := src[25:]

	comp := compressor.ByName(compressorNameForID(compressor.ID(compressorID)))
	if comp == nil {
		return nil, fmt.Errorf("connection: unknown compressor id %d", compressorID)
	}
	body, err := comp.Decompress(nil, compressedBody, uncompressedSize)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(body)+16)
	out = append(out, 0, 0, 0, 0)
	out = appendInt32(out, requestID)
	out = appendInt32(out, responseTo)
	out = appendInt32(out, originalOpCode)
	out = append(out, body...)
	length := int32(len(out))
	out[0] = byte(length)
	out[1] = byte(length >> 8)
	out[2] = byte(length >> 16)
	out[3] = byte(length >> 24)
	return out, nil
}

func compressorNameForID(id compressor.ID) string {
	switch id {
	case compressor.IDSnappy:
		return "snappy"
	case compressor.IDZlib:
		return "zlib"
	case compressor.IDZstd:
		return "zstd"
	default:
		return ""
	}
}

func appendInt32(dst []byte, v int32) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func readInt32(b []byte, pos int) int32 {
	return int32(b[pos]) | int32(b[pos+1])<<8 | int32(b[pos+2])<<16 | int32(b[pos+3])<<24
}

func (c *Connection) bumpIdle() {
	c.idleSince = time.Now()
}

func (c *Connection) markDead() {
	c.state = StateClosed
}

// ID returns the connection's opaque identifier, used in log and event
// payloads.
func (c *Connection) ID() string { return c.id }

// Generation is the pool generation this connection was created in; the
// pool compares it on checkout to decide whether to discard a stale
// connection.
func (c *Connection) Generation() uint64 { return c.generation }

// ServiceID is non-empty only behind a load balancer, scoping pool clears
// to the service a SDAM error named.
func (c *Connection) ServiceID() string { return c.serviceID }

// Description returns the ServerDescription observed during this
// connection's handshake.
func (c *Connection) Description() description.ServerDescription { return c.desc }

// Stale reports whether generation no longer matches the pool's current
// generation for this connection's scope.
func (c *Connection) Stale(currentGeneration uint64) bool {
	return c.generation != currentGeneration
}

// Expired reports whether the connection has been idle longer than
// idleTimeout.
func (c *Connection) Expired() bool {
	if c.state == StateClosed {
		return true
	}
	if c.idleTimeout > 0 && !c.idleSince.IsZero() && time.Since(c.idleSince) > c.idleTimeout {
		return true
	}
	return false
}

// Close closes the underlying socket and marks the connection Closed.
func (c *Connection) Close(reason string) error {
	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed
	err := c.nc.Close()
	c.publish(func(m *event.PoolMonitor) {
		if m != nil && m.ConnectionClosed != nil {
			m.ConnectionClosed(event.ConnectionClosedEvent{Address: string(c.addr), ConnectionID: c.numericID, Reason: reason})
		}
	})
	if err != nil {
		return fmt.Errorf("connection: close: %w", err)
	}
	return nil
}

func (c *Connection) publish(fn func(*event.PoolMonitor)) {
	if c.poolMonitor != nil {
		fn(c.poolMonitor)
	}
}
