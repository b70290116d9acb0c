// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package connection

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mongowire/driver/internal/address"
)

// fakeConn is a net.Conn that answers every read with a minimal OP_MSG
// hello reply and discards writes, so Dial can complete its handshake
// without touching the network.
type fakeConn struct {
	net.Conn
	reply []byte
	pos   int
}

func (f *fakeConn) Read(b []byte) (int, error) {
	if f.pos >= len(f.reply) {
		return 0, context.DeadlineExceeded
	}
	n := copy(b, f.reply[f.pos:])
	f.pos += n
	return n, nil
}

func (f *fakeConn) Write(b []byte) (int, error) { return len(b), nil }
func (f *fakeConn) Close() error                { return nil }
func (f *fakeConn) SetDeadline(time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func helloReplyBytes(t *testing.T) []byte {
	t.Helper()
	// A handcrafted OP_MSG reply: header + flags(0) + kind-0 section with
	// an empty body document ({}).
	body := []byte{5, 0, 0, 0, 0} // length=5, terminator
	msg := make([]byte, 0, 26)
	msg = append(msg, 0, 0, 0, 0) // length placeholder
	msg = append(msg, 0, 0, 0, 0) // requestID
	msg = append(msg, 0, 0, 0, 0) // responseTo
	msg = append(msg, 221, 7, 0, 0) // opcode 2013 little-endian
	msg = append(msg, 0, 0, 0, 0)   // flags
	msg = append(msg, 0)            // section kind 0
	msg = append(msg, body...)
	length := len(msg)
	msg[0] = byte(length)
	msg[1] = byte(length >> 8)
	msg[2] = byte(length >> 16)
	msg[3] = byte(length >> 24)
	return msg
}

func fakeDialer(t *testing.T) DialerFunc {
	reply := helloReplyBytes(t)
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return &fakeConn{reply: reply}, nil
	}
}

func TestPoolCheckoutDialsUpToMaxSize(t *testing.T) {
	pool := NewPool(PoolConfig{
		Address: address.Address("localhost:27017"),
		MaxSize: 2,
		Dialer:  fakeDialer(t),
	})
	pool.Ready()
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	c1, err := pool.Checkout(ctx)
	require.NoError(t, err)
	c2, err := pool.Checkout(ctx)
	require.NoError(t, err)

	shortCtx, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	_, err = pool.Checkout(shortCtx)
	require.ErrorIs(t, err, ErrWaitQueueTimeout)

	pool.Checkin(c1)
	pool.Checkin(c2)
}

func TestPoolCheckinReusesConnection(t *testing.T) {
	pool := NewPool(PoolConfig{
		Address: address.Address("localhost:27017"),
		MaxSize: 1,
		Dialer:  fakeDialer(t),
	})
	pool.Ready()
	defer pool.Close()

	ctx := context.Background()
	c1, err := pool.Checkout(ctx)
	require.NoError(t, err)
	id := c1.ID()
	pool.Checkin(c1)

	c2, err := pool.Checkout(ctx)
	require.NoError(t, err)
	require.Equal(t, id, c2.ID())
}

func TestPoolClearInvalidatesOutstandingConnections(t *testing.T) {
	pool := NewPool(PoolConfig{
		Address: address.Address("localhost:27017"),
		MaxSize: 1,
		Dialer:  fakeDialer(t),
	})
	pool.Ready()
	defer pool.Close()

	ctx := context.Background()
	c1, err := pool.Checkout(ctx)
	require.NoError(t, err)
	pool.Checkin(c1)

	pool.Clear("")
	pool.Ready()

	c2, err := pool.Checkout(ctx)
	require.NoError(t, err)
	require.NotEqual(t, c1.ID(), c2.ID())
}

func TestPoolCheckoutFailsAfterClose(t *testing.T) {
	pool := NewPool(PoolConfig{
		Address: address.Address("localhost:27017"),
		MaxSize: 1,
		Dialer:  fakeDialer(t),
	})
	pool.Ready()
	pool.Close()

	_, err := pool.Checkout(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)
}
