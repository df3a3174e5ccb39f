package websocket

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/gorecon/internal/authoritytest"
	"github.com/betbot/gorecon/internal/protocol"
)

func syncPayload(t *testing.T) []byte {
	t.Helper()
	p, err := protocol.EncodeSyncRequest(234000, time.Now())
	require.NoError(t, err)
	return p
}

func TestRPCClient_CallRoundTrip(t *testing.T) {
	srv := authoritytest.New()
	defer srv.Close()
	srv.SetAccount(authoritytest.EURUSDAccount())
	srv.SetPositions(authoritytest.EURUSDPosition())

	c := NewRPCClient(RPCConfig{URL: srv.RPCURL()})
	defer c.Close()

	reply, err := c.Call(context.Background(), syncPayload(t), time.Second)
	require.NoError(t, err)

	snap, err := protocol.DecodeSyncResponse(reply, time.Now())
	require.NoError(t, err)
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, int64(123456), snap.Positions[0].Ticket)
	assert.True(t, c.Connected())

	// 第二次调用复用同一连接
	_, err = c.Call(context.Background(), syncPayload(t), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.RPCConnections())
	assert.Equal(t, 2, srv.SyncCalls())
}

func TestRPCClient_TimeoutDropsConnection(t *testing.T) {
	srv := authoritytest.New()
	defer srv.Close()
	srv.SetMode(authoritytest.ModeSilent, 1)

	c := NewRPCClient(RPCConfig{URL: srv.RPCURL()})
	defer c.Close()

	start := time.Now()
	_, err := c.Call(context.Background(), syncPayload(t), 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
	assert.True(t, IsRetryable(err))
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, c.Connected())

	// 下一次调用在新连接上进行，不会读到迟到的应答
	_, err = c.Call(context.Background(), syncPayload(t), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, srv.RPCConnections())
}

func TestRPCClient_ContextCancelIsTimeout(t *testing.T) {
	srv := authoritytest.New()
	defer srv.Close()
	srv.SetMode(authoritytest.ModeSilent, 0)

	c := NewRPCClient(RPCConfig{URL: srv.RPCURL()})
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := c.Call(ctx, syncPayload(t), 5*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
}

func TestRPCClient_ConnectionError(t *testing.T) {
	srv := authoritytest.New()
	url := srv.RPCURL()
	srv.Close()

	c := NewRPCClient(RPCConfig{URL: url})
	defer c.Close()

	_, err := c.Call(context.Background(), syncPayload(t), time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnection), "got %v", err)
	assert.True(t, IsRetryable(err))
}

func TestRPCClient_PeerDropIsConnectionError(t *testing.T) {
	srv := authoritytest.New()
	defer srv.Close()
	srv.SetMode(authoritytest.ModeDrop, 1)

	c := NewRPCClient(RPCConfig{URL: srv.RPCURL()})
	defer c.Close()

	_, err := c.Call(context.Background(), syncPayload(t), time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnection), "got %v", err)
	assert.False(t, c.Connected())
}

func TestRPCClient_MalformedReply(t *testing.T) {
	srv := authoritytest.New()
	defer srv.Close()
	srv.SetMode(authoritytest.ModeGarbage, 1)

	c := NewRPCClient(RPCConfig{URL: srv.RPCURL()})
	defer c.Close()

	_, err := c.Call(context.Background(), syncPayload(t), time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrResponseFormat), "got %v", err)
	assert.False(t, IsRetryable(err))

	var fe *protocol.FormatError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "not json at all", fe.Payload)

	// 格式错误后连接被丢弃，下一次调用重新拨号
	assert.False(t, c.Connected())
	reply, err := c.Call(context.Background(), syncPayload(t), time.Second)
	require.NoError(t, err)
	assert.True(t, c.Connected())
	_, err = protocol.DecodeSyncResponse(reply, time.Now())
	require.NoError(t, err)
}

func TestRPCClient_HalfDuplex(t *testing.T) {
	srv := authoritytest.New()
	defer srv.Close()
	srv.SetDelay(300 * time.Millisecond)

	c := NewRPCClient(RPCConfig{URL: srv.RPCURL()})
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	payload := syncPayload(t)
	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		_, firstErr = c.Call(context.Background(), payload, 2*time.Second)
	}()

	// 等第一个请求占住通道
	require.Eventually(t, func() bool { return srv.SyncCalls() == 1 }, time.Second, 5*time.Millisecond)

	_, err := c.Call(context.Background(), payload, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)

	wg.Wait()
	require.NoError(t, firstErr)
	// 第二个请求从未被发出
	assert.Equal(t, 1, srv.SyncCalls())
}

func TestRPCClient_Closed(t *testing.T) {
	srv := authoritytest.New()
	defer srv.Close()

	c := NewRPCClient(RPCConfig{URL: srv.RPCURL()})
	require.NoError(t, c.Close())

	_, err := c.Call(context.Background(), syncPayload(t), time.Second)
	assert.True(t, errors.Is(err, ErrClosed), "got %v", err)
}

func TestRPCClient_Reconnect(t *testing.T) {
	srv := authoritytest.New()
	defer srv.Close()

	c := NewRPCClient(RPCConfig{URL: srv.RPCURL()})
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Reconnect(context.Background()))
	assert.True(t, c.Connected())
	require.Eventually(t, func() bool { return srv.RPCConnections() == 2 }, time.Second, 5*time.Millisecond)
}
