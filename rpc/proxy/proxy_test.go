package proxy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/twitter/pelikan-sub003/rpc/common"
	"github.com/twitter/pelikan-sub003/rpc/protocol"
)

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Get(ctx context.Context, keys []string) (map[string]Item, error) {
	args := m.Called(ctx, keys)
	items, _ := args.Get(0).(map[string]Item)
	return items, args.Error(1)
}

func (m *mockBackend) Set(ctx context.Context, item Item, ttl time.Duration) error {
	return m.Called(ctx, item, ttl).Error(0)
}

func (m *mockBackend) Delete(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *mockBackend) Close() error { return nil }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// TestExecutor tests the mapping of backend results to replies
func TestExecutor(t *testing.T) {
	ctx := mock.Anything
	m := common.NewMetrics()
	b := &mockBackend{}
	e := NewExecutor(b, 100*time.Millisecond, m)

	b.On("Get", ctx, []string{"a", "b"}).Return(map[string]Item{"b": {Key: "b", Value: []byte("2"), Flags: 7}}, nil).Once()
	resp := e.Execute(&protocol.Request{Kind: protocol.KindGet, Keys: [][]byte{[]byte("a"), []byte("b")}})
	assert.Equal(t, protocol.StatusValues, resp.Status)
	assert.Equal(t, []protocol.Value{{Key: []byte("b"), Data: []byte("2"), Flags: 7}}, resp.Values)

	b.On("Get", ctx, []string{"down"}).Return(nil, errors.New("connection refused")).Once()
	resp = e.Execute(&protocol.Request{Kind: protocol.KindGet, Keys: [][]byte{[]byte("down")}})
	assert.Equal(t, protocol.StatusValues, resp.Status)
	assert.Empty(t, resp.Values)

	b.On("Set", ctx, Item{Key: "k", Value: []byte("v"), Flags: 1}, 30*time.Second).Return(nil).Once()
	resp = e.Execute(&protocol.Request{Kind: protocol.KindSet, Keys: [][]byte{[]byte("k")}, Value: []byte("v"), Flags: 1, Exptime: 30})
	assert.Equal(t, protocol.StatusStored, resp.Status)

	b.On("Set", ctx, Item{Key: "slow", Value: []byte("v")}, time.Duration(0)).Return(timeoutError{}).Once()
	resp = e.Execute(&protocol.Request{Kind: protocol.KindSet, Keys: [][]byte{[]byte("slow")}, Value: []byte("v")})
	assert.Equal(t, protocol.StatusServerError, resp.Status)

	b.On("Delete", ctx, "k").Return(true, nil).Once()
	b.On("Delete", ctx, "gone").Return(false, nil).Once()
	assert.Equal(t, protocol.StatusDeleted, e.Execute(&protocol.Request{Kind: protocol.KindDelete, Keys: [][]byte{[]byte("k")}}).Status)
	assert.Equal(t, protocol.StatusNotFound, e.Execute(&protocol.Request{Kind: protocol.KindDelete, Keys: [][]byte{[]byte("gone")}}).Status)

	resp = e.Execute(&protocol.Request{Kind: protocol.KindIncr, Keys: [][]byte{[]byte("k")}, Delta: 1})
	assert.Equal(t, protocol.StatusClientError, resp.Status)

	b.AssertExpectations(t)

	values := m.Values()
	assert.Equal(t, float64(7), values[common.MetricProxyRequest])
	assert.Equal(t, float64(1), values[common.MetricProxyTimeout])
	assert.Equal(t, float64(1), values[common.MetricProxyError])
}

// TestRedisBackend tests the redis backend against an in-process server
func TestRedisBackend(t *testing.T) {
	s := miniredis.RunT(t)
	b, err := NewBackend(common.ProxyConfig{Backend: "redis", Endpoints: []string{s.Addr()}, Timeout: time.Second, PoolSize: 2})
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, Item{Key: "a", Value: []byte("1")}, 0))
	require.NoError(t, b.Set(ctx, Item{Key: "b", Value: []byte("2")}, time.Minute))
	assert.Equal(t, time.Minute, s.TTL("b"))

	got, err := b.Get(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, map[string]Item{
		"a": {Key: "a", Value: []byte("1")},
		"b": {Key: "b", Value: []byte("2")},
	}, got)

	found, err := b.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, found)
	found, err = b.Delete(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)

	s.FastForward(2 * time.Minute)
	got, err = b.Get(ctx, []string{"b"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

// TestRedisBackendSharding tests that keys spread over several servers are all found
func TestRedisBackendSharding(t *testing.T) {
	s1, s2 := miniredis.RunT(t), miniredis.RunT(t)
	b := NewRedisBackend([]string{s1.Addr(), s2.Addr()}, time.Second, 2)
	defer b.Close()
	ctx := context.Background()

	keys := []string{"k0", "k1", "k2", "k3", "k4", "k5", "k6", "k7"}
	for _, k := range keys {
		require.NoError(t, b.Set(ctx, Item{Key: k, Value: []byte(k)}, 0))
	}
	assert.Equal(t, len(keys), len(s1.Keys())+len(s2.Keys()))

	got, err := b.Get(ctx, keys)
	require.NoError(t, err)
	assert.Len(t, got, len(keys))
}

// TestRedisBackendDown tests that an unreachable server surfaces an error
func TestRedisBackendDown(t *testing.T) {
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()

	b := NewRedisBackend([]string{addr}, 100*time.Millisecond, 1)
	defer b.Close()
	_, err := b.Get(context.Background(), []string{"a"})
	assert.Error(t, err)
}

// TestNewBackend tests backend selection
func TestNewBackend(t *testing.T) {
	_, err := NewBackend(common.ProxyConfig{Backend: "memcache"})
	assert.ErrorIs(t, err, common.ErrConfig)

	_, err = NewBackend(common.ProxyConfig{Backend: "dynamo", Endpoints: []string{"x:1"}})
	assert.ErrorIs(t, err, common.ErrConfig)

	b, err := NewBackend(common.ProxyConfig{Backend: "Memcache", Endpoints: []string{"127.0.0.1:11211"}, Timeout: time.Second})
	require.NoError(t, err)
	assert.NoError(t, b.Close())

	assert.True(t, IsTimeout(context.DeadlineExceeded))
	assert.True(t, IsTimeout(timeoutError{}))
	assert.False(t, IsTimeout(errors.New("refused")))
}
