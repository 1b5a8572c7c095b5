//go:build linux

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twitter/pelikan-sub003/rpc/common"
)

func testConfig(threads int) common.ServerConfig {
	cfg := common.DefaultServerConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.Timeout = 10 * time.Millisecond
	cfg.Worker.Threads = threads
	cfg.Worker.Timeout = 10 * time.Millisecond
	cfg.Admin.Host = "127.0.0.1"
	cfg.Admin.Port = 0
	cfg.Seg.HeapSize = 8 << 20
	cfg.Seg.SegmentSize = 1 << 20
	cfg.Seg.HashPower = 12
	cfg.Seg.ExpireInterval = 50 * time.Millisecond
	cfg.Debug.LogLevel = "warning"
	return cfg
}

// start runs p until the test ends
func start(t *testing.T, p *Process) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("process did not stop")
		}
	})
}

func dial(t *testing.T, addr net.Addr) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return conn, bufio.NewReader(conn)
}

// TestSegcache tests the memcache protocol end to end with a real client
func TestSegcache(t *testing.T) {
	for _, threads := range []int{1, 3} {
		t.Run(fmt.Sprintf("workers=%d", threads), func(t *testing.T) {
			p, err := NewSegcache(testConfig(threads), nil)
			require.NoError(t, err)
			start(t, p)

			mc := memcache.New(p.Addr().String())
			mc.Timeout = 2 * time.Second

			require.NoError(t, mc.Ping())

			require.NoError(t, mc.Set(&memcache.Item{Key: "foo", Value: []byte("bar"), Flags: 42}))
			it, err := mc.Get("foo")
			require.NoError(t, err)
			assert.Equal(t, []byte("bar"), it.Value)
			assert.Equal(t, uint32(42), it.Flags)

			_, err = mc.Get("missing")
			assert.ErrorIs(t, err, memcache.ErrCacheMiss)

			assert.ErrorIs(t, mc.Add(&memcache.Item{Key: "foo", Value: []byte("x")}), memcache.ErrNotStored)
			assert.ErrorIs(t, mc.Replace(&memcache.Item{Key: "nope", Value: []byte("x")}), memcache.ErrNotStored)
			require.NoError(t, mc.Replace(&memcache.Item{Key: "foo", Value: []byte("baz")}))

			it, err = mc.Get("foo")
			require.NoError(t, err)
			it.Value = []byte("qux")
			require.NoError(t, mc.CompareAndSwap(it))
			assert.ErrorIs(t, mc.CompareAndSwap(it), memcache.ErrCASConflict)

			require.NoError(t, mc.Set(&memcache.Item{Key: "n", Value: []byte("10")}))
			n, err := mc.Increment("n", 5)
			require.NoError(t, err)
			assert.Equal(t, uint64(15), n)
			n, err = mc.Decrement("n", 20)
			require.NoError(t, err)
			assert.Equal(t, uint64(0), n)
			_, err = mc.Increment("none", 1)
			assert.ErrorIs(t, err, memcache.ErrCacheMiss)

			keys := make([]string, 0, 50)
			for i := 0; i < 50; i++ {
				key := fmt.Sprintf("key-%d", i)
				keys = append(keys, key)
				require.NoError(t, mc.Set(&memcache.Item{Key: key, Value: []byte(key)}))
			}
			items, err := mc.GetMulti(keys)
			require.NoError(t, err)
			assert.Len(t, items, 50)
			assert.Equal(t, []byte("key-7"), items["key-7"].Value)

			require.NoError(t, mc.Delete("foo"))
			assert.ErrorIs(t, mc.Delete("foo"), memcache.ErrCacheMiss)

			require.NoError(t, mc.FlushAll())
			_, err = mc.Get("key-1")
			assert.ErrorIs(t, err, memcache.ErrCacheMiss)
		})
	}
}

// TestSegcachePipelining tests that pipelined requests are answered in order
func TestSegcachePipelining(t *testing.T) {
	for _, threads := range []int{1, 2} {
		t.Run(fmt.Sprintf("workers=%d", threads), func(t *testing.T) {
			p, err := NewSegcache(testConfig(threads), nil)
			require.NoError(t, err)
			start(t, p)

			conn, r := dial(t, p.Addr())
			var sb strings.Builder
			for i := 0; i < 100; i++ {
				fmt.Fprintf(&sb, "set k%d 0 0 %d\r\nv%d\r\n", i, len(fmt.Sprint(i))+1, i)
				fmt.Fprintf(&sb, "get k%d\r\n", i)
			}
			_, err = io.WriteString(conn, sb.String())
			require.NoError(t, err)

			for i := 0; i < 100; i++ {
				want := []string{
					"STORED",
					fmt.Sprintf("VALUE k%d 0 %d", i, len(fmt.Sprint(i))+1),
					fmt.Sprintf("v%d", i),
					"END",
				}
				for _, w := range want {
					line, err := r.ReadString('\n')
					require.NoError(t, err)
					require.Equal(t, w+"\r\n", line)
				}
			}
		})
	}
}

// TestSegcacheSessionEnd tests quit, noreply and invalid input handling
func TestSegcacheSessionEnd(t *testing.T) {
	p, err := NewSegcache(testConfig(2), nil)
	require.NoError(t, err)
	start(t, p)

	t.Run("noreply and quit", func(t *testing.T) {
		conn, r := dial(t, p.Addr())
		_, err := io.WriteString(conn, "set a 0 0 1 noreply\r\n1\r\nget a\r\nquit\r\n")
		require.NoError(t, err)

		var lines []string
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				assert.ErrorIs(t, err, io.EOF)
				break
			}
			lines = append(lines, line)
		}
		assert.Equal(t, []string{"VALUE a 0 1\r\n", "1\r\n", "END\r\n"}, lines)
	})

	t.Run("invalid", func(t *testing.T) {
		conn, r := dial(t, p.Addr())
		_, err := io.WriteString(conn, "bogus\r\n")
		require.NoError(t, err)

		line, err := r.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "ERROR\r\n", line)
		_, err = r.ReadString('\n')
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("invalid after pipelined requests", func(t *testing.T) {
		conn, r := dial(t, p.Addr())
		_, err := io.WriteString(conn, "set a 0 0 1\r\n1\r\nget a\r\nbogus\r\n")
		require.NoError(t, err)

		var lines []string
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				assert.ErrorIs(t, err, io.EOF)
				break
			}
			lines = append(lines, line)
		}
		assert.Equal(t, []string{"STORED\r\n", "VALUE a 0 1\r\n", "1\r\n", "END\r\n", "ERROR\r\n"}, lines)
	})

	t.Run("half close", func(t *testing.T) {
		conn, r := dial(t, p.Addr())
		_, err := io.WriteString(conn, "set h 0 0 1\r\n2\r\nget h\r\n")
		require.NoError(t, err)
		require.NoError(t, conn.(*net.TCPConn).CloseWrite())

		var lines []string
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				assert.ErrorIs(t, err, io.EOF)
				break
			}
			lines = append(lines, line)
		}
		assert.Equal(t, []string{"STORED\r\n", "VALUE h 0 1\r\n", "2\r\n", "END\r\n"}, lines)
	})
}

// TestPingserver tests the ping protocol
func TestPingserver(t *testing.T) {
	p, err := NewPingserver(testConfig(2), nil)
	require.NoError(t, err)
	start(t, p)

	for i := 0; i < 4; i++ {
		conn, r := dial(t, p.Addr())
		_, err := io.WriteString(conn, "PING\r\nPING\r\n")
		require.NoError(t, err)
		for j := 0; j < 2; j++ {
			line, err := r.ReadString('\n')
			require.NoError(t, err)
			assert.Equal(t, "PONG\r\n", line)
		}
	}

	conn, r := dial(t, p.Addr())
	_, err = io.WriteString(conn, "PONG\r\n")
	require.NoError(t, err)
	_, err = r.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF)
}

// TestAdmin tests the admin endpoints
func TestAdmin(t *testing.T) {
	p, err := NewSegcache(testConfig(1), nil)
	require.NoError(t, err)
	start(t, p)

	mc := memcache.New(p.Addr().String())
	require.NoError(t, mc.Set(&memcache.Item{Key: "k", Value: []byte("v")}))
	_, err = mc.Get("k")
	require.NoError(t, err)

	base := "http://" + p.AdminAddr().String()
	get := func(path string) (int, string) {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/ping")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "PONG\n", body)

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, common.MetricWorkerRequest)
	assert.Contains(t, body, common.MetricListenerAccept)

	code, body = get("/seg")
	require.Equal(t, http.StatusOK, code)
	var info struct {
		Policy string `json:"policy"`
		Items  int    `json:"items"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &info))
	assert.Equal(t, "merge", info.Policy)

	code, body = get("/sessions")
	require.Equal(t, http.StatusOK, code)
	var sessions []SessionInfo
	require.NoError(t, json.Unmarshal([]byte(body), &sessions))
	assert.NotEmpty(t, sessions)
}

// TestUnixSocket tests listening on a unix socket path
func TestUnixSocket(t *testing.T) {
	cfg := testConfig(1)
	cfg.Server.Host = filepath.Join(t.TempDir(), "pelikan.sock")
	cfg.Admin.Enabled = false

	p, err := NewPingserver(cfg, nil)
	require.NoError(t, err)
	start(t, p)
	assert.Equal(t, "unix", p.Addr().Network())
	assert.Nil(t, p.AdminAddr())

	conn, err := net.DialTimeout("unix", cfg.Server.Host, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(conn, "PING\r\n")
	require.NoError(t, err)
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "PONG\r\n", line)
}
