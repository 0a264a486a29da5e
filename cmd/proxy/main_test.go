package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/api"
	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/config"
	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/core"
)

func staticConfig(backends string) *config.Config {
	return &config.Config{
		DatabaseType:     "postgresql",
		Runtime:          config.RuntimeVM,
		HealthServerPort: "8080",
		ProxyStartPort:   "5432",
		LazyInit:         true,
		BuildTimeout:     5 * time.Second,
		DiscoveryMode:    config.DiscoveryStatic,
		StaticBackends:   backends,
	}
}

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return strconv.Itoa(l.Addr().(*net.TCPAddr).Port)
}

// startup builds a protocol 3.0 StartupMessage.
func startup(params ...string) []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, 196608)
	for _, p := range params {
		body = append(body, p...)
		body = append(body, 0)
	}
	body = append(body, 0)

	msg := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(msg, uint32(4+len(body)))
	return append(msg, body...)
}

func TestApplyFlags(t *testing.T) {
	cmd := newRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--port", "6543", "--lazy=false", "--debug"}))

	var flags cliFlags
	flags.port, _ = cmd.Flags().GetString("port")
	flags.lazy, _ = cmd.Flags().GetBool("lazy")
	flags.debug, _ = cmd.Flags().GetBool("debug")

	cfg := staticConfig("")
	applyFlags(cmd, cfg, flags)

	assert.Equal(t, "6543", cfg.ProxyStartPort)
	assert.False(t, cfg.LazyInit)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "8080", cfg.HealthServerPort, "unset flags keep the environment value")
	assert.Equal(t, "postgresql", cfg.DatabaseType)
}

func TestBuildHandler_LazyDefersCreation(t *testing.T) {
	// An invalid mapping only fails once the pipeline is built.
	cfg := staticConfig("not-a-mapping")

	handler, resolved, err := buildHandler(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &core.LazyHandler{}, handler)
	assert.False(t, resolved())
}

func TestBuildHandler_EagerFailsFast(t *testing.T) {
	cfg := staticConfig("not-a-mapping")
	cfg.LazyInit = false

	_, _, err := buildHandler(context.Background(), cfg)
	assert.Error(t, err)
}

func TestBuildHandler_EagerIsResolved(t *testing.T) {
	cfg := staticConfig("db1=127.0.0.1:5432")
	cfg.LazyInit = false

	handler, resolved, err := buildHandler(context.Background(), cfg)
	require.NoError(t, err)
	assert.NotNil(t, handler)
	assert.True(t, resolved())
}

func TestRun_LazyEndToEnd(t *testing.T) {
	backend, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer backend.Close()
	go func() {
		conn, err := backend.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("hello"))
		_, _ = io.Copy(io.Discard, conn)
	}()

	cfg := staticConfig("db1=" + backend.Addr().String())
	cfg.ProxyStartPort = freePort(t)
	cfg.HealthServerPort = freePort(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- run(ctx, cfg) }()

	statusURL := "http://127.0.0.1:" + cfg.HealthServerPort + "/status"
	getStatus := func() (api.Status, bool) {
		resp, err := http.Get(statusURL)
		if err != nil {
			return api.Status{}, false
		}
		defer resp.Body.Close()
		var st api.Status
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return api.Status{}, false
		}
		return st, true
	}

	require.Eventually(t, func() bool {
		st, ok := getStatus()
		return ok && st.Ready
	}, 5*time.Second, 20*time.Millisecond)

	st, _ := getStatus()
	assert.False(t, st.HandlerResolved, "nothing is built before the first connection")

	client, err := net.Dial("tcp", "127.0.0.1:"+cfg.ProxyStartPort)
	require.NoError(t, err)
	_, err = client.Write(startup("user", "alice.db1", "database", "app"))
	require.NoError(t, err)

	reply := make([]byte, 5)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(client, reply)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(reply))
	client.Close()

	st, ok := getStatus()
	require.True(t, ok)
	assert.True(t, st.HandlerResolved)
	assert.Equal(t, uint64(1), st.TotalConnections)

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}

type countingCloser struct {
	core.ConnectionHandler
	closed int
}

func (c *countingCloser) Close() error {
	c.closed++
	return nil
}

func TestCloseHandler(t *testing.T) {
	inner := &countingCloser{}
	lazy := core.NewLazyHandler(core.HandlerFactoryFunc(func() (core.ConnectionHandler, error) {
		return inner, nil
	}))

	// Nothing built yet, nothing to release.
	require.NoError(t, closeHandler(lazy))
	assert.Equal(t, 0, inner.closed)

	client, server := net.Pipe()
	defer client.Close()
	inner.ConnectionHandler = core.ConnectionHandlerFunc(func(conn net.Conn) error { return nil })
	require.NoError(t, lazy.HandleConnection(server))

	require.NoError(t, closeHandler(lazy))
	assert.Equal(t, 1, inner.closed)

	cfg := staticConfig("db1=127.0.0.1:5432")
	cfg.LazyInit = false
	eager, _, err := buildHandler(context.Background(), cfg)
	require.NoError(t, err)
	assert.NoError(t, closeHandler(eager))
}
