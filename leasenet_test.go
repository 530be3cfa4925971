package leasenet

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/leasenet/client"
	"github.com/opd-ai/leasenet/config"
	"github.com/opd-ai/leasenet/server"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Client.SelectionWindow = 200 * time.Millisecond
	cfg.Client.NotNeededSpacing = 10 * time.Millisecond
	cfg.Relay.ProbeTimeout = 200 * time.Millisecond
	return cfg
}

// startNetwork runs a relay and one server per id over loopback TCP.
func startNetwork(t *testing.T, ctx context.Context, cfg config.Config, ids ...int) (config.Config, *Relay, []*server.Engine) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg.Relay.Address = ln.Addr().String()

	r := NewRelay(cfg)
	go r.Serve(ctx, ln)
	t.Cleanup(func() { r.Close() })

	servers := make([]*server.Engine, 0, len(ids))
	for _, id := range ids {
		scfg := cfg
		scfg.Server.ID = id
		s, err := DialServer(ctx, scfg)
		require.NoError(t, err)
		go s.Run(ctx)
		servers = append(servers, s)
	}
	require.Eventually(t, func() bool { return r.Router().Servers() == len(ids) }, waitFor, tick)
	return cfg, r, servers
}

func totalHeld(servers []*server.Engine) int {
	n := 0
	for _, s := range servers {
		n += len(s.Held())
	}
	return n
}

func TestLeaseLifecycleOverTCP(t *testing.T) {
	for _, secure := range []bool{false, true} {
		name := "plain"
		if secure {
			name = "noise"
		}
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			cfg := testConfig()
			cfg.Relay.Secure = secure
			cfg, r, servers := startNetwork(t, ctx, cfg, 1, 2)

			c, err := DialClient(ctx, cfg)
			require.NoError(t, err)
			go c.Run(ctx)
			require.Eventually(t, func() bool { return r.Router().Clients() == 1 }, waitFor, tick)

			waitCtx, waitCancel := context.WithTimeout(ctx, waitFor)
			defer waitCancel()

			require.NoError(t, c.RequestAddress())
			st, err := c.WaitFor(waitCtx, client.Status.Bound)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(st.CurrentIP, "192.168.1.") || strings.HasPrefix(st.CurrentIP, "192.168.2."),
				"unexpected address %s", st.CurrentIP)

			// The declined server frees its hold; only the lease remains.
			require.Eventually(t, func() bool { return totalHeld(servers) == 1 }, waitFor, tick)

			require.NoError(t, c.RefreshLease())

			require.NoError(t, c.ReleaseAddress())
			st, err = c.WaitFor(waitCtx, func(s client.Status) bool { return s.State == client.StateUnbound })
			require.NoError(t, err)
			assert.Equal(t, "0.0.0.0", st.CurrentIP)
			require.Eventually(t, func() bool { return totalHeld(servers) == 0 }, waitFor, tick)

			require.NoError(t, c.Disconnect())
			require.Eventually(t, func() bool { return r.Router().Clients() == 0 }, waitFor, tick)
		})
	}
}

func TestEmptyNetworkYieldsNoOffers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, r, _ := startNetwork(t, ctx, testConfig())

	c, err := DialClient(ctx, cfg)
	require.NoError(t, err)
	go c.Run(ctx)
	require.Eventually(t, func() bool { return r.Router().Clients() == 1 }, waitFor, tick)

	require.NoError(t, c.RequestAddress())
	waitCtx, waitCancel := context.WithTimeout(ctx, waitFor)
	defer waitCancel()
	st, err := c.WaitFor(waitCtx, func(s client.Status) bool {
		return s.State == client.StateUnbound && s.TID1 == ""
	})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", st.CurrentIP)
}

func TestDialFailsWithoutRelay(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	cfg := testConfig()
	cfg.Relay.Address = addr
	_, err = DialClient(context.Background(), cfg)
	assert.Error(t, err)
	_, err = DialServer(context.Background(), cfg)
	assert.Error(t, err)
}

func TestConfigMapping(t *testing.T) {
	cfg := testConfig()
	cfg.Server.ID = 7
	cfg.Client.Name = "laptop"
	cfg.Relay.Secure = true

	assert.Equal(t, 7, ServerConfig(cfg).ID)
	assert.Equal(t, 210*time.Second, ServerConfig(cfg).OfferHold)
	assert.Equal(t, "laptop", ClientConfig(cfg).Name)
	assert.Equal(t, 200*time.Millisecond, ClientConfig(cfg).SelectionWindow)
	assert.True(t, RelayConfig(cfg).Transport.Secure)
	assert.Equal(t, 200*time.Millisecond, RelayConfig(cfg).ProbeTimeout)
}

func TestServeMetrics(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeMetrics(ctx, addr) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, waitFor, tick)
	assert.Contains(t, body, `leasenet_build_info{version="`+Version+`"} 1`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("ServeMetrics did not stop")
	}
}
