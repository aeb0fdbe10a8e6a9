package browser

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainerAddr(t *testing.T) {
	settings := &container.NetworkSettings{
		Networks: map[string]*network.EndpointSettings{
			"bridge":                {IPAddress: "172.17.0.4"},
			"cloud-browser-network": {IPAddress: "10.20.0.7"},
			"empty":                 {},
		},
	}

	assert.Equal(t, "10.20.0.7", containerAddr(settings, "cloud-browser-network"))
	assert.Equal(t, "172.17.0.4", containerAddr(settings, "missing"))
	assert.Equal(t, "", containerAddr(nil, "bridge"))
	assert.Equal(t, "", containerAddr(&container.NetworkSettings{}, "bridge"))
}

func TestHTTPReadiness(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{"viewer up", http.StatusOK, true},
		{"viewer asks for credentials", http.StatusUnauthorized, true},
		{"proxy without backend", http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			assert.Equal(t, tt.want, checkHTTP(context.Background(), srv.URL+"/"))
		})
	}
}

func TestReadinessUsesContainerPort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	ctx := context.Background()
	assert.True(t, reachable(ctx, ReadySpec{Check: CheckHTTP, CheckPort: port, CheckScheme: "http"}, host))
	assert.True(t, reachable(ctx, ReadySpec{Check: CheckTCP, CheckPort: port}, host))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closed := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	assert.False(t, reachable(ctx, ReadySpec{Check: CheckTCP, CheckPort: closed}, "127.0.0.1"))
}

func TestReadySpecChecks(t *testing.T) {
	assert.False(t, ReadySpec{}.Checking())
	assert.False(t, ReadySpec{Check: CheckNone}.Checking())
	assert.True(t, ReadySpec{Check: CheckHTTP}.Checking())
	assert.True(t, CheckTCP.Valid())
	assert.False(t, CheckKind("icmp").Valid())
}
