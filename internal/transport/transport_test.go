package transport

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	s, err := StartServer(0)
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Serve()
	}()
	t.Cleanup(func() {
		s.Stop()
		<-done
	})
	port := s.Addr().(*net.TCPAddr).Port
	return s, fmt.Sprintf("127.0.0.1:%d", port)
}

func probe(addr, service string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return Probe(ctx, addr, service)
}

func TestHealth_ServingPerKind(t *testing.T) {
	s, addr := startServer(t)

	assert.Error(t, probe(addr, ""), "process starts NOT_SERVING")

	s.SetServing("", true)
	s.SetServing("uppercase", true)
	require.NoError(t, probe(addr, ""))
	require.NoError(t, probe(addr, "uppercase"))
	assert.Error(t, probe(addr, "unknown-kind"))

	s.SetServing("uppercase", false)
	assert.Error(t, probe(addr, "uppercase"))
}

func TestHealth_DrainingStopsServing(t *testing.T) {
	s, addr := startServer(t)
	s.SetServing("", true)
	s.SetServing("uppercase", true)

	s.Draining()
	assert.Error(t, probe(addr, ""))
	assert.Error(t, probe(addr, "uppercase"))

	s.SetServing("uppercase", true)
	assert.Error(t, probe(addr, "uppercase"), "status is frozen once draining")
}
