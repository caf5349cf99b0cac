package main

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imyashkale/mcporchestrator/internal/config"
)

func TestServeAPI_ListenFailureKeepsDaemonRunning(t *testing.T) {
	busy, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer busy.Close()
	port := strconv.Itoa(busy.Addr().(*net.TCPAddr).Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- serveAPI(ctx, &config.Config{Port: port}, nil)
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
		assert.NoError(t, ctx.Err(), "returned because of the listen failure, not shutdown")
	case <-time.After(5 * time.Second):
		t.Fatal("serveAPI did not return after failing to listen")
	}
}

func TestServeAPI_StopsOnShutdown(t *testing.T) {
	free, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := strconv.Itoa(free.Addr().(*net.TCPAddr).Port)
	require.NoError(t, free.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serveAPI(ctx, &config.Config{Port: port}, nil)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serveAPI did not stop after shutdown")
	}
}
