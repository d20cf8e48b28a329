package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type fakeServer struct {
	addr string

	listenErr   error
	shutdownErr error
	closeErr    error
	timeout     time.Duration

	listenCalled   bool
	shutdownCalled bool
	closeCalled    bool
	deadline       time.Time
}

func (f *fakeServer) ListenAndServe() error {
	f.listenCalled = true
	return f.listenErr
}
func (f *fakeServer) Shutdown(ctx context.Context) error {
	f.shutdownCalled = true
	f.deadline, _ = ctx.Deadline()
	return f.shutdownErr
}
func (f *fakeServer) Close() error {
	f.closeCalled = true
	return f.closeErr
}
func (f *fakeServer) Addr() string                   { return f.addr }
func (f *fakeServer) ShutdownTimeout() time.Duration { return f.timeout }

func TestRun_BootstrapFail_Returns1(t *testing.T) {
	build := func() (httpServer, func(), error) {
		return nil, func() {}, errors.New("boom")
	}

	assert.Equal(t, 1, Run(build, make(chan os.Signal, 1), zerolog.Nop()))
}

func TestRun_OnSignal_ShutdownAndReturn0(t *testing.T) {
	// a pre-sent signal makes Run take the signal path deterministically
	sigCh := make(chan os.Signal, 1)
	sigCh <- os.Interrupt

	fs := &fakeServer{addr: ":0", listenErr: http.ErrServerClosed, timeout: 3 * time.Second}

	cleanupCalled := false
	build := func() (httpServer, func(), error) {
		return fs, func() { cleanupCalled = true }, nil
	}

	start := time.Now()
	got := Run(build, sigCh, zerolog.Nop())

	assert.Equal(t, 0, got)
	assert.True(t, fs.shutdownCalled)
	assert.False(t, fs.closeCalled, "Close is only for failed graceful shutdown")
	assert.True(t, cleanupCalled)
	assert.WithinDuration(t, start.Add(3*time.Second), fs.deadline, time.Second)
}

func TestRun_DefaultShutdownTimeout(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	sigCh <- os.Interrupt

	fs := &fakeServer{addr: ":0", listenErr: http.ErrServerClosed}
	build := func() (httpServer, func(), error) { return fs, func() {}, nil }

	start := time.Now()
	_ = Run(build, sigCh, zerolog.Nop())
	assert.WithinDuration(t, start.Add(defaultShutdownTimeout), fs.deadline, time.Second)
}

func TestRun_OnServerCrash_Return1(t *testing.T) {
	fs := &fakeServer{addr: ":0", listenErr: errors.New("crash")}

	cleanupCalled := false
	build := func() (httpServer, func(), error) {
		return fs, func() { cleanupCalled = true }, nil
	}

	got := Run(build, make(chan os.Signal, 1), zerolog.Nop())

	assert.Equal(t, 1, got)
	assert.True(t, fs.listenCalled)
	assert.False(t, fs.shutdownCalled)
	assert.True(t, cleanupCalled)
}

func TestRun_ShutdownFail_ForcesClose(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	sigCh <- os.Interrupt

	fs := &fakeServer{
		addr:        ":0",
		listenErr:   http.ErrServerClosed,
		shutdownErr: errors.New("shutdown failed"),
	}
	build := func() (httpServer, func(), error) { return fs, func() {}, nil }

	_ = Run(build, sigCh, zerolog.Nop())

	assert.True(t, fs.shutdownCalled)
	assert.True(t, fs.closeCalled)
}
