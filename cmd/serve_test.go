package cmd

import (
	"context"
	"os"
	"testing"

	"github.com/jmach/agentauth/internal/config"
)

type fakeServeRunner struct {
	startFn func() error
	stopFn  func(ctx context.Context) error
}

func (f *fakeServeRunner) Start() error {
	if f.startFn != nil {
		return f.startFn()
	}
	return nil
}

func (f *fakeServeRunner) Stop(ctx context.Context) error {
	if f.stopFn != nil {
		return f.stopFn(ctx)
	}
	return nil
}

func TestRunServeStartReturns(t *testing.T) {
	origNewServeServer := newServeServer
	origSignalNotifyContext := signalNotifyContext
	origHost, origPort := serveHost, servePort
	t.Cleanup(func() {
		newServeServer = origNewServeServer
		signalNotifyContext = origSignalNotifyContext
		serveHost, servePort = origHost, origPort
	})

	t.Setenv("AGENTAUTH_DATA_DIR", t.TempDir())
	t.Setenv("AGENTAUTH_HOST", "0.0.0.0")
	t.Setenv("AGENTAUTH_PORT", "28600")

	serveHost = "127.0.0.1"
	servePort = 19600

	var capturedCfg *config.Config
	newServeServer = func(cfg *config.Config, _ *app) serveRunner {
		copied := *cfg
		capturedCfg = &copied
		return &fakeServeRunner{
			startFn: func() error { return nil },
		}
	}

	if err := runServe(nil, nil); err != nil {
		t.Fatalf("runServe error: %v", err)
	}
	if capturedCfg == nil {
		t.Fatal("newServeServer was not called")
	}
	if capturedCfg.Host != "127.0.0.1" || capturedCfg.Port != 19600 {
		t.Fatalf("unexpected cfg overrides: %+v", *capturedCfg)
	}
}

func TestRunServeShutdownPath(t *testing.T) {
	origNewServeServer := newServeServer
	origSignalNotifyContext := signalNotifyContext
	origHost, origPort := serveHost, servePort
	t.Cleanup(func() {
		newServeServer = origNewServeServer
		signalNotifyContext = origSignalNotifyContext
		serveHost, servePort = origHost, origPort
	})

	t.Setenv("AGENTAUTH_DATA_DIR", t.TempDir())
	serveHost, servePort = "", 0

	stopCh := make(chan struct{})
	newServeServer = func(_ *config.Config, _ *app) serveRunner {
		return &fakeServeRunner{
			startFn: func() error {
				<-stopCh
				return nil
			},
			stopFn: func(ctx context.Context) error {
				close(stopCh)
				return nil
			},
		}
	}

	signalNotifyContext = func(parent context.Context, _ ...os.Signal) (context.Context, context.CancelFunc) {
		ctx, cancel := context.WithCancel(parent)
		cancel()
		return ctx, func() {}
	}

	if err := runServe(nil, nil); err != nil {
		t.Fatalf("runServe shutdown error: %v", err)
	}
}
