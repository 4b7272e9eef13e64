package oauth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultCallbackHost = "127.0.0.1"
	defaultCallbackPath = "/oauth2callback"
	defaultStartPort    = 17850
	maxPortAttempts     = 50
)

type callbackPayload struct {
	Code  string
	Error string
	State string
}

type callbackServerRunner interface {
	URL() string
	Wait(ctx context.Context, timeout time.Duration) (callbackPayload, error)
	Close(ctx context.Context) error
}

// callbackServer is a single-use local listener for one login attempt. The
// port is bound for the duration of the attempt and released on every exit
// path through Close.
type callbackServer struct {
	server   *http.Server
	listener net.Listener
	resultCh chan callbackPayload
	once     sync.Once
}

func newCallbackServerRunner(startPort, attempts int) (callbackServerRunner, error) {
	return newCallbackServer(startPort, attempts)
}

func newCallbackServer(startPort, attempts int) (*callbackServer, error) {
	if attempts <= 0 {
		attempts = 1
	}

	var listener net.Listener
	var err error
	for i := 0; i < attempts; i++ {
		listener, err = net.Listen("tcp", fmt.Sprintf("%s:%d", defaultCallbackHost, startPort+i))
		if err == nil {
			break
		}
	}
	if listener == nil {
		return nil, fmt.Errorf("no available callback port from %d (%d attempts)", startPort, attempts)
	}

	cb := &callbackServer{
		listener: listener,
		resultCh: make(chan callbackPayload, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(defaultCallbackPath, cb.handleCallback)

	cb.server = &http.Server{Handler: mux}

	go func() {
		_ = cb.server.Serve(listener)
	}()

	return cb, nil
}

func (c *callbackServer) URL() string {
	return "http://" + c.listener.Addr().String() + defaultCallbackPath
}

func (c *callbackServer) Wait(ctx context.Context, timeout time.Duration) (callbackPayload, error) {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload := <-c.resultCh:
		return payload, nil
	case <-timer.C:
		return callbackPayload{}, ErrCallbackTimeout
	case <-ctx.Done():
		return callbackPayload{}, ctx.Err()
	}
}

func (c *callbackServer) Close(ctx context.Context) error {
	var closeErr error
	c.once.Do(func() {
		closeErr = c.server.Shutdown(ctx)
	})
	return closeErr
}

func (c *callbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	payload := callbackPayload{
		Code:  q.Get("code"),
		Error: q.Get("error"),
		State: q.Get("state"),
	}

	select {
	case c.resultCh <- payload:
	default:
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if strings.TrimSpace(payload.Code) != "" {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html><body><h1>Login complete</h1><p>You can close this page.</p></body></html>"))
		return
	}

	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write([]byte("<html><body><h1>Login failed</h1><p>Please return to the terminal.</p></body></html>"))
}
