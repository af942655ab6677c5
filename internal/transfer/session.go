// Package transfer wraps one HTTP GET as a session: create it, perform the
// request, read the body in caller-sized chunks, clean up.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"sync/atomic"
	"time"
)

const DefaultTimeout = 10 * time.Second

var (
	ErrPerform        = errors.New("http: request failed")
	ErrStatus         = errors.New("http: unexpected status")
	ErrNotPerformed   = errors.New("http: session not performed")
	ErrAlreadyPerform = errors.New("http: session already performed")
	ErrClosed         = errors.New("http: session cleaned up")
	ErrTimeout        = errors.New("http: timed out")
)

// Options configures a session.
type Options struct {
	// Timeout bounds dialing, the TLS handshake, waiting for response
	// headers and every single Read of the body. Default: 10s
	Timeout time.Duration

	// Handler receives session events. Optional.
	Handler EventHandler

	// Transport overrides the default transport, mostly for tests.
	Transport http.RoundTripper
}

// Session is a single GET request. It is not safe for concurrent use.
type Session struct {
	url      string
	client   *http.Client
	handler  EventHandler
	resp     *http.Response
	finished bool
	closed   bool

	timeout  time.Duration
	cancel   context.CancelFunc
	timer    *time.Timer
	timedOut atomic.Bool
}

// Init validates the URL and prepares a client. No network I/O happens.
func Init(rawURL string, opts Options) (*Session, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: opts.Timeout}).DialContext,
			TLSHandshakeTimeout:   opts.Timeout,
			ResponseHeaderTimeout: opts.Timeout,
			DisableCompression:    true, // bytes go to flash as served
		}
	}

	return &Session{
		url:     u.String(),
		client:  &http.Client{Transport: transport},
		handler: opts.Handler,
		timeout: opts.Timeout,
	}, nil
}

// Perform sends the request and waits for the response headers. A transport
// failure or a non-2xx status fails the perform and leaves no body to read.
func (s *Session) Perform(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	if s.resp != nil {
		return ErrAlreadyPerform
	}

	// The request context is cancelled by the timer whenever one step
	// (connect through headers, or one body Read) outlasts the timeout.
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.timer = time.AfterFunc(s.timeout, func() {
		s.timedOut.Store(true)
		cancel()
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		s.stop()
		return fmt.Errorf("create request: %w", err)
	}
	trace := &httptrace.ClientTrace{
		GotConn:      func(httptrace.GotConnInfo) { s.emit(Event{ID: EventOnConnected}) },
		WroteHeaders: func() { s.emit(Event{ID: EventHeadersSent}) },
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	resp, err := s.client.Do(req)
	s.timer.Stop()
	if err != nil {
		s.stop()
		if s.timedOut.Load() {
			err = fmt.Errorf("%w: %w after %s", ErrPerform, ErrTimeout, s.timeout)
		} else {
			err = fmt.Errorf("%w: %v", ErrPerform, err)
		}
		s.emit(Event{ID: EventError, Err: err})
		return err
	}

	for name, values := range resp.Header {
		for _, v := range values {
			s.emit(Event{ID: EventOnHeader, Header: name, Value: v})
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		s.stop()
		err = fmt.Errorf("%w: %s", ErrStatus, resp.Status)
		s.emit(Event{ID: EventError, Err: err})
		return err
	}

	s.resp = resp
	return nil
}

// StatusCode of the performed request, 0 before Perform succeeds.
func (s *Session) StatusCode() int {
	if s.resp == nil {
		return 0
	}
	return s.resp.StatusCode
}

// ContentLength as announced by the server, -1 when unknown.
func (s *Session) ContentLength() int64 {
	if s.resp == nil {
		return -1
	}
	return s.resp.ContentLength
}

// Read fills buf from the response body. It returns fewer than len(buf)
// bytes only for the final chunk or on error, and (0, io.EOF) once the body
// is drained. A Read that takes longer than the timeout fails with
// ErrTimeout, and the session cannot be read from afterwards.
func (s *Session) Read(buf []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if s.resp == nil {
		return 0, ErrNotPerformed
	}
	if s.finished {
		return 0, io.EOF
	}

	if s.timedOut.Load() {
		return 0, ErrTimeout
	}

	s.timer.Reset(s.timeout)
	n, err := io.ReadFull(s.resp.Body, buf)
	s.timer.Stop()
	if err != nil && s.timedOut.Load() {
		err = fmt.Errorf("%w: body read stalled for %s", ErrTimeout, s.timeout)
	}
	if n > 0 {
		s.emit(Event{ID: EventOnData, Len: n})
	}
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		s.finished = true
		s.emit(Event{ID: EventOnFinish})
		if n > 0 {
			return n, nil
		}
		return 0, io.EOF
	default:
		s.emit(Event{ID: EventError, Err: err})
		return n, err
	}
}

// Cleanup releases the body and the client's connections. Calling it again
// does nothing.
func (s *Session) Cleanup() {
	if s.closed {
		return
	}
	s.closed = true
	if s.resp != nil {
		s.resp.Body.Close()
	}
	s.stop()
	s.client.CloseIdleConnections()
	s.emit(Event{ID: EventDisconnected})
}

// stop disarms the timer and releases the request context.
func (s *Session) stop() {
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Session) emit(ev Event) {
	if s.handler != nil {
		s.handler.HandleEvent(ev)
	}
}
