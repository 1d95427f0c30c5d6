package transport

import (
	"context"
	"io"
	"net/http"
	"sync"
)

// HTTPOption configures OpenHTTP.
type HTTPOption func(*httpConfig)

type httpConfig struct {
	client    *http.Client
	headers   http.Header
	chunkSize int
}

// WithHeader adds a request header.
func WithHeader(key, value string) HTTPOption {
	return func(c *httpConfig) {
		c.headers.Add(key, value)
	}
}

// WithHTTPClient sets the client used for the request. The client must not
// set a Timeout, which would cut the stream short.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *httpConfig) {
		c.client = client
	}
}

// WithChunkSize sets the read buffer size.
func WithChunkSize(n int) HTTPOption {
	return func(c *httpConfig) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// HTTPStream is a streaming GET response body.
type HTTPStream struct {
	url    string
	body   io.ReadCloser
	cancel context.CancelFunc
	buf    []byte

	pending error // read error held back while returning the last bytes

	mu      sync.Mutex
	aborted bool
}

// OpenHTTP issues a GET for url asking for an event stream. http and https
// are both handled by net/http according to the URL scheme. The stream lives
// until ctx is done, the server ends the response, or Abort is called.
func OpenHTTP(ctx context.Context, url string, opts ...HTTPOption) (*HTTPStream, error) {
	cfg := httpConfig{
		client:    &http.Client{},
		headers:   http.Header{},
		chunkSize: defaultChunkSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, &Error{Op: "connect", Target: url, Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, vs := range cfg.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := cfg.client.Do(req)
	if err != nil {
		cancel()
		return nil, &Error{Op: "connect", Target: url, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		cancel()
		return nil, &Error{Op: "status", Target: url, StatusCode: resp.StatusCode}
	}

	return &HTTPStream{
		url:    url,
		body:   resp.Body,
		cancel: cancel,
		buf:    make([]byte, cfg.chunkSize),
	}, nil
}

// Next returns the next chunk of the response body, or io.EOF when the server
// has closed it.
func (s *HTTPStream) Next() ([]byte, error) {
	if s.isAborted() {
		return nil, ErrAborted
	}
	if s.pending != nil {
		return nil, s.pending
	}
	for {
		n, err := s.body.Read(s.buf)
		if err != nil {
			if s.isAborted() {
				err = ErrAborted
			} else if err != io.EOF {
				err = &Error{Op: "read", Target: s.url, Err: err}
			}
		}
		if n > 0 {
			s.pending = err
			return append([]byte(nil), s.buf[:n]...), nil
		}
		if err != nil {
			s.pending = err
			return nil, err
		}
	}
}

// Abort tears down the connection. No chunks are delivered afterwards.
func (s *HTTPStream) Abort() {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return
	}
	s.aborted = true
	s.mu.Unlock()

	s.cancel()
	s.body.Close()
}

func (s *HTTPStream) isAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}
