package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// ErrSessionClosed is returned by Submit after Close.
var ErrSessionClosed = errors.New("session closed")

// SourceOptions tunes an HTTPSource.
type SourceOptions struct {
	TLS *tls.Config
	// BreakerThreshold opens the breaker after this many consecutive
	// connection failures. Zero disables the breaker.
	BreakerThreshold int
	// BreakerTimeout is how long the breaker stays open (default 30s).
	BreakerTimeout time.Duration
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// HTTPSource is a ContentSource for the REST /v1/invoke and /v1/eval
// endpoints. Sessions share one HTTP client and one circuit breaker.
type HTTPSource struct {
	conn    Connection
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

// NewHTTPSource creates a content source for conn.
func NewHTTPSource(conn Connection, opts SourceOptions) *HTTPSource {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hc := opts.HTTPClient
	if hc == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if opts.TLS != nil {
			tr.TLSClientConfig = opts.TLS
		}
		hc = &http.Client{Transport: tr}
	}

	timeout := opts.BreakerTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	threshold := uint32(max(opts.BreakerThreshold, 0))

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        conn.BaseURL.Host,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return threshold > 0 && counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("connection breaker state change", "host", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Only unreachable-server failures count against the breaker.
			var ce *ConnectionError
			return !errors.As(err, &ce)
		},
	})

	return &HTTPSource{conn: conn, http: hc, breaker: cb, log: logger}
}

// Connection returns the connection this source was built for.
func (s *HTTPSource) Connection() Connection { return s.conn }

// NewSession returns a session bound to this source.
func (s *HTTPSource) NewSession() (Session, error) {
	return &httpSession{src: s}, nil
}

type httpSession struct {
	src    *HTTPSource
	closed bool
}

func (s *httpSession) Close() error {
	s.closed = true
	return nil
}

func (s *httpSession) Submit(ctx context.Context, req Request) (Result, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}

	endpoint, form, err := s.src.encode(req)
	if err != nil {
		return nil, err
	}

	out, err := s.src.breaker.Execute(func() (interface{}, error) {
		return s.src.do(ctx, endpoint, form)
	})
	if err != nil {
		return nil, err
	}
	return newResult(out.(*http.Response))
}

func (s *HTTPSource) encode(req Request) (string, url.Values, error) {
	form := url.Values{}

	vars := req.Variables
	if vars == nil {
		vars = map[string]string{}
	}
	data, err := json.Marshal(vars)
	if err != nil {
		return "", nil, fmt.Errorf("encoding variables: %w", err)
	}
	form.Set("vars", string(data))
	if s.conn.Database != "" {
		form.Set("database", s.conn.Database)
	}

	switch {
	case req.Module != "" && req.Query != "":
		return "", nil, errors.New("request has both a module and a query")
	case req.Module != "":
		form.Set("module", req.Module)
		return "/v1/invoke", form, nil
	case req.Query != "":
		lang := req.Language
		if lang == "" {
			lang = XQuery
		}
		form.Set(string(lang), req.Query)
		return "/v1/eval", form, nil
	default:
		return "", nil, errors.New("request has neither a module nor a query")
	}
}

func (s *HTTPSource) do(ctx context.Context, endpoint string, form url.Values) (*http.Response, error) {
	u := s.conn.BaseURL.JoinPath(endpoint)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "multipart/mixed")
	if s.conn.Username != "" {
		httpReq.SetBasicAuth(s.conn.Username, s.conn.Password)
	}

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return nil, classify("submit", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp, nil
	case resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		resp.Body.Close()
		return nil, &ConnectionError{Op: "submit", Err: fmt.Errorf("server unavailable: %s", resp.Status)}
	default:
		defer resp.Body.Close()
		return nil, readRequestError(resp)
	}
}

// readRequestError decodes the server's JSON error body when present.
func readRequestError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var envelope struct {
		ErrorResponse struct {
			MessageCode string `json:"messageCode"`
			Message     string `json:"message"`
		} `json:"errorResponse"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.ErrorResponse.Message != "" {
		return &RequestError{
			StatusCode:  resp.StatusCode,
			MessageCode: envelope.ErrorResponse.MessageCode,
			Message:     envelope.ErrorResponse.Message,
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}
	return &RequestError{StatusCode: resp.StatusCode, Message: msg}
}

// httpResult streams the parts of a multipart/mixed response.
type httpResult struct {
	body   io.ReadCloser
	mr     *multipart.Reader
	single *Item
	item   Item
	err    error
	done   bool
	closed bool
}

func newResult(resp *http.Response) (Result, error) {
	r := &httpResult{body: resp.Body}

	ct := resp.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(ct)
	if err == nil && strings.HasPrefix(mediaType, "multipart/") {
		r.mr = multipart.NewReader(resp.Body, params["boundary"])
		return r, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, classify("read", err)
	}
	if len(bytes.TrimSpace(data)) > 0 {
		r.single = &Item{Type: resp.Header.Get("X-Primitive"), ContentType: ct, Value: string(data)}
	}
	return r, nil
}

func (r *httpResult) Next() bool {
	if r.done || r.closed {
		return false
	}
	if r.mr == nil {
		if r.single == nil {
			r.done = true
			return false
		}
		r.item, r.single = *r.single, nil
		return true
	}

	part, err := r.mr.NextPart()
	if err == io.EOF {
		r.done = true
		return false
	}
	if err != nil {
		r.err = classify("read", err)
		r.done = true
		return false
	}
	defer part.Close()

	data, err := io.ReadAll(part)
	if err != nil {
		r.err = classify("read", err)
		r.done = true
		return false
	}
	r.item = Item{
		Type:        part.Header.Get("X-Primitive"),
		ContentType: part.Header.Get("Content-Type"),
		Value:       string(data),
	}
	return true
}

func (r *httpResult) Item() Item { return r.item }

func (r *httpResult) Err() error { return r.err }

func (r *httpResult) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.body.Close()
}
