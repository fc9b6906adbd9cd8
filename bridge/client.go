package bridge

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	paramName                string
	tlsClientConfig          *tls.Config
	customizeRetryableClient func(*retryablehttp.Client)
	wsHTTPClient             *http.Client

	waitInterval time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientTLSConfig(cfg *tls.Config) ClientOption {
	return func(c *Client) {
		c.tlsClientConfig = cfg
	}
}

func WithClientParamName(name string) ClientOption {
	return func(c *Client) {
		c.paramName = name
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// StatusError is returned when the bridge answers with a non-200 status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("non-200 HTTP status code %d received: %s", e.StatusCode, e.Body)
}

// Diagnostics is what the bridge reported about an invocation besides its output.
type Diagnostics struct {
	RequestID string

	// Reported is true if the bridge sent diagnostic headers, in which case the fields below are set.
	Reported bool
	Status   string
	ExitCode int
	Duration time.Duration
	Stderr   []byte
	// StderrTruncated is true if Stderr holds only the start of the collaborator's stderr.
	StderrTruncated bool
}

// retryConnErrors retries only when the connection to the bridge could not be opened.
// Once a request has been sent the bridge may have spawned a collaborator, and retrying would spawn another,
// so any later failure is returned as is.
func retryConnErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true, nil
	}
	return false, nil
}

// NewClient constructs a client for the bridge at baseURL, e.g. "http://localhost:8080".
func NewClient(log *zap.SugaredLogger, baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base URL scheme %q", u.Scheme)
	}

	c := &Client{
		Logger:       log.Named("bridge_client"),
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		paramName:    DefaultParamName,
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	transport := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: c.tlsClientConfig,
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: transport}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 3
	retryClient.CheckRetry = retryConnErrors
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	c.wsHTTPClient = &http.Client{Transport: transport}

	return c, nil
}

// Send runs one invocation with msg as the collaborator's input and returns the collaborator's output.
func (c *Client) Send(ctx context.Context, msg string) ([]byte, *Diagnostics, error) {
	query := url.Values{c.paramName: []string{msg}}
	u := c.baseURL + "/action?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	diag, err := parseDiagnostics(resp.Header)
	if err != nil {
		return nil, nil, err
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, diag, fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, diag, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return b, diag, nil
}

func parseDiagnostics(h http.Header) (*Diagnostics, error) {
	diag := &Diagnostics{RequestID: h.Get(HeaderRequestID)}
	if h.Get(HeaderStatus) == "" {
		return diag, nil
	}
	diag.Reported = true
	diag.Status = h.Get(HeaderStatus)

	exitCode, err := strconv.Atoi(h.Get(HeaderExitCode))
	if err != nil {
		return nil, fmt.Errorf("parsing %s header: %w", HeaderExitCode, err)
	}
	diag.ExitCode = exitCode

	ms, err := strconv.ParseInt(h.Get(HeaderDuration), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing %s header: %w", HeaderDuration, err)
	}
	diag.Duration = time.Duration(ms) * time.Millisecond

	stderr, err := base64.StdEncoding.DecodeString(h.Get(HeaderStderr))
	if err != nil {
		return nil, fmt.Errorf("decoding %s header: %w", HeaderStderr, err)
	}
	diag.Stderr = stderr
	diag.StderrTruncated = h.Get(HeaderStderrTruncated) == "true"
	return diag, nil
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status code %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.Health(ctx)
			if err == nil {
				c.Logger.Debug("health check succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got health check error: %s", err)
		}
	}
}

// Session is a WebSocket connection to the bridge, carrying one invocation per message.
// A Session must not be used concurrently.
type Session struct {
	log  *zap.SugaredLogger
	conn *websocket.Conn
}

func (c *Client) DialSession(ctx context.Context) (*Session, error) {
	u := c.baseURL + "/ws"
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      c.wsHTTPClient,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	wsConn.SetReadLimit(clientReadLimit)
	return &Session{log: c.Logger.Named("session"), conn: wsConn}, nil
}

// Send runs one invocation over the session and returns the collaborator's output.
// If the bridge rejects the invocation it closes the session, and the returned error carries the close reason.
func (s *Session) Send(ctx context.Context, msg []byte) ([]byte, error) {
	err := s.conn.Write(ctx, websocket.MessageBinary, msg)
	if err != nil {
		return nil, fmt.Errorf("writing message: %w", err)
	}
	_, b, err := s.conn.Read(ctx)
	if err != nil {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, fmt.Errorf("session closed by bridge: %w", err)
		}
		return nil, fmt.Errorf("reading reply: %w", err)
	}
	return b, nil
}

func (s *Session) Close() error {
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	s.log.Debugw("closed session", "Error", err)
	return err
}
