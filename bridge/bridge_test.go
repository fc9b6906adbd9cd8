package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/guseggert/procbridge/bridge/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	log *zap.SugaredLogger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}

	log = l.Sugar()
}

func echo(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) int {
	io.Copy(stdout, stdin)
	return 0
}

func upper(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) int {
	b, _ := io.ReadAll(stdin)
	stdout.Write(bytes.ToUpper(b))
	return 0
}

// newTestBridge serves a bridge over httptest and returns a client for it.
func newTestBridge(t *testing.T, spawner process.Spawner, opts ...Option) (*Client, *httptest.Server) {
	b, err := NewBridge(spawner, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	require.NoError(t, err)

	s := httptest.NewServer(b.Handler())
	t.Cleanup(s.Close)

	client, err := NewClient(log, s.URL)
	require.NoError(t, err)
	return client, s
}

func TestActionRoundTrip(t *testing.T) {
	client, _ := newTestBridge(t, &process.FuncSpawner{Fn: echo})

	cases := []struct {
		name string
		msg  string
	}{
		{name: "simple", msg: "hello"},
		{name: "base64 with plus and slash", msg: "eyJTYWx0UmVxdWVzdCI6e319+/=="},
		{name: "spaces and newlines", msg: "a b\nc\r\n"},
		{name: "unicode", msg: "héllo wörld ✓"},
		{name: "large", msg: strings.Repeat("0123456789", 20000)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b, diag, err := client.Send(context.Background(), c.msg)
			require.NoError(t, err)
			assert.Equal(t, c.msg, string(b))
			assert.NotEmpty(t, diag.RequestID)
			assert.False(t, diag.Reported)
		})
	}
}

func TestActionUppercase(t *testing.T) {
	_, s := newTestBridge(t, &process.FuncSpawner{Fn: upper})

	for _, path := range []string{"/action", "/action.php"} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(s.URL + path + "?msg=rotate-left")
			require.NoError(t, err)
			defer resp.Body.Close()

			b, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
			assert.Equal(t, "ROTATE-LEFT", string(b))
		})
	}
}

func TestActionAbsentParam(t *testing.T) {
	var spawned, inputBytes atomic.Int64
	fn := func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) int {
		spawned.Add(1)
		b, _ := io.ReadAll(stdin)
		inputBytes.Add(int64(len(b)))
		io.WriteString(stdout, "empty input")
		return 0
	}
	_, s := newTestBridge(t, &process.FuncSpawner{Fn: fn})

	resp, err := http.Get(s.URL + "/action")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "empty input", string(b))
	assert.EqualValues(t, 1, spawned.Load())
	assert.EqualValues(t, 0, inputBytes.Load())
}

func TestActionParamName(t *testing.T) {
	b, err := NewBridge(&process.FuncSpawner{Fn: echo}, WithLogger(zap.NewNop()), WithParamName("q"))
	require.NoError(t, err)
	s := httptest.NewServer(b.Handler())
	t.Cleanup(s.Close)

	client, err := NewClient(log, s.URL, WithClientParamName("q"))
	require.NoError(t, err)

	out, _, err := client.Send(context.Background(), "custom")
	require.NoError(t, err)
	assert.Equal(t, "custom", string(out))

	// other parameters are not forwarded
	resp, err := http.Get(s.URL + "/action?msg=ignored")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Empty(t, body)
}

type failureCase struct {
	name    string
	spawner process.Spawner
	opts    []Option
	// expBody is the body of the legacy 200 response.
	expBody string
	// expCode is the status when failures are surfaced.
	expCode int
	// expFailure is true if the invocation itself failed, as opposed to exiting non-zero.
	expFailure bool
}

// failureCases are collaborators that go wrong in each way the bridge distinguishes.
func failureCases() []failureCase {
	return []failureCase{
		{
			name: "non-zero exit with stderr",
			spawner: &process.FuncSpawner{Fn: func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) int {
				io.ReadAll(stdin)
				io.WriteString(stdout, "out")
				io.WriteString(stderr, "err")
				return 2
			}},
			expBody: "out",
			expCode: http.StatusBadGateway,
		},
		{
			name: "launch failure",
			spawner: process.SpawnerFunc(func(ctx context.Context) (process.Process, error) {
				return nil, errors.New("no such file or directory")
			}),
			expBody:    "",
			expCode:    http.StatusInternalServerError,
			expFailure: true,
		},
		{
			name: "timeout",
			spawner: &process.FuncSpawner{Fn: func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) int {
				io.ReadAll(stdin)
				io.WriteString(stdout, "partial")
				<-ctx.Done()
				return 0
			}},
			opts:       []Option{WithTimeout(50 * time.Millisecond)},
			expBody:    "partial",
			expCode:    http.StatusGatewayTimeout,
			expFailure: true,
		},
		{
			name: "output limit",
			spawner: &process.FuncSpawner{Fn: func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) int {
				io.ReadAll(stdin)
				for ctx.Err() == nil {
					if _, err := io.WriteString(stdout, "abcdefgh"); err != nil {
						return 1
					}
				}
				return 1
			}},
			opts:       []Option{WithMaxOutputBytes(20)},
			expBody:    "abcdefghabcdefghabcd",
			expCode:    http.StatusInternalServerError,
			expFailure: true,
		},
	}
}

func TestLegacyPassThrough(t *testing.T) {
	for _, c := range failureCases() {
		t.Run(c.name, func(t *testing.T) {
			_, s := newTestBridge(t, c.spawner, c.opts...)

			resp, err := http.Get(s.URL + "/action?msg=x")
			require.NoError(t, err)
			defer resp.Body.Close()
			b, err := io.ReadAll(resp.Body)
			require.NoError(t, err)

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
			assert.Equal(t, c.expBody, string(b))
			assert.Empty(t, resp.Header.Get(HeaderStatus))
		})
	}
}

func TestSurfaceErrors(t *testing.T) {
	for _, c := range failureCases() {
		t.Run(c.name, func(t *testing.T) {
			opts := append([]Option{WithSurfaceErrors(true), WithFailOnExitCode(true)}, c.opts...)
			client, _ := newTestBridge(t, c.spawner, opts...)

			_, _, err := client.Send(context.Background(), "x")
			var statusErr *StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, c.expCode, statusErr.StatusCode)
		})
	}

	t.Run("surfacing errors alone keeps non-zero exits at 200", func(t *testing.T) {
		client, _ := newTestBridge(t, failureCases()[0].spawner, WithSurfaceErrors(true))
		b, _, err := client.Send(context.Background(), "x")
		require.NoError(t, err)
		assert.Equal(t, "out", string(b))
	})

	t.Run("exit code only fails successful runs", func(t *testing.T) {
		for _, c := range failureCases() {
			if !c.expFailure {
				continue
			}
			client, _ := newTestBridge(t, c.spawner, append([]Option{WithFailOnExitCode(true)}, c.opts...)...)
			b, _, err := client.Send(context.Background(), "x")
			require.NoError(t, err, c.name)
			assert.Equal(t, c.expBody, string(b), c.name)
		}
	})
}

func TestDiagnosticHeaders(t *testing.T) {
	client, _ := newTestBridge(t, failureCases()[0].spawner, WithDiagnosticHeaders(true))

	b, diag, err := client.Send(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "out", string(b))
	require.True(t, diag.Reported)
	assert.Equal(t, "success", diag.Status)
	assert.Equal(t, 2, diag.ExitCode)
	assert.Equal(t, "err", string(diag.Stderr))
	assert.False(t, diag.StderrTruncated)
	assert.NotEmpty(t, diag.RequestID)
}

func TestDiagnosticHeadersTruncateStderr(t *testing.T) {
	fn := func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) int {
		io.Copy(io.Discard, stdin)
		io.WriteString(stdout, "state")
		stderr.Write(bytes.Repeat([]byte("e"), 8<<20))
		return 0
	}
	client, _ := newTestBridge(t, &process.FuncSpawner{Fn: fn}, WithDiagnosticHeaders(true))

	b, diag, err := client.Send(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "state", string(b))
	require.True(t, diag.Reported)
	assert.True(t, diag.StderrTruncated)
	assert.Len(t, diag.Stderr, MaxStderrHeaderBytes)

}

func TestTruncateReason(t *testing.T) {
	cases := []struct {
		name   string
		reason string
		exp    string
	}{
		{name: "short", reason: "launch_failed", exp: "launch_failed"},
		{name: "ascii", reason: strings.Repeat("a", 150), exp: strings.Repeat("a", 100)},
		{name: "multi-byte rune across the limit", reason: "x" + strings.Repeat("é", 60), exp: "x" + strings.Repeat("é", 49)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := truncateReason(c.reason, 100)
			assert.Equal(t, c.exp, got)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, len(got), 100)
		})
	}
}

func TestConcurrentRequests(t *testing.T) {
	client, _ := newTestBridge(t, &process.FuncSpawner{Fn: echo})

	group, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 50; i++ {
		msg := fmt.Sprintf("payload %d %s", i, strings.Repeat("#", i*37))
		group.Go(func() error {
			b, _, err := client.Send(ctx, msg)
			if err != nil {
				return err
			}
			if string(b) != msg {
				return fmt.Errorf("expected %q, got %q", msg, b)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
}

func TestSession(t *testing.T) {
	var spawned atomic.Int64
	spawner := &process.FuncSpawner{Fn: func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) int {
		spawned.Add(1)
		return upper(ctx, stdin, stdout, stderr)
	}}
	client, _ := newTestBridge(t, spawner)
	ctx := context.Background()

	session, err := client.DialSession(ctx)
	require.NoError(t, err)

	for _, msg := range []string{"rotate-left", "", "drop"} {
		b, err := session.Send(ctx, []byte(msg))
		require.NoError(t, err)
		assert.Equal(t, strings.ToUpper(msg), string(b))
	}
	assert.NoError(t, session.Close())
	assert.EqualValues(t, 3, spawned.Load())
}

func TestSessionRejected(t *testing.T) {
	spawner := process.SpawnerFunc(func(ctx context.Context) (process.Process, error) {
		return nil, errors.New("no such file or directory")
	})
	client, _ := newTestBridge(t, spawner, WithSurfaceErrors(true))
	ctx := context.Background()

	session, err := client.DialSession(ctx)
	require.NoError(t, err)

	_, err = session.Send(ctx, []byte("x"))
	require.ErrorContains(t, err, "session closed by bridge")
	require.ErrorContains(t, err, "launch_failed")
}

func TestHealth(t *testing.T) {
	client, s := newTestBridge(t, &process.FuncSpawner{Fn: echo})
	require.NoError(t, client.WaitForServer(context.Background()))

	resp, err := http.Get(s.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestNewBridgeValidation(t *testing.T) {
	spawner := &process.FuncSpawner{Fn: echo}
	cases := []struct {
		name    string
		spawner process.Spawner
		opts    []Option
	}{
		{name: "no spawner"},
		{name: "empty param name", spawner: spawner, opts: []Option{WithParamName("")}},
		{name: "negative timeout", spawner: spawner, opts: []Option{WithTimeout(-time.Second)}},
		{name: "negative output limit", spawner: spawner, opts: []Option{WithMaxOutputBytes(-1)}},
		{name: "cert without key", spawner: spawner, opts: []Option{WithTLS([]byte("cert"), nil)}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := NewBridge(c.spawner, c.opts...)
			assert.Error(t, err)
		})
	}
}
