package bridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/procbridge/bridge/process"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const DefaultParamName = "msg"

// Bridge is an HTTP server that hands one request parameter to a freshly spawned collaborator process
// and answers with whatever the collaborator wrote to stdout.
//
// By default every invocation is answered with 200 and the captured stdout, whatever happened to the process.
// The hardening options turn failures into distinct error responses instead.
type Bridge struct {
	logger *zap.SugaredLogger

	spawner        process.Spawner
	paramName      string
	timeout        time.Duration
	maxOutputBytes int64

	surfaceErrors     bool
	failOnExitCode    bool
	diagnosticHeaders bool

	certPEM []byte
	keyPEM  []byte

	listenAddr string
	httpServer *http.Server
	started    time.Time
}

type Option func(b *Bridge)

func WithListenAddr(s string) Option {
	return func(b *Bridge) {
		b.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		b.logger = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(b *Bridge) {
		b.logger = b.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithParamName sets the query parameter whose value is sent to the collaborator.
func WithParamName(name string) Option {
	return func(b *Bridge) {
		b.paramName = name
	}
}

// WithTimeout bounds each invocation. The collaborator is killed when it runs longer. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.timeout = d
	}
}

// WithMaxOutputBytes caps each of the collaborator's output streams. The collaborator is killed when it writes more. Zero disables the cap.
func WithMaxOutputBytes(n int64) Option {
	return func(b *Bridge) {
		b.maxOutputBytes = n
	}
}

// WithSurfaceErrors answers launch and I/O failures with 500 and timeouts with 504, instead of 200 with partial output.
func WithSurfaceErrors(v bool) Option {
	return func(b *Bridge) {
		b.surfaceErrors = v
	}
}

// WithFailOnExitCode answers with 502 when the collaborator exits non-zero.
func WithFailOnExitCode(v bool) Option {
	return func(b *Bridge) {
		b.failOnExitCode = v
	}
}

// WithDiagnosticHeaders adds the collaborator's status, exit code, duration and stderr to every response as headers.
func WithDiagnosticHeaders(v bool) Option {
	return func(b *Bridge) {
		b.diagnosticHeaders = v
	}
}

// WithTLS serves HTTPS using the given PEM-encoded certificate chain and key.
func WithTLS(certPEM, keyPEM []byte) Option {
	return func(b *Bridge) {
		b.certPEM = certPEM
		b.keyPEM = keyPEM
	}
}

// NewBridge constructs a new bridge which spawns collaborators with the given spawner.
func NewBridge(spawner process.Spawner, opts ...Option) (*Bridge, error) {
	if spawner == nil {
		return nil, errors.New("spawner is required")
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	b := &Bridge{
		logger:     logger.Named("procbridge").Sugar(),
		spawner:    spawner,
		paramName:  DefaultParamName,
		listenAddr: "0.0.0.0:8080",
		started:    time.Now(),
	}
	for _, o := range opts {
		o(b)
	}
	if b.paramName == "" {
		return nil, errors.New("parameter name must not be empty")
	}
	if b.timeout < 0 {
		return nil, fmt.Errorf("negative timeout %s", b.timeout)
	}
	if b.maxOutputBytes < 0 {
		return nil, fmt.Errorf("negative output limit %d", b.maxOutputBytes)
	}
	if (b.certPEM == nil) != (b.keyPEM == nil) {
		return nil, errors.New("TLS needs both a certificate and a key")
	}
	b.httpServer = &http.Server{Handler: b.Handler()}
	return b, nil
}

// Handler returns the bridge's routes.
func (b *Bridge) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/action", b.action)
	router.GET("/action.php", b.action)
	router.GET("/ws", b.session)
	router.GET("/healthz", b.health)
	return router
}

// Run serves HTTP on the listen address and returns once the bridge has stopped.
func (b *Bridge) Run() error {
	listener, err := net.Listen("tcp", b.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	if b.certPEM != nil {
		tlsConfig, err := ServerTLSConfig(b.certPEM, b.keyPEM)
		if err != nil {
			listener.Close()
			return fmt.Errorf("building server TLS config: %w", err)
		}
		listener = tls.NewListener(listener, tlsConfig)
	}

	b.logger.Infow("serving", "Addr", listener.Addr().String(), "TLS", b.certPEM != nil)

	err = b.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (b *Bridge) Stop() error {
	return b.httpServer.Close()
}

// Shutdown stops accepting requests and waits for in-flight invocations to finish.
func (b *Bridge) Shutdown(ctx context.Context) error {
	return b.httpServer.Shutdown(ctx)
}

// action runs the collaborator on the request parameter. An absent parameter is sent as empty input.
func (b *Bridge) action(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	requestID := uuid.NewString()
	log := b.logger.With("RequestID", requestID)

	msg := r.URL.Query().Get(b.paramName)
	res := b.invoke(r.Context(), log, []byte(msg))

	w.Header().Set(HeaderRequestID, requestID)
	b.writeResult(w, log, &res)
}

// invoke runs one collaborator process to completion.
func (b *Bridge) invoke(ctx context.Context, log *zap.SugaredLogger, msg []byte) process.Result {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	res := process.Run(ctx, b.spawner, msg, process.Options{MaxOutputBytes: b.maxOutputBytes})

	log.Debugw("collaborator finished",
		"Status", res.Status.String(),
		"PID", res.PID,
		"ExitCode", res.ExitCode,
		"StdinBytes", len(msg),
		"StdoutBytes", len(res.Stdout),
		"StderrBytes", len(res.Stderr),
		"DurationMS", res.Duration.Milliseconds(),
	)
	if res.Err != nil {
		log.Infow("collaborator failed", "Status", res.Status.String(), "Error", res.Err)
	}
	if len(res.Stderr) > 0 {
		log.Debugw("collaborator wrote to stderr", "Stderr", string(res.Stderr))
	}
	return res
}

func (b *Bridge) health(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	response := HealthResponse{
		Status: "ok",
		Uptime: time.Since(b.started).Round(time.Second).String(),
	}
	buf, err := json.Marshal(response)
	if err != nil {
		b.logger.Debugf("error marshaling health response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(buf)
}

type HealthResponse struct {
	Status string
	Uptime string
}
