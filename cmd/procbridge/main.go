package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/procbridge/bridge"
	"github.com/guseggert/procbridge/bridge/process"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func envVar(name string) []string {
	return []string{"PROCBRIDGE_" + name}
}

func main() {
	app := &cli.App{
		Name:  "procbridge",
		Usage: "answer HTTP requests by running a collaborator program on the request parameter",
		Commands: []*cli.Command{
			serveCommand,
			sendCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "serve the bridge",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "listen-addr",
			Usage:   "The address for the HTTP server to listen on.",
			Value:   "0.0.0.0:8080",
			EnvVars: envVar("LISTEN_ADDR"),
		},
		&cli.StringFlag{
			Name:    "command",
			Usage:   "The collaborator executable. Relative paths are resolved against --dir.",
			Value:   "./tetris-server",
			EnvVars: envVar("COMMAND"),
		},
		&cli.StringSliceFlag{
			Name:    "arg",
			Usage:   "An argument to pass to the collaborator. May be repeated.",
			EnvVars: envVar("ARGS"),
		},
		&cli.StringFlag{
			Name:    "dir",
			Usage:   "The working directory of the collaborator. Defaults to the current directory.",
			EnvVars: envVar("DIR"),
		},
		&cli.StringSliceFlag{
			Name:    "env",
			Usage:   "A KEY=VALUE pair added to the collaborator's environment. May be repeated.",
			EnvVars: envVar("ENV"),
		},
		&cli.StringFlag{
			Name:    "param",
			Usage:   "The query parameter forwarded to the collaborator.",
			Value:   bridge.DefaultParamName,
			EnvVars: envVar("PARAM"),
		},
		&cli.StringFlag{
			Name:    "timeout",
			Usage:   "Kill the collaborator if it runs longer than this. 0 disables the timeout.",
			Value:   "0s",
			EnvVars: envVar("TIMEOUT"),
		},
		&cli.Int64Flag{
			Name:    "max-output-bytes",
			Usage:   "Kill the collaborator if it writes more than this many bytes to stdout or stderr. 0 disables the limit.",
			EnvVars: envVar("MAX_OUTPUT_BYTES"),
		},
		&cli.BoolFlag{
			Name:    "surface-errors",
			Usage:   "Answer launch and I/O failures with 500 and timeouts with 504 instead of 200.",
			EnvVars: envVar("SURFACE_ERRORS"),
		},
		&cli.BoolFlag{
			Name:    "fail-on-exit-code",
			Usage:   "Answer with 502 when the collaborator exits non-zero.",
			EnvVars: envVar("FAIL_ON_EXIT_CODE"),
		},
		&cli.BoolFlag{
			Name:    "diagnostic-headers",
			Usage:   "Report the collaborator's exit code, stderr and duration in response headers.",
			EnvVars: envVar("DIAGNOSTIC_HEADERS"),
		},
		&cli.StringFlag{
			Name:    "tls-cert",
			Usage:   "Path to a PEM certificate chain. Serves HTTPS when set together with --tls-key.",
			EnvVars: envVar("TLS_CERT"),
		},
		&cli.StringFlag{
			Name:    "tls-key",
			Usage:   "Path to the PEM private key for --tls-cert.",
			EnvVars: envVar("TLS_KEY"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "One of [debug,info,warn,error].",
			Value:   "info",
			EnvVars: envVar("LOG_LEVEL"),
		},
	},
	Action: func(ctx *cli.Context) error {
		timeout, err := time.ParseDuration(ctx.String("timeout"))
		if err != nil {
			return fmt.Errorf("parsing timeout: %w", err)
		}
		logLevel, err := zapcore.ParseLevel(ctx.String("log-level"))
		if err != nil {
			return fmt.Errorf("parsing log level: %w", err)
		}

		opts := []bridge.Option{
			bridge.WithLogLevel(logLevel),
			bridge.WithListenAddr(ctx.String("listen-addr")),
			bridge.WithParamName(ctx.String("param")),
			bridge.WithTimeout(timeout),
			bridge.WithMaxOutputBytes(ctx.Int64("max-output-bytes")),
			bridge.WithSurfaceErrors(ctx.Bool("surface-errors")),
			bridge.WithFailOnExitCode(ctx.Bool("fail-on-exit-code")),
			bridge.WithDiagnosticHeaders(ctx.Bool("diagnostic-headers")),
		}

		certFile, keyFile := ctx.String("tls-cert"), ctx.String("tls-key")
		if certFile != "" || keyFile != "" {
			certPEM, err := os.ReadFile(certFile)
			if err != nil {
				return fmt.Errorf("reading TLS cert: %w", err)
			}
			keyPEM, err := os.ReadFile(keyFile)
			if err != nil {
				return fmt.Errorf("reading TLS key: %w", err)
			}
			opts = append(opts, bridge.WithTLS(certPEM, keyPEM))
		}

		spawner := &process.ExecSpawner{
			Command: ctx.String("command"),
			Args:    ctx.StringSlice("arg"),
			Dir:     ctx.String("dir"),
			Env:     ctx.StringSlice("env"),
		}
		b, err := bridge.NewBridge(spawner, opts...)
		if err != nil {
			return fmt.Errorf("building bridge: %w", err)
		}

		sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		group, groupCtx := errgroup.WithContext(sigCtx)
		group.Go(b.Run)
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return b.Shutdown(shutdownCtx)
		})
		return group.Wait()
	},
}

var sendCommand = &cli.Command{
	Name:  "send",
	Usage: "send one message to a bridge and print the collaborator's output",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "url",
			Usage:   "The base URL of the bridge.",
			Value:   "http://localhost:8080",
			EnvVars: envVar("URL"),
		},
		&cli.StringFlag{
			Name:  "msg",
			Usage: "The message to send. Read from stdin when not set.",
		},
		&cli.StringFlag{
			Name:    "param",
			Usage:   "The query parameter the bridge forwards.",
			Value:   bridge.DefaultParamName,
			EnvVars: envVar("PARAM"),
		},
		&cli.StringFlag{
			Name:    "ca-cert",
			Usage:   "Path to a PEM CA certificate to trust for HTTPS.",
			EnvVars: envVar("CA_CERT"),
		},
		&cli.BoolFlag{
			Name:  "ws",
			Usage: "Send the message over a WebSocket session instead of a GET request.",
		},
		&cli.BoolFlag{
			Name:  "verbose",
			Usage: "Log client activity to stderr.",
		},
	},
	Action: func(ctx *cli.Context) error {
		msg := ctx.String("msg")
		if !ctx.IsSet("msg") {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}
			msg = string(b)
		}

		logger, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		if !ctx.Bool("verbose") {
			logger = logger.WithOptions(zap.IncreaseLevel(zapcore.WarnLevel))
		}

		clientOpts := []bridge.ClientOption{bridge.WithClientParamName(ctx.String("param"))}
		if caFile := ctx.String("ca-cert"); caFile != "" {
			caPEM, err := os.ReadFile(caFile)
			if err != nil {
				return fmt.Errorf("reading CA cert: %w", err)
			}
			tlsConfig, err := bridge.ClientTLSConfig(caPEM)
			if err != nil {
				return fmt.Errorf("building client TLS config: %w", err)
			}
			clientOpts = append(clientOpts, bridge.WithClientTLSConfig(tlsConfig))
		}

		client, err := bridge.NewClient(logger.Sugar(), ctx.String("url"), clientOpts...)
		if err != nil {
			return fmt.Errorf("building client: %w", err)
		}

		var out []byte
		if ctx.Bool("ws") {
			session, err := client.DialSession(ctx.Context)
			if err != nil {
				return err
			}
			defer session.Close()
			out, err = session.Send(ctx.Context, []byte(msg))
			if err != nil {
				return err
			}
		} else {
			out, _, err = client.Send(ctx.Context, msg)
			if err != nil {
				return err
			}
		}

		_, err = os.Stdout.Write(out)
		return err
	},
}
