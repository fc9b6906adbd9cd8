package bridge

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"

	"github.com/guseggert/procbridge/bridge/process"
	"go.uber.org/zap"
)

const (
	HeaderRequestID = "X-Request-Id"

	// Diagnostic headers, only sent when the bridge is built WithDiagnosticHeaders.
	HeaderStatus   = "X-Bridge-Status"
	HeaderExitCode = "X-Bridge-Exit-Code"
	HeaderDuration = "X-Bridge-Duration-Ms"
	// HeaderStderr holds up to MaxStderrHeaderBytes of the collaborator's stderr, base64-encoded.
	HeaderStderr = "X-Bridge-Stderr"
	// HeaderStderrTruncated is "true" when HeaderStderr holds only the start of stderr.
	HeaderStderrTruncated = "X-Bridge-Stderr-Truncated"
)

// MaxStderrHeaderBytes caps the raw stderr reported in HeaderStderr.
const MaxStderrHeaderBytes = 4 << 10

// statusCode maps a result to the HTTP status of its response.
func (b *Bridge) statusCode(res *process.Result) int {
	if b.surfaceErrors {
		switch res.Status {
		case process.StatusLaunchFailed, process.StatusIOFailed:
			return http.StatusInternalServerError
		case process.StatusTimeout:
			return http.StatusGatewayTimeout
		}
	}
	if b.failOnExitCode && res.Status == process.StatusSuccess && res.ExitCode != 0 {
		return http.StatusBadGateway
	}
	return http.StatusOK
}

func (b *Bridge) writeResult(w http.ResponseWriter, log *zap.SugaredLogger, res *process.Result) {
	if b.diagnosticHeaders {
		h := w.Header()
		h.Set(HeaderStatus, res.Status.String())
		h.Set(HeaderExitCode, strconv.Itoa(res.ExitCode))
		h.Set(HeaderDuration, strconv.FormatInt(res.Duration.Milliseconds(), 10))
		stderr := res.Stderr
		if len(stderr) > MaxStderrHeaderBytes {
			stderr = stderr[:MaxStderrHeaderBytes]
			h.Set(HeaderStderrTruncated, "true")
		}
		h.Set(HeaderStderr, base64.StdEncoding.EncodeToString(stderr))
	}

	code := b.statusCode(res)
	if code != http.StatusOK {
		http.Error(w, failureMessage(res), code)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, err := w.Write(res.Stdout)
	if err != nil {
		log.Debugf("error writing response body: %s", err)
	}
}

func failureMessage(res *process.Result) string {
	if res.Err != nil {
		return fmt.Sprintf("%s: %s", res.Status, res.Err)
	}
	return fmt.Sprintf("collaborator exited with code %d", res.ExitCode)
}
