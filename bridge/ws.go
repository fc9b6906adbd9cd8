package bridge

import (
	"net/http"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
)

const (
	// sessionReadLimit caps a single inbound session message.
	sessionReadLimit = 1 << 20
	// clientReadLimit caps a single reply read by Session.
	clientReadLimit = 64 << 20
)

// session serves a WebSocket connection where every inbound message is one invocation,
// answered with one binary message holding the collaborator's complete stdout.
// Invocations on one connection run one at a time.
func (b *Bridge) session(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		b.logger.Debugf("session WebSocket accept error: %s", err)
		return
	}
	wsConn.SetReadLimit(sessionReadLimit)

	log := b.logger.Named("ws_session").With("SessionID", uuid.NewString())
	log.Debug("accepted WebSocket conn")

	ctx := r.Context()
	for {
		_, msg, err := wsConn.Read(ctx)
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			log.Debug("got normal closure from client, wrapping up")
			return
		}
		if err != nil {
			log.Debugf("session read error: %s", err)
			closeConn(wsConn, websocket.StatusInternalError, err.Error())
			return
		}

		reqLog := log.With("RequestID", uuid.NewString())
		res := b.invoke(ctx, reqLog, msg)
		if b.statusCode(&res) != http.StatusOK {
			closeConn(wsConn, websocket.StatusInternalError, failureMessage(&res))
			return
		}

		err = wsConn.Write(ctx, websocket.MessageBinary, res.Stdout)
		if err != nil {
			reqLog.Debugf("session write error: %s", err)
			return
		}
	}
}

func closeConn(conn *websocket.Conn, code websocket.StatusCode, reason string) {
	conn.Close(code, truncateReason(reason, 100))
}

// truncateReason cuts reason to at most max bytes without splitting a UTF-8 sequence.
// websocket reason can't be above 123 bytes
func truncateReason(reason string, max int) string {
	if len(reason) <= max {
		return reason
	}
	n := max
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return reason[:n]
}
