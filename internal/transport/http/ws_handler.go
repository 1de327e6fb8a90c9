package http

import (
	"context"
	"errors"
	"io"
	stdhttp "net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/config"
	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/utils"
)

// WSHandler upgrades HTTP connections and bridges them to a core.Session.
type WSHandler struct {
	deps              Deps
	origins           []string
	maxMessageBytes   int64
	messagesPerMinute int
	sendTimeout       time.Duration
	log               *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(deps Deps, cfg *config.Config, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{
		deps:              deps,
		origins:           cfg.AllowedOrigins,
		maxMessageBytes:   cfg.MaxMessageBytes,
		messagesPerMinute: cfg.MessagesPerMinute,
		sendTimeout:       cfg.SendTimeout,
		log:               logger,
	}
}

// wsConn adapts a websocket connection to core.Conn. Writes are serialized
// by the websocket library, so broadcasts and replay may call Send
// concurrently.
type wsConn struct {
	id   string
	conn *websocket.Conn
	open atomic.Bool
}

func newWSConn(id string, conn *websocket.Conn) *wsConn {
	c := &wsConn{id: id, conn: conn}
	c.open.Store(true)
	return c
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Open() bool { return c.open.Load() }

func (c *wsConn) Send(ctx context.Context, payload []byte) error {
	if !c.open.Load() {
		return core.ErrConnClosed
	}
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

func (c *wsConn) markClosed() { c.open.Store(false) }

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ctx := r.Context()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.log.Warn().Err(err).Str("origin", r.Header.Get("Origin")).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")
	if h.maxMessageBytes > 0 {
		conn.SetReadLimit(h.maxMessageBytes)
	}

	wc := newWSConn(utils.NewID(), conn)
	session := core.NewSession(wc, h.deps.Members, h.deps.History, h.deps.Out, h.log, h.deps.Observer,
		core.WithSessionSendTimeout(h.sendTimeout))
	defer session.Close()
	defer wc.markClosed()

	h.log.Debug().Str("conn_id", wc.id).Msg("ws connected")

	err = h.readLoop(ctx, conn, wc, session)

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			h.log.Warn().Err(err).Str("conn_id", wc.id).Msg("ws connection closed with error")
		}
	}

	wc.markClosed()
	conn.Close(status, reason)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, wc *wsConn, session *core.Session) error {
	limiter := newRateLimiter(h.messagesPerMinute)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			h.log.Debug().Str("conn_id", wc.id).Msg("ignoring non-text frame")
			continue
		}
		if !limiter.allow() {
			h.log.Warn().Str("conn_id", wc.id).Msg("rate limit exceeded, dropping frame")
			continue
		}
		session.HandleInbound(ctx, data)
	}
}
