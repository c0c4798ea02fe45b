package tvapi

import (
	"context"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/tvsync/internal/logging"
	"github.com/agentworkforce/tvsync/internal/tv"
)

const (
	wsAuthTimeout  = 10 * time.Second
	wsWriteTimeout = 5 * time.Second
	wsSendBuffer   = 64
)

type authMessage struct {
	Type    string `json:"type"`
	Payload struct {
		Token string `json:"token"`
	} `json:"payload"`
}

type wsClient struct {
	username string
	send     chan []byte
	cancel   context.CancelFunc
}

// hub fans push events out to every authenticated websocket client.
type hub struct {
	secret string
	logger logging.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newHub(secret string, logger logging.Logger) *hub {
	return &hub{secret: secret, logger: logger, clients: map[*wsClient]struct{}{}}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) broadcast(ctx context.Context, event tv.Event) {
	data, err := tv.EncodeEvent(event)
	if err != nil {
		h.logger.Error(ctx, "encode push event", "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn(ctx, "dropping slow push client", "username", c.username)
			delete(h.clients, c)
			c.cancel()
		}
	}
}

// serve runs one websocket connection. The first frame must be an
// authorization message carrying a valid token.
func (h *hub) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.CloseNow()

	authCtx, cancelAuth := context.WithTimeout(ctx, wsAuthTimeout)
	var msg authMessage
	err := wsjson.Read(authCtx, conn, &msg)
	cancelAuth()
	if err != nil || msg.Type != "authorization" {
		_ = conn.Close(websocket.StatusPolicyViolation, "authorization required")
		return
	}
	claims, authErr := verifyToken(msg.Payload.Token, h.secret, time.Now().UTC())
	if authErr != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, authErr.message)
		return
	}

	ctx, cancel := context.WithCancel(conn.CloseRead(ctx))
	defer cancel()
	client := &wsClient{username: claims.Username, send: make(chan []byte, wsSendBuffer), cancel: cancel}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		h.mu.Unlock()
	}()
	h.logger.Debug(ctx, "push client connected", "username", claims.Username)

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case data := <-client.send:
			writeCtx, cancelWrite := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancelWrite()
			if err != nil {
				h.logger.Debug(ctx, "push client write failed", "username", claims.Username, "err", err)
				return
			}
		}
	}
}
