package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/tvsync/internal/tv"
)

const MessageTypeAuthorization = "authorization"

// AuthMessage is the first frame a client sends on the push channel.
type AuthMessage struct {
	Type    string      `json:"type"`
	Payload AuthPayload `json:"payload"`
}

type AuthPayload struct {
	Token string `json:"token"`
}

func (g *HTTPGateway) Subscribe(ctx context.Context, onEvent func(tv.Event)) (func(), error) {
	if onEvent == nil {
		return nil, fmt.Errorf("%w: nil event handler", tv.ErrInvalidInput)
	}
	wsURL, err := websocketURL(g.baseURL)
	if err != nil {
		return nil, err
	}
	// The websocket library rejects clients with a whole-request timeout.
	httpClient := *g.httpClient
	httpClient.Timeout = 0
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: &httpClient})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, tv.NetworkError(err)
	}
	auth := AuthMessage{Type: MessageTypeAuthorization, Payload: AuthPayload{Token: g.token}}
	if err := wsjson.Write(ctx, conn, auth); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "authorization failed")
		return nil, tv.NetworkError(err)
	}

	readCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.readEvents(readCtx, conn, onEvent)
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			cancel()
			<-done
			_ = conn.Close(websocket.StatusNormalClosure, "")
		})
	}
	return unsubscribe, nil
}

func (g *HTTPGateway) readEvents(ctx context.Context, conn *websocket.Conn, onEvent func(tv.Event)) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				g.logger.Warn(ctx, "push channel closed", "err", err)
			}
			return
		}
		event, err := tv.DecodeEvent(data)
		if err != nil {
			g.logger.Warn(ctx, "skipping malformed push message", "err", err)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		onEvent(event)
	}
}

func websocketURL(baseURL string) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", errors.New("unsupported base url scheme: " + parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/ws"
	parsed.RawQuery = ""
	return parsed.String(), nil
}
