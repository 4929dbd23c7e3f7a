package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/warren-ai/warren/internal/backoff"
	"github.com/warren-ai/warren/pkg/models"
)

const (
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
	wsPingInterval    = wsPongWait * 9 / 10
	wsMaxPayloadBytes = 10 << 20
	wsHandshakeWait   = 15 * time.Second
	wsInboundBuffer   = 64
)

// WebSocket dials the relay server and keeps the connection alive,
// reconnecting with exponential backoff when it drops. Inbound frames
// that are not prompt envelopes for the agent are ignored.
type WebSocket struct {
	url    string
	token  string
	logger *slog.Logger

	inbound chan *models.Envelope
	done    chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	conn     *websocket.Conn
	status   Status
	stopping bool
}

// NewWebSocket creates the adapter. The connection is not opened until
// Start.
func NewWebSocket(url, authToken string, logger *slog.Logger) *WebSocket {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocket{
		url:     url,
		token:   authToken,
		logger:  logger.With("component", "channel"),
		inbound: make(chan *models.Envelope, wsInboundBuffer),
		done:    make(chan struct{}),
	}
}

// Start dials the server and launches the read pump. The initial dial
// must succeed; later drops reconnect in the background.
func (w *WebSocket) Start(ctx context.Context) error {
	conn, err := w.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect prompt channel: %w", err)
	}
	w.setConn(conn)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
	return nil
}

// Stop closes the connection and the inbound stream.
func (w *WebSocket) Stop(ctx context.Context) error {
	w.mu.Lock()
	w.stopping = true
	conn := w.conn
	w.mu.Unlock()

	close(w.done)
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
		conn.Close()
	}
	w.wg.Wait()
	close(w.inbound)
	return nil
}

// Send writes one envelope to the server.
func (w *WebSocket) Send(ctx context.Context, env *models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("prompt channel is not connected")
	}
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

func (w *WebSocket) Messages() <-chan *models.Envelope { return w.inbound }

func (w *WebSocket) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// run owns the connection: it reads until the connection drops, then
// reconnects with backoff until the adapter stops.
func (w *WebSocket) run(ctx context.Context) {
	pinger := time.NewTicker(wsPingInterval)
	defer pinger.Stop()

	go w.pingLoop(pinger)

	for {
		conn := w.currentConn()
		if conn != nil {
			w.readPump(conn)
		}

		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := w.reconnect(ctx); err != nil {
			return
		}
	}
}

func (w *WebSocket) pingLoop(ticker *time.Ticker) {
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.Lock()
			conn := w.conn
			w.mu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				continue
			}
			w.mu.Lock()
			w.status.LastPing = time.Now().Unix()
			w.mu.Unlock()
		}
	}
}

// readPump reads frames until the connection errors. Non-prompt frames
// are dropped.
func (w *WebSocket) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(wsMaxPayloadBytes)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			w.status.Connected = false
			if !w.stopping {
				w.status.Error = err.Error()
			}
			w.conn = nil
			w.mu.Unlock()
			if !w.stopping && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.logger.Warn("prompt channel read failed", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			w.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if !env.IsPrompt() {
			continue
		}

		select {
		case w.inbound <- &env:
		case <-w.done:
			return
		}
	}
}

// reconnect dials until it succeeds or the adapter stops.
func (w *WebSocket) reconnect(ctx context.Context) error {
	policy := backoff.ReconnectPolicy()
	for attempt := 1; ; attempt++ {
		delay := policy.Delay(attempt)
		w.logger.Info("reconnecting prompt channel", "attempt", attempt, "delay", delay)

		select {
		case <-w.done:
			return fmt.Errorf("adapter stopped")
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		conn, err := w.dial(ctx)
		if err != nil {
			w.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}
		w.setConn(conn)
		w.logger.Info("prompt channel reconnected")
		return nil
	}
}

func (w *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeWait}
	header := http.Header{}
	if w.token != "" {
		header.Set("Authorization", "Bearer "+w.token)
	}
	conn, resp, err := dialer.DialContext(ctx, w.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (w *WebSocket) setConn(conn *websocket.Conn) {
	w.mu.Lock()
	w.conn = conn
	w.status = Status{Connected: true, LastPing: time.Now().Unix()}
	w.mu.Unlock()
}

func (w *WebSocket) currentConn() *websocket.Conn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn
}
