// Package ws accepts WebSocket connections and bridges them to rooms.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/cory-johannsen/farmstead/internal/config"
	"github.com/cory-johannsen/farmstead/internal/game/session"
	"github.com/cory-johannsen/farmstead/internal/gameserver"
)

const (
	pingInterval = 30 * time.Second
	pingTimeout  = 5 * time.Second
)

// RoomJoiner admits a connection into a named room.
type RoomJoiner interface {
	Join(ctx context.Context, room, requestedID string) (*gameserver.Membership, error)
}

// Acceptor serves GET /rooms/{room} upgrades and pumps frames between each
// socket and its room membership.
type Acceptor struct {
	cfg    config.WebSocketConfig
	rooms  RoomJoiner
	logger *zap.Logger

	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewAcceptor creates a WebSocket acceptor.
//
// Precondition: cfg must have a valid port; rooms and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(cfg config.WebSocketConfig, rooms RoomJoiner, logger *zap.Logger) *Acceptor {
	return &Acceptor{
		cfg:    cfg,
		rooms:  rooms,
		logger: logger,
		quit:   make(chan struct{}),
	}
}

// Handler returns the HTTP routes of the acceptor.
func (a *Acceptor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rooms/{room}", a.serveRoom)
	return mux
}

// ListenAndServe listens on the configured address and serves until Stop is called.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}
	server := &http.Server{Handler: a.Handler(), ReadHeaderTimeout: 10 * time.Second}

	a.mu.Lock()
	a.listener = listener
	a.server = server
	a.running = true
	a.mu.Unlock()

	a.logger.Info("websocket acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving websocket: %w", err)
	}
	return nil
}

func (a *Acceptor) serveRoom(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: a.cfg.OriginPatterns})
	if err != nil {
		a.logger.Debug("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	conn.SetReadLimit(a.cfg.ReadLimit)

	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-a.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	m, err := a.rooms.Join(ctx, room, r.URL.Query().Get("id"))
	if err != nil {
		status := websocket.StatusTryAgainLater
		if errors.Is(err, session.ErrIDInUse) || errors.Is(err, gameserver.ErrInvalidRoom) {
			status = websocket.StatusPolicyViolation
		}
		a.logger.Info("join refused",
			zap.String("room", room),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		_ = conn.Close(status, "join refused")
		return
	}
	a.runSession(ctx, cancel, conn, m, r.RemoteAddr)
}

func (a *Acceptor) runSession(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, m *gameserver.Membership, addr string) {
	start := time.Now()
	logger := a.logger.With(
		zap.String("room", m.Room()),
		zap.String("conn", m.ID()),
		zap.String("remote_addr", addr),
	)
	logger.Info("client connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		a.writeLoop(ctx, conn, m)
	}()
	go a.pingLoop(ctx, cancel, conn)

	err := a.readLoop(ctx, conn, m)
	m.Leave()
	cancel()
	<-writerDone
	_ = conn.Close(websocket.StatusNormalClosure, "")

	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		logger.Info("session ended cleanly", zap.Duration("duration", time.Since(start)))
	} else {
		logger.Debug("session ended", zap.Error(err), zap.Duration("duration", time.Since(start)))
	}
}

func (a *Acceptor) readLoop(ctx context.Context, conn *websocket.Conn, m *gameserver.Membership) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		if !m.Deliver(data) {
			return gameserver.ErrRoomClosed
		}
	}
}

// writeLoop drains the membership's frames in order. A closed frame channel
// means the room dropped the connection.
func (a *Acceptor) writeLoop(ctx context.Context, conn *websocket.Conn, m *gameserver.Membership) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-m.Frames():
			if !ok {
				if errors.Is(m.Cause(), session.ErrBufferFull) {
					a.logger.Debug("connection fell behind", zap.String("conn", m.ID()))
					_ = conn.Close(websocket.StatusTryAgainLater, "send buffer full")
					return
				}
				_ = conn.Close(websocket.StatusGoingAway, "disconnected")
				return
			}
			if err := a.write(ctx, conn, frame); err != nil {
				a.logger.Debug("websocket write failed", zap.String("conn", m.ID()), zap.Error(err))
				return
			}
		}
	}
}

func (a *Acceptor) write(ctx context.Context, conn *websocket.Conn, frame []byte) error {
	if a.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.WriteTimeout)
		defer cancel()
	}
	return conn.Write(ctx, websocket.MessageText, frame)
}

func (a *Acceptor) pingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, pcancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				cancel()
				return
			}
		}
	}
}

// Stop closes the listener, ends every session and waits for them to finish.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.quit)
	server := a.server
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		a.logger.Warn("http shutdown", zap.Error(err))
	}
	a.wg.Wait()

	a.logger.Info("websocket acceptor stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
