package kraken

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
)

const (
	krakenPingInterval         = 30 * time.Second
	krakenPingTimeout          = 5 * time.Second
	krakenControlWriteTimeout  = 5 * time.Second
	krakenMaxReconnectInterval = 30 * time.Second
	krakenReadLimit            = 2 * 1024 * 1024
)

// streamManager keeps the authenticated websocket session alive. Each
// (re)connection fetches a fresh session token and replays the channel
// subscriptions before handing messages to the handler.
type streamManager struct {
	baseURL string
	ctx     context.Context
	cancel  context.CancelFunc

	conn   *websocket.Conn
	connMu sync.RWMutex

	channels []string
	token    func(ctx context.Context) (string, error)

	handler   func([]byte) error
	errorChan chan<- error

	ready     chan struct{}
	readyOnce sync.Once

	metrics       *connectorMetrics
	connectorName string
}

type wsSubscribeRequest struct {
	Event        string         `json:"event"`
	Subscription wsSubscription `json:"subscription"`
}

type wsSubscription struct {
	Name  string `json:"name"`
	Token string `json:"token"`
}

func newStreamManager(ctx context.Context, baseURL string, channels []string, token func(ctx context.Context) (string, error), handler func([]byte) error, errorChan chan<- error, metrics *connectorMetrics, connectorName string) *streamManager {
	managerCtx, cancel := context.WithCancel(ctx)
	return &streamManager{
		baseURL:       baseURL,
		ctx:           managerCtx,
		cancel:        cancel,
		conn:          nil,
		connMu:        sync.RWMutex{},
		channels:      channels,
		token:         token,
		handler:       handler,
		errorChan:     errorChan,
		ready:         make(chan struct{}),
		readyOnce:     sync.Once{},
		metrics:       metrics,
		connectorName: connectorName,
	}
}

// start establishes the connection in a background goroutine and waits
// for the initial session.
func (sm *streamManager) start() error {
	go func() {
		if err := sm.connect(); err != nil && !errors.Is(err, context.Canceled) {
			sm.reportError(fmt.Errorf("stream manager connection failed: %w", err))
		}
	}()

	select {
	case <-sm.ready:
		return nil
	case <-time.After(10 * time.Second):
		return errors.New("timeout waiting for websocket connection")
	case <-sm.ctx.Done():
		return fmt.Errorf("stream manager context done: %w", sm.ctx.Err())
	}
}

// stop closes the connection and cancels the manager context.
func (sm *streamManager) stop() {
	sm.cancel()
	sm.connMu.Lock()
	if sm.conn != nil {
		_ = sm.conn.Close(websocket.StatusNormalClosure, "shutdown")
		sm.conn = nil
	}
	sm.connMu.Unlock()
}

// connect maintains the websocket session with automatic reconnection
// and exponential backoff.
func (sm *streamManager) connect() error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = krakenMaxReconnectInterval

	for {
		select {
		case <-sm.ctx.Done():
			return context.Canceled
		default:
		}

		conn, _, err := websocket.Dial(sm.ctx, sm.baseURL, nil)
		if err != nil {
			sm.metrics.recordReconnect(sm.ctx, "error")
			sm.reportError(fmt.Errorf("dial %s: %w", sm.baseURL, err))
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = krakenMaxReconnectInterval
			}
			select {
			case <-sm.ctx.Done():
				return context.Canceled
			case <-time.After(sleep):
				continue
			}
		}

		sm.metrics.recordReconnect(sm.ctx, "success")

		sm.connMu.Lock()
		sm.conn = conn
		sm.connMu.Unlock()

		conn.SetReadLimit(krakenReadLimit)

		sm.readyOnce.Do(func() {
			close(sm.ready)
		})

		backoffCfg.Reset()

		// The session token is connection-scoped; fetch a fresh one and
		// replay every channel subscription.
		if err := sm.subscribeAll(conn); err != nil {
			sm.reportError(fmt.Errorf("subscribe after connect: %w", err))
		}

		connCtx, connCancel := context.WithCancel(sm.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()
			errCh <- sm.readLoop(connCtx, conn)
		}()

		go func() {
			defer wg.Done()
			errCh <- sm.pingLoop(connCtx, conn)
		}()

		firstErr := <-errCh
		connCancel()

		sm.connMu.Lock()
		if sm.conn == conn {
			sm.conn = nil
		}
		sm.connMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")

		wg.Wait()
		close(errCh)

		aggregatedErr := firstErr
		for e := range errCh {
			if aggregatedErr == nil || errors.Is(aggregatedErr, context.Canceled) || errors.Is(aggregatedErr, context.DeadlineExceeded) {
				aggregatedErr = e
			}
		}

		if aggregatedErr != nil && !errors.Is(aggregatedErr, context.Canceled) && !errors.Is(aggregatedErr, context.DeadlineExceeded) {
			sm.reportError(fmt.Errorf("connection loop: %w", aggregatedErr))
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = krakenMaxReconnectInterval
		}
		select {
		case <-sm.ctx.Done():
			return context.Canceled
		case <-time.After(sleep):
		}
	}
}

// subscribeAll authenticates the session and subscribes every channel.
func (sm *streamManager) subscribeAll(conn *websocket.Conn) error {
	if len(sm.channels) == 0 {
		return nil
	}
	token, err := sm.token(sm.ctx)
	if err != nil {
		return fmt.Errorf("fetch session token: %w", err)
	}
	for _, channel := range sm.channels {
		req := wsSubscribeRequest{
			Event:        "subscribe",
			Subscription: wsSubscription{Name: channel, Token: token},
		}
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("marshal subscribe request: %w", err)
		}
		writeCtx, cancel := context.WithTimeout(sm.ctx, krakenControlWriteTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return fmt.Errorf("write subscribe request: %w", err)
		}
		log.Printf("kraken stream manager [%s]: subscribed %s", sm.connectorName, channel)
	}
	return nil
}

// pingLoop keeps the session alive and detects stale sockets.
func (sm *streamManager) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(krakenPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("ping loop context done: %w", ctx.Err())
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, krakenPingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return context.Canceled
				}
				if errors.Is(err, net.ErrClosed) {
					return context.Canceled
				}
				if status := websocket.CloseStatus(err); status != -1 {
					return fmt.Errorf("ping: remote closed with status %d", status)
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// readLoop reads messages until the connection drops and hands them to
// the handler.
func (sm *streamManager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			if errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return context.Canceled
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}

		if msgType != websocket.MessageText {
			continue
		}

		if sm.handler != nil {
			if err := sm.handler(data); err != nil {
				if errors.Is(err, errStreamCanceled) {
					return err
				}
				sm.reportError(fmt.Errorf("handle message: %w", err))
			}
		}
	}
}

func (sm *streamManager) reportError(err error) {
	if err == nil || sm.errorChan == nil {
		return
	}
	if sm.connectorName != "" {
		err = fmt.Errorf("kraken stream manager [%s]: %w", sm.connectorName, err)
	}
	select {
	case <-sm.ctx.Done():
	case sm.errorChan <- err:
	default:
	}
}
