package device

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// PushSource subscribes to a WebSocket endpoint that streams device
// presence notifications and feeds them into the monitor. When the
// connection drops it reconnects with a fixed delay; the monitor's poll
// reconciler covers any events missed in between.
type PushSource struct {
	url     string
	monitor *Monitor
	logger  *zap.Logger

	reconnectDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPushSource creates a push source for the given WebSocket URL.
func NewPushSource(url string, monitor *Monitor, logger *zap.Logger) *PushSource {
	ctx, cancel := context.WithCancel(context.Background())

	return &PushSource{
		url:            url,
		monitor:        monitor,
		logger:         logger.With(zap.String("component", "device_push_source")),
		reconnectDelay: 5 * time.Second,
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
}

// Start launches the receive loop.
func (s *PushSource) Start() {
	go s.run()
}

// Stop closes the source and waits for the receive loop to exit.
func (s *PushSource) Stop() {
	s.cancel()
	<-s.done
}

func (s *PushSource) run() {
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if err := s.receive(); err != nil {
			s.logger.Warn("Push source connection lost",
				zap.Error(err),
				zap.Duration("reconnect_delay", s.reconnectDelay),
			)
		}

		select {
		case <-time.After(s.reconnectDelay):
		case <-s.ctx.Done():
			return
		}
	}
}

// receive connects and forwards events until the connection fails or the
// source is stopped.
func (s *PushSource) receive() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, _, err := dialer.DialContext(s.ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.logger.Info("Push source connected", zap.String("url", s.url))

	// Unblock ReadMessage when Stop is called.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-s.ctx.Done():
			conn.Close()
		case <-readDone:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return err
		}

		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			s.logger.Warn("Malformed device event", zap.Error(err))
			continue
		}

		s.monitor.Push(event)
	}
}
