package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait
	reconnectDelay = 5 * time.Second
)

// StreamTicker 通过WebSocket订阅成交流并缓存最新价格
type StreamTicker struct {
	url      string
	maxAge   time.Duration
	logger   *zap.Logger
	dialer   *websocket.Dialer
	retry    time.Duration
	mu       sync.RWMutex
	price    float64
	updated  time.Time
	stopChan chan struct{}
	doneChan chan struct{}
	once     sync.Once
}

// NewStreamTicker url 例如 wss://stream.binance.com:9443/ws/btcusdt@aggTrade。
// 超过 maxAge 未更新的价格视为不可用。
func NewStreamTicker(url string, maxAge time.Duration, logger *zap.Logger) *StreamTicker {
	return &StreamTicker{
		url:      url,
		maxAge:   maxAge,
		logger:   logger,
		dialer:   websocket.DefaultDialer,
		retry:    reconnectDelay,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start 启动后台连接循环
func (s *StreamTicker) Start() {
	go s.webSocketLoop()
}

// Stop 关闭连接并等待后台循环退出
func (s *StreamTicker) Stop() {
	s.once.Do(func() { close(s.stopChan) })
	<-s.doneChan
}

func (s *StreamTicker) Price(ctx context.Context) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.price <= 0 {
		return 0, ErrNoPrice
	}
	if s.maxAge > 0 && time.Since(s.updated) > s.maxAge {
		return 0, fmt.Errorf("feed: last price is %s old", time.Since(s.updated).Round(time.Second))
	}
	return s.price, nil
}

// webSocketLoop 维持连接，断开后自动重连
func (s *StreamTicker) webSocketLoop() {
	defer close(s.doneChan)
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		conn, _, err := s.dialer.Dial(s.url, nil)
		if err != nil {
			s.logger.Warn("price stream connect failed", zap.String("url", s.url), zap.Error(err))
			if !s.sleep(s.retry) {
				return
			}
			continue
		}

		s.logger.Info("price stream connected", zap.String("url", s.url))
		if err := s.readMessages(conn); err != nil {
			s.logger.Warn("price stream dropped", zap.Error(err))
		}
		conn.Close()
		if !s.sleep(s.retry) {
			return
		}
	}
}

func (s *StreamTicker) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-s.stopChan:
		return false
	}
}

// readMessages 处理一个连接上的消息并维持心跳，连接断开时返回
func (s *StreamTicker) readMessages(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingStop := make(chan struct{})
	defer close(pingStop)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					return
				}
			case <-s.stopChan:
				// 解除 ReadMessage 的阻塞
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				_ = conn.SetReadDeadline(time.Now())
				return
			case <-pingStop:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopChan:
				return nil
			default:
			}
			return fmt.Errorf("read message: %w", err)
		}

		var trade struct {
			Price json.Number `json:"p"`
		}
		if err := json.Unmarshal(message, &trade); err != nil || trade.Price == "" {
			continue
		}
		price, err := trade.Price.Float64()
		if err != nil || price <= 0 {
			continue
		}

		s.mu.Lock()
		s.price = price
		s.updated = time.Now()
		s.mu.Unlock()
	}
}
