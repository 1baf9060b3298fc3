package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType 消息类型
type MessageType string

const (
	PredictionUpdate MessageType = "prediction"
	ModelSwapUpdate  MessageType = "model_swap"
	FeedbackUpdate   MessageType = "feedback"
	Heartbeat        MessageType = "heartbeat"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

var errMonitorStopped = errors.New("monitoring: realtime monitor is not running")

// Message 监控消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	ID        string          `json:"id"`
}

// ClientMessage 客户端消息
type ClientMessage struct {
	Type  string `json:"type"` // subscribe, unsubscribe, ping
	Topic string `json:"topic"`
}

// Client WebSocket客户端
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	clientID string

	mu            sync.RWMutex
	subscriptions map[MessageType]bool
}

// wants 未订阅任何主题的客户端接收全部消息
func (c *Client) wants(t MessageType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.subscriptions) == 0 {
		return true
	}
	return c.subscriptions[t]
}

type broadcastMessage struct {
	typ     MessageType
	payload []byte
}

// WebSocketHub WebSocket中心
type WebSocketHub struct {
	clients    map[*Client]bool
	broadcast  chan broadcastMessage
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	upgrader   websocket.Upgrader
	logger     *zap.Logger

	mu    sync.RWMutex
	count int
}

// NewWebSocketHub 创建WebSocket中心，allowedOrigins为空时接受任意来源
func NewWebSocketHub(allowedOrigins []string, logger *zap.Logger) *WebSocketHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &WebSocketHub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan broadcastMessage, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 || origins["*"] {
					return true
				}
				return origins[r.Header.Get("Origin")]
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Run 运行WebSocket中心，直到ctx取消
func (h *WebSocketHub) Run(ctx context.Context) {
	defer func() {
		for client := range h.clients {
			close(client.send)
			delete(h.clients, client)
		}
		h.setCount(0)
		close(h.done)
		h.logger.Info("websocket hub stopped")
	}()

	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.setCount(len(h.clients))
			h.logger.Debug("client connected",
				zap.String("client", client.clientID), zap.Int("total", len(h.clients)))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.setCount(len(h.clients))
			h.logger.Debug("client disconnected",
				zap.String("client", client.clientID), zap.Int("total", len(h.clients)))

		case msg := <-h.broadcast:
			for client := range h.clients {
				if !client.wants(msg.typ) {
					continue
				}
				select {
				case client.send <- msg.payload:
				default:
					// 慢客户端直接断开
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.setCount(len(h.clients))

		case <-ctx.Done():
			return
		}
	}
}

func (h *WebSocketHub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

// ClientCount 当前连接数
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// HandleWebSocket 处理WebSocket连接
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		clientID:      uuid.NewString(),
		subscriptions: make(map[MessageType]bool),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump(h.logger)
	go client.readPump(h)
}

// Broadcast 广播消息，队列满时丢弃
func (h *WebSocketHub) Broadcast(t MessageType, payload []byte) {
	select {
	case h.broadcast <- broadcastMessage{typ: t, payload: payload}:
	default:
		h.logger.Warn("websocket broadcast queue is full, dropping message", zap.String("type", string(t)))
	}
}

// writePump WebSocket写入泵
func (c *Client) writePump(logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Debug("websocket write error", zap.String("client", c.clientID), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump WebSocket读取泵
func (c *Client) readPump(h *WebSocketHub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", zap.String("client", c.clientID), zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("invalid client message", zap.String("client", c.clientID), zap.Error(err))
			continue
		}
		c.handleClientMessage(msg)
	}
}

// handleClientMessage 处理客户端订阅
func (c *Client) handleClientMessage(msg ClientMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Type {
	case "subscribe":
		c.subscriptions[MessageType(msg.Topic)] = true
	case "unsubscribe":
		delete(c.subscriptions, MessageType(msg.Topic))
	}
}

// MonitorStats 监控统计
type MonitorStats struct {
	ConnectedClients int           `json:"connected_clients"`
	MessagesSent     int64         `json:"messages_sent"`
	StartTime        time.Time     `json:"start_time"`
	LastMessageTime  time.Time     `json:"last_message_time"`
	Uptime           time.Duration `json:"uptime"`
}

// RealtimeMonitor 实时监控器
type RealtimeMonitor struct {
	hub       *WebSocketHub
	heartbeat time.Duration
	logger    *zap.Logger

	mu      sync.RWMutex
	running bool
	stats   MonitorStats
}

// NewRealtimeMonitor 创建实时监控器
func NewRealtimeMonitor(hub *WebSocketHub, heartbeat time.Duration, logger *zap.Logger) *RealtimeMonitor {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeMonitor{hub: hub, heartbeat: heartbeat, logger: logger}
}

// Run 启动中心与心跳，阻塞直到ctx取消
func (m *RealtimeMonitor) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitoring: monitor is already running")
	}
	m.running = true
	m.stats.StartTime = time.Now()
	m.mu.Unlock()

	hubDone := make(chan struct{})
	go func() {
		m.hub.Run(ctx)
		close(hubDone)
	}()
	m.logger.Info("realtime monitor started", zap.Duration("heartbeat", m.heartbeat))

	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			<-hubDone
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			m.logger.Info("realtime monitor stopped")
			return nil
		case <-ticker.C:
			if err := m.SendHeartbeat(); err != nil {
				m.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (m *RealtimeMonitor) isRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *RealtimeMonitor) send(t MessageType, data interface{}) error {
	if !m.isRunning() {
		return errMonitorStopped
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("monitoring: marshal %s: %w", t, err)
	}
	msg := Message{
		Type:      t,
		Timestamp: time.Now(),
		Data:      payload,
		ID:        uuid.NewString(),
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("monitoring: marshal message: %w", err)
	}

	m.hub.Broadcast(t, encoded)

	m.mu.Lock()
	m.stats.MessagesSent++
	m.stats.LastMessageTime = msg.Timestamp
	m.mu.Unlock()
	return nil
}

// SendPrediction 推送分类结果
func (m *RealtimeMonitor) SendPrediction(p PredictionMessage) error {
	return m.send(PredictionUpdate, p)
}

// SendModelSwap 推送模型切换
func (m *RealtimeMonitor) SendModelSwap(s ModelSwapMessage) error {
	return m.send(ModelSwapUpdate, s)
}

// SendFeedback 推送用户反馈
func (m *RealtimeMonitor) SendFeedback(f FeedbackMessage) error {
	return m.send(FeedbackUpdate, f)
}

// SendHeartbeat 发送心跳
func (m *RealtimeMonitor) SendHeartbeat() error {
	return m.send(Heartbeat, HeartbeatMessage{Timestamp: time.Now(), Status: "alive"})
}

// GetStats 获取监控统计
func (m *RealtimeMonitor) GetStats() MonitorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := m.stats
	if m.running {
		stats.Uptime = time.Since(m.stats.StartTime)
	}
	stats.ConnectedClients = m.hub.ClientCount()
	return stats
}

// Hub 获取WebSocket中心
func (m *RealtimeMonitor) Hub() *WebSocketHub {
	return m.hub
}

// 消息结构体定义

// PredictionMessage 分类消息
type PredictionMessage struct {
	RequestID   string    `json:"request_id,omitempty"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Confidence  float64   `json:"confidence"`
	ArtifactID  string    `json:"artifact_id"`
	Batch       bool      `json:"batch"`
	Timestamp   time.Time `json:"timestamp"`
}

// ModelSwapMessage 模型切换消息
type ModelSwapMessage struct {
	ArtifactID     string    `json:"artifact_id"`
	Labels         []string  `json:"labels"`
	VocabularySize int       `json:"vocabulary_size"`
	CreatedAt      time.Time `json:"created_at"`
}

// FeedbackMessage 反馈消息
type FeedbackMessage struct {
	ID                string    `json:"id"`
	Description       string    `json:"description"`
	CorrectCategory   string    `json:"correct_category"`
	PredictedCategory string    `json:"predicted_category,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// HeartbeatMessage 心跳消息
type HeartbeatMessage struct {
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}
