package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GianGuaz256/pow-vending-machine/internal/display"
)

// Hub 显示屏推送中心。实现display.Notifier，
// 把状态机的每次状态变化广播给所有已连接的显示端。
type Hub struct {
	clients   map[string]*Client
	clientsMu sync.RWMutex

	broadcast  chan *Message
	register   chan *Client
	unregister chan *Client

	// 最近一次推送内容，新连接立即补发
	lastMu sync.RWMutex
	last   *Message

	logger *zap.Logger
}

// Message 推送消息
type Message struct {
	Type      string               `json:"type"`
	Data      display.Notification `json:"data"`
	Timestamp int64                `json:"timestamp"`
}

// 消息类型
const (
	MessageTypeState = "state"
	MessageTypePing  = "ping"
)

// NewHub 创建推送中心
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan *Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// Run 运行推送中心，上下文取消时断开所有显示端后退出
func (h *Hub) Run(ctx context.Context) {
	go h.runHeartbeat(ctx)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// Notify 实现display.Notifier
func (h *Hub) Notify(n display.Notification) {
	msg := &Message{
		Type:      MessageTypeState,
		Data:      n,
		Timestamp: time.Now().Unix(),
	}

	h.lastMu.Lock()
	h.last = msg
	h.lastMu.Unlock()

	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("显示推送通道已满，丢弃消息",
			zap.String("state", n.State))
	}
}

// registerClient 注册显示端
func (h *Hub) registerClient(client *Client) {
	h.clientsMu.Lock()
	h.clients[client.ID] = client
	h.clientsMu.Unlock()

	h.logger.Info("显示端已连接", zap.String("client_id", client.ID))

	// 新连接立即补发当前状态
	h.lastMu.RLock()
	last := h.last
	h.lastMu.RUnlock()
	if last != nil {
		if data, err := json.Marshal(last); err == nil {
			select {
			case client.Send <- data:
			default:
			}
		}
	}
}

// unregisterClient 注销显示端
func (h *Hub) unregisterClient(client *Client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.Send)
	}
	h.clientsMu.Unlock()

	h.logger.Info("显示端已断开", zap.String("client_id", client.ID))
}

// broadcastMessage 广播消息
func (h *Hub) broadcastMessage(message *Message) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("序列化消息失败", zap.Error(err))
		return
	}

	h.clientsMu.RLock()
	for _, client := range h.clients {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn("显示端发送缓冲区满",
				zap.String("client_id", client.ID))
		}
	}
	h.clientsMu.RUnlock()
}

// OnlineCount 在线显示端数量
func (h *Hub) OnlineCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// closeAll 关停时注销全部显示端
func (h *Hub) closeAll() {
	h.clientsMu.Lock()
	for id, client := range h.clients {
		delete(h.clients, id)
		close(client.Send)
	}
	h.clientsMu.Unlock()
}

// runHeartbeat 心跳检测
func (h *Hub) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		select {
		case h.broadcast <- &Message{
			Type:      MessageTypePing,
			Timestamp: time.Now().Unix(),
		}:
		default:
		}
	}
}

// Register 注册显示端
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister 注销显示端
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}
