package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GianGuaz256/pow-vending-machine/internal/config"
	"github.com/GianGuaz256/pow-vending-machine/internal/database"
	"github.com/GianGuaz256/pow-vending-machine/internal/repository"
	"github.com/GianGuaz256/pow-vending-machine/internal/vend"
	"github.com/GianGuaz256/pow-vending-machine/internal/websocket"
)

// StatusProvider 状态机快照来源
type StatusProvider interface {
	Snapshot() vend.Status
}

// Router 状态API路由器。只读接口，供运维和对账使用。
type Router struct {
	engine  *gin.Engine
	machine StatusProvider
	txRepo  repository.VendTransactionRepository
	logRepo repository.SerialLogRepository
	hub     *websocket.Hub
	log     *zap.Logger
}

// NewRouter 创建路由器
func NewRouter(cfg *config.ServerConfig, machine StatusProvider,
	txRepo repository.VendTransactionRepository, logRepo repository.SerialLogRepository,
	hub *websocket.Hub, log *zap.Logger) *Router {

	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	router := &Router{
		engine:  engine,
		machine: machine,
		txRepo:  txRepo,
		logRepo: logRepo,
		hub:     hub,
		log:     log,
	}

	router.setupRoutes()
	return router
}

// Engine 返回gin引擎
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	// 健康检查
	r.engine.GET("/healthz", r.healthCheck)

	// 显示屏推送通道
	if r.hub != nil {
		r.engine.GET("/ws/display", func(c *gin.Context) {
			websocket.ServeWS(r.hub, c.Writer, c.Request)
		})
	}

	v1 := r.engine.Group("/api/v1")
	{
		v1.GET("/status", r.getStatus)
		v1.GET("/transactions", r.listTransactions)
		v1.GET("/reconciliation", r.listReconciliation)
		v1.GET("/serial-logs", r.listSerialLogs)
	}
}

// healthCheck 健康检查
func (r *Router) healthCheck(c *gin.Context) {
	status := r.machine.Snapshot()

	healthy := status.BusHealthy && database.IsConnected()
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"healthy":     healthy,
		"bus_healthy": status.BusHealthy,
		"database":    database.IsConnected(),
		"state":       status.State,
	})
}
