package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/GianGuaz256/pow-vending-machine/internal/api"
	"github.com/GianGuaz256/pow-vending-machine/internal/config"
	"github.com/GianGuaz256/pow-vending-machine/internal/database"
	"github.com/GianGuaz256/pow-vending-machine/internal/display"
	"github.com/GianGuaz256/pow-vending-machine/internal/logger"
	"github.com/GianGuaz256/pow-vending-machine/internal/mdb"
	"github.com/GianGuaz256/pow-vending-machine/internal/models"
	"github.com/GianGuaz256/pow-vending-machine/internal/payment"
	"github.com/GianGuaz256/pow-vending-machine/internal/repository"
	"github.com/GianGuaz256/pow-vending-machine/internal/vend"
	"github.com/GianGuaz256/pow-vending-machine/internal/websocket"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Server 交易控制器进程
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	resetLine mdb.ResetLine
	gateway   payment.Gateway
	txRepo    repository.VendTransactionRepository
	logRepo   repository.SerialLogRepository
	hub       *websocket.Hub
	notifier  display.Notifier
	httpSrv   *http.Server

	mu      sync.RWMutex
	session *mdb.Session
	machine *vend.Machine

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func main() {
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		showVersion = flag.Bool("version", false, "显示版本信息")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("pow-vending-machine %s (build %s, commit %s)\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()

	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Cleanup()

	server := NewServer(cfg)

	if err := server.Start(); err != nil {
		logger.Fatal("启动失败", zap.Error(err))
	}

	server.WaitForShutdown()

	if err := server.Shutdown(); err != nil {
		logger.Error("关闭失败", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("交易控制器已安全关闭")
}

// NewServer 创建进程实例
func NewServer(cfg *config.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		logger: logger.GetLogger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 初始化组件并启动各服务
func (s *Server) Start() error {
	s.logger.Info("正在启动售货机交易控制器...",
		zap.String("version", Version),
		zap.Bool("mock_mode", s.cfg.MDB.MockMode))

	if err := s.initDatabase(); err != nil {
		return err
	}
	s.initGateway()
	s.initNotifier()

	if err := s.initBus(); err != nil {
		return err
	}

	s.startMachine()
	s.startAPI()

	s.logger.Info("交易控制器启动成功")
	return nil
}

// initDatabase 初始化数据库和仓储
func (s *Server) initDatabase() error {
	if err := database.Init(&s.cfg.Database); err != nil {
		return err
	}
	if s.cfg.Database.AutoMigrate {
		if err := database.AutoMigrate(); err != nil {
			return err
		}
	}

	db := database.GetDB()
	s.txRepo = repository.NewVendTransactionRepository(db)
	s.logRepo = repository.NewSerialLogRepository(db)
	return nil
}

// initGateway 初始化支付网关。网关适配器在这里注入，
// 未配置适配器时回落到模拟网关。
func (s *Server) initGateway() {
	if s.cfg.BTCPay.ServerURL != "" && !s.cfg.MDB.MockMode {
		s.logger.Warn("未编译支付网关适配器，回落到模拟网关",
			zap.String("server_url", s.cfg.BTCPay.ServerURL))
	}
	s.gateway = payment.NewMockGateway()

	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	if err := s.gateway.CheckConnection(ctx); err != nil {
		s.logger.Warn("支付网关连通性检查失败", zap.Error(err))
	}
}

// initNotifier 初始化显示屏通道
func (s *Server) initNotifier() {
	targets := []display.Notifier{display.NewLogNotifier()}

	if s.cfg.WebSocket.Enabled {
		s.hub = websocket.NewHub(s.logger)
		go s.hub.Run(s.ctx)
		targets = append(targets, s.hub)
	}

	s.notifier = display.NewMultiNotifier(targets...)
}

// initBus 探测适配器并建立串口会话
func (s *Server) initBus() error {
	if s.cfg.MDB.MockMode {
		s.logger.Info("模拟模式：使用内存外设")
		profile := mdb.DefaultCandidates()[0]
		session := mdb.NewSession(mdb.NewMockPort(profile.Dialect), profile,
			mdb.NoopResetLine{}, s.cfg.MDB.RetryTimes)
		s.setSession(session)
		return nil
	}

	if s.cfg.MDB.ResetGPIO > 0 {
		line, err := mdb.NewSysfsResetLine(s.cfg.MDB.ResetGPIO)
		if err != nil {
			s.logger.Warn("复位线初始化失败，继续但无硬件复位能力", zap.Error(err))
			s.resetLine = mdb.NoopResetLine{}
		} else {
			s.resetLine = line
		}
	} else {
		s.resetLine = mdb.NoopResetLine{}
	}

	session, err := s.detect()
	if err != nil {
		return err
	}
	s.setSession(session)
	return nil
}

// detect 执行一轮传输档位探测
func (s *Server) detect() (*mdb.Session, error) {
	device, err := mdb.FindDevice(s.cfg.MDB.Port)
	if err != nil {
		return nil, err
	}

	detector := mdb.NewDetector(device, mdb.OpenSerialPort, s.resetLine,
		mdb.ProfilesFromConfig(s.cfg.MDB.Profiles), s.cfg.MDB.RetryTimes)
	return detector.Detect()
}

// setSession 绑定串口会话并挂上流水记录
func (s *Server) setSession(session *mdb.Session) {
	session.SetRecorder(func(op mdb.Opcode, request, response []byte, status mdb.Status) {
		logger.LogSerialCommand(string(op), request, response, string(status))
		if s.logRepo == nil {
			return
		}
		entry := &models.SerialLog{
			Direction: models.SerialDirectionSend,
			Dialect:   string(session.Profile().Dialect),
			Opcode:    string(op),
			HexData:   hex.EncodeToString(request),
			Status:    string(status),
		}
		if err := s.logRepo.Create(entry); err != nil {
			s.logger.Debug("串口流水写入失败", zap.Error(err))
		}
		if len(response) > 0 {
			recv := &models.SerialLog{
				Direction: models.SerialDirectionReceive,
				Dialect:   string(session.Profile().Dialect),
				Opcode:    string(op),
				HexData:   hex.EncodeToString(response),
				Status:    string(status),
			}
			if err := s.logRepo.Create(recv); err != nil {
				s.logger.Debug("串口流水写入失败", zap.Error(err))
			}
		}
	})

	s.mu.Lock()
	s.session = session
	s.machine = vend.NewMachine(session, s.gateway, s.notifier, s.txRepo, vend.Options{
		PollInterval:        s.cfg.MDB.PollInterval,
		InvoicePollInterval: s.cfg.BTCPay.PollInterval,
		TransactionTimeout:  s.cfg.MDB.TransactionTimeout,
		GatewayRetryTimes:   s.cfg.BTCPay.RetryTimes,
		Currency:            s.cfg.Vending.Currency,
		MinAmount:           s.cfg.Vending.MinAmount,
		MaxAmount:           s.cfg.Vending.MaxAmount,
	})
	s.mu.Unlock()
}

// startMachine 运行状态机，串口会话失效时重新探测
func (s *Server) startMachine() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		for {
			s.mu.RLock()
			machine := s.machine
			session := s.session
			s.mu.RUnlock()

			err := machine.Run(s.ctx)
			session.Close()

			if err == nil || s.ctx.Err() != nil {
				return
			}

			s.logger.Error("串口会话失效，重新探测适配器", zap.Error(err))

			if s.cfg.MDB.MockMode {
				return
			}

			// 带退避的重探测，直到成功或进程关停
			backoff := time.Second
			for {
				if s.ctx.Err() != nil {
					return
				}
				newSession, derr := s.detect()
				if derr == nil {
					s.setSession(newSession)
					break
				}
				s.logger.Warn("重新探测失败，稍后重试",
					zap.Duration("backoff", backoff),
					zap.Error(derr))
				select {
				case <-s.ctx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff < 30*time.Second {
					backoff *= 2
				}
			}
		}
	}()
}

// startAPI 启动状态API
func (s *Server) startAPI() {
	if !s.cfg.Server.Enabled {
		return
	}

	router := api.NewRouter(&s.cfg.Server, s, s.txRepo, s.logRepo, s.hub, s.logger)

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      router.Engine(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("状态API已启动", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("状态API异常退出", zap.Error(err))
		}
	}()
}

// Snapshot 实现api.StatusProvider，转发给当前状态机
func (s *Server) Snapshot() vend.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.machine.Snapshot()
}

// WaitForShutdown 等待退出信号
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	s.logger.Info("收到退出信号", zap.String("signal", sig.String()))
}

// Shutdown 优雅关闭：停状态机（在途会话被拒绝）、
// 停API、关数据库
func (s *Server) Shutdown() error {
	s.logger.Info("正在关闭交易控制器...")

	s.cancel()

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Warn("状态API关闭超时", zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		s.logger.Warn("等待后台任务超时")
	}

	if s.resetLine != nil {
		s.resetLine.Close()
	}

	return database.Close()
}
