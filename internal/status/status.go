package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"natpmp-renewer/internal/publicip"
	"natpmp-renewer/internal/scheduler"
	"natpmp-renewer/internal/types"

	"github.com/sirupsen/logrus"
)

// Source 提供调度器状态快照，*scheduler.Scheduler 实现了该接口
type Source interface {
	Snapshot() scheduler.Snapshot
}

// Info 静态的映射信息
type Info struct {
	Service      string           `json:"service"`
	InternalPort int              `json:"internal_port"`
	Protocols    []types.Protocol `json:"protocols"`
	Duration     int              `json:"duration"`
}

// APIResponse API响应
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// StatusResponse /api/status 返回的数据
type StatusResponse struct {
	Info
	State               string            `json:"state"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	MaxFailures         int               `json:"max_consecutive_failures"`
	Cycles              int               `json:"cycles"`
	LastCycleAt         *time.Time        `json:"last_cycle_at,omitempty"`
	LastCycleSuccess    bool              `json:"last_cycle_success"`
	Outcomes            []types.Outcome   `json:"outcomes"`
	PublicAddress       *publicip.Address `json:"public_address,omitempty"`
	Uptime              string            `json:"uptime"`
}

// Server 状态HTTP服务
type Server struct {
	source    Source
	info      Info
	logger    *logrus.Logger
	startedAt time.Time

	mutex  sync.RWMutex
	public *publicip.Address
}

// NewServer 创建状态服务
func NewServer(source Source, info Info, logger *logrus.Logger) *Server {
	return &Server{
		source:    source,
		info:      info,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// SetPublicAddress 记录探测到的公网地址
func (s *Server) SetPublicAddress(addr *publicip.Address) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.public = addr
}

// Handler 路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	return mux
}

// Serve 在给定监听器上提供服务，ctx 结束后优雅关闭
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.WithField("addr", listener.Addr().String()).Info("启动状态服务")

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("停止状态服务")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// handleHealth 运行中返回200，其余状态返回503
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.writeJSONResponse(w, http.StatusMethodNotAllowed, "方法不允许", nil)
		return
	}

	snap := s.source.Snapshot()
	data := map[string]interface{}{
		"state":                snap.State.String(),
		"consecutive_failures": snap.ConsecutiveFailures,
	}

	if snap.State != types.StateRunning {
		s.writeJSONResponse(w, http.StatusServiceUnavailable, "续期已停止", data)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, "ok", data)
}

// handleStatus 处理状态API
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONResponse(w, http.StatusMethodNotAllowed, "方法不允许", nil)
		return
	}

	snap := s.source.Snapshot()
	resp := StatusResponse{
		Info:                s.info,
		State:               snap.State.String(),
		ConsecutiveFailures: snap.ConsecutiveFailures,
		MaxFailures:         snap.MaxFailures,
		Cycles:              snap.Cycles,
		LastCycleSuccess:    snap.LastResult.AnySuccess,
		Outcomes:            snap.LastResult.Outcomes,
		Uptime:              time.Since(s.startedAt).Round(time.Second).String(),
	}
	if resp.Outcomes == nil {
		resp.Outcomes = []types.Outcome{}
	}
	if !snap.LastCycleAt.IsZero() {
		at := snap.LastCycleAt
		resp.LastCycleAt = &at
	}

	s.mutex.RLock()
	resp.PublicAddress = s.public
	s.mutex.RUnlock()

	s.writeJSONResponse(w, http.StatusOK, "ok", resp)
}

// writeJSONResponse 写入标准JSON响应
func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Status:  "error",
		Message: message,
	}

	if statusCode >= 200 && statusCode < 300 {
		response.Status = "success"
	}

	if data != nil {
		response.Data = data
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.WithError(err).Error("编码JSON响应失败")
	}
}
