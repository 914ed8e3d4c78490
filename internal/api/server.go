package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Hara602/usbResponder/internal/response"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SessionService 会话查询与人工阻断
type SessionService interface {
	Sessions() []response.Update
	Session(id string) (*response.Session, bool)
	ManualBlock(ctx context.Context, id string) (bool, error)
}

// SessionView 会话详情
type SessionView struct {
	response.Update
	Layers     string `json:"layers"`
	DeviceName string `json:"device_name"`
	MountPoint string `json:"mount_point,omitempty"`
}

type Server struct {
	svc  SessionService
	log  *zap.Logger
	http *http.Server
}

func NewServer(addr string, svc SessionService, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{svc: svc, log: log.Named("api")}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router 路由表, 测试直接使用
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/sessions", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/block", s.handleBlock).Methods(http.MethodPost)
	return r
}

// Start 非阻塞; 监听失败只记录日志
func (s *Server) Start() {
	go func() {
		s.log.Info("🌐 Status API listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Status API stopped", zap.Error(err))
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.Sessions())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, ok := s.svc.Session(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	snap := sess.Snapshot()
	dev := sess.Device()
	s.writeJSON(w, http.StatusOK, SessionView{
		Update:     snap,
		Layers:     snap.Status.Layers(),
		DeviceName: dev.Name,
		MountPoint: dev.MountPoint,
	})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	accepted, err := s.svc.ManualBlock(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if !accepted {
		http.Error(w, "manual block is only accepted while threats are pending", http.StatusConflict)
		return
	}
	s.log.Warn("Manual block via API", zap.String("session", id), zap.String("remote", r.RemoteAddr))
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "blocked"})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("Failed to write response", zap.Int("status", code), zap.Error(err))
	}
}
