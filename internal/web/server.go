package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/stockfolio/ledger/internal/config"
	"github.com/stockfolio/ledger/internal/ledger"
	"github.com/stockfolio/ledger/internal/logger"
)

type Server struct {
	httpServer *http.Server
	engine     *ledger.Engine
	config     *config.Config
	logger     *logger.Logger
}

func NewServer(engine *ledger.Engine, cfg *config.Config, log *logger.Logger) *Server {
	s := &Server{
		engine: engine,
		config: cfg,
		logger: log,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /assets/new-asset", s.handleCreateLot)
	mux.HandleFunc("GET /assets/portfolio/holdings", s.handleHoldings)
	mux.HandleFunc("GET /assets/portfolio/summary", s.handleSummary)
	mux.HandleFunc("PATCH /assets/{lotId}", s.handleEditLot)
	mux.HandleFunc("DELETE /assets/{lotId}", s.handleDeleteLot)
	mux.HandleFunc("POST /assets/{lotId}", s.handleSellLot)

	mux.HandleFunc("GET /dashboard/reports", s.handleReports)
	mux.HandleFunc("GET /dashboard/trends", s.handleTrends)
	mux.HandleFunc("POST /dashboard/new-reports", s.handleCreateReport)
	mux.HandleFunc("PATCH /dashboard/{tradeId}", s.handleUpdateReport)
	mux.HandleFunc("DELETE /dashboard/{tradeId}", s.handleCancelReport)

	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.logger.Info("web server starting", "port", s.config.Server.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
