package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/farodb/internal/observability/logger"
)

// Server envuelve el http.Server del nodo con arranque y apagado prolijo.
type Server struct {
	srv *http.Server
	log *zap.Logger
}

// NewServer construye el servidor HTTP con los timeouts configurados.
func NewServer(addr string, handler http.Handler, readTimeout, writeTimeout time.Duration) *Server {
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		},
		log: logger.Named("transport"),
	}
}

// Start atiende requests hasta Shutdown. Bloquea; correr en goroutine.
func (s *Server) Start() error {
	s.log.Info("API HTTP escuchando", logger.Addr(s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown cierra el listener y espera los requests en vuelo hasta que el
// contexto expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("apagando API HTTP")
	return s.srv.Shutdown(ctx)
}
