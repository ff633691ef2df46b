package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dropDatabas3/farodb/internal/observability/logger"
	apierrors "github.com/dropDatabas3/farodb/internal/transport/errors"
)

// RouterOptions configura el router HTTP del nodo.
type RouterOptions struct {
	// MetricsEnabled expone /metrics con el handler de Prometheus.
	MetricsEnabled bool
}

// NewRouter arma el router chi con la cadena de middlewares estándar y todas
// las rutas del handler.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(WithRequestID())
	r.Use(WithAccessLog())
	r.Use(WithRecover())

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apierrors.WriteError(w, apierrors.ErrRouteNotFound.WithDetail(req.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apierrors.WriteError(w, apierrors.ErrMethodNotAllowed)
	})

	if opts.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}

	if h.adminKey == "" {
		logger.L().Warn("API administrativa sin admin key; cualquier cliente puede administrar este nodo",
			logger.Component("transport"),
		)
	}

	h.Register(r)
	return r
}
