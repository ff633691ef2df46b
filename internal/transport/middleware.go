package transport

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dropDatabas3/farodb/internal/metrics"
	"github.com/dropDatabas3/farodb/internal/observability/logger"
	apierrors "github.com/dropDatabas3/farodb/internal/transport/errors"
)

// Middleware es el tipo estándar para middlewares HTTP.
type Middleware func(http.Handler) http.Handler

// =================================================================================
// CONTEXT KEYS
// =================================================================================

type ctxKey string

const (
	// ctxRequestIDKey guarda el request ID
	ctxRequestIDKey ctxKey = "request_id"
	// ctxPeerTagKey guarda el tag del nodo par autenticado
	ctxPeerTagKey ctxKey = "peer_tag"
)

// GetRequestID obtiene el request ID del contexto.
// Retorna cadena vacía si no hay request ID.
func GetRequestID(ctx context.Context) string {
	if v := ctx.Value(ctxRequestIDKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetPeerTag obtiene el tag del nodo par autenticado del contexto.
// Retorna cadena vacía en rutas sin RequirePeer.
func GetPeerTag(ctx context.Context) string {
	if v := ctx.Value(ctxPeerTagKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// =================================================================================
// MIDDLEWARES
// =================================================================================

// WithRequestID asigna un ID único por request (o respeta el del header
// X-Request-ID) y deja un logger con ese campo en el contexto.
func WithRequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", reqID)

			ctx := context.WithValue(r.Context(), ctxRequestIDKey, reqID)
			ctx = logger.ToContext(ctx, logger.From(ctx).With(logger.RequestID(reqID)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithRecover captura panics y devuelve un error 500 en lugar de crashear.
func WithRecover() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log := logger.From(r.Context())
					log.Error("panic recovered",
						logger.Op("recover"),
						logger.Any("panic", rec),
					)
					apierrors.WriteError(w, apierrors.ErrInternalServerError.WithDetail("panic recovered"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// statusWriter captura el status code escrito para el access log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	return sw.ResponseWriter.Write(b)
}

// WithAccessLog registra cada request con método, ruta, status y duración,
// y alimenta las métricas HTTP. La ruta registrada es el patrón de chi
// (p. ej. /v1/databases/{name}), no la URL cruda, para acotar cardinalidad.
func WithAccessLog() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w}

			next.ServeHTTP(sw, r)

			status := sw.status
			if status == 0 {
				status = http.StatusOK
			}
			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = r.URL.Path
			}
			took := time.Since(start)

			metrics.ObserveHTTP(route, r.Method, status, took)
			logger.From(r.Context()).Info("http request",
				logger.Method(r.Method),
				logger.Path(r.URL.Path),
				logger.Status(status),
				logger.Duration(took),
				logger.ClientIP(clientIP(r)),
			)
		})
	}
}

// RequirePeer valida el token Bearer firmado con el secreto del cluster.
// Deja el tag del nodo emisor en el contexto.
func RequirePeer(secret []byte) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				apierrors.WriteError(w, apierrors.ErrTokenMissing)
				return
			}
			peerTag, err := VerifyPeerToken(secret, token)
			if err != nil {
				apierrors.WriteError(w, apierrors.ErrTokenInvalid)
				return
			}
			ctx := context.WithValue(r.Context(), ctxPeerTagKey, peerTag)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin valida la admin key del header X-Faro-Admin-Key (o Bearer).
// Con key configurada vacía permite todo; pensado solo para desarrollo, el
// router loguea un warning al arrancar en ese modo.
func RequireAdmin(adminKey string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			presented := strings.TrimSpace(r.Header.Get("X-Faro-Admin-Key"))
			if presented == "" {
				presented = bearerToken(r)
			}
			if presented == "" {
				apierrors.WriteError(w, apierrors.ErrTokenMissing)
				return
			}
			if !adminKeyMatches(adminKey, presented) {
				apierrors.WriteError(w, apierrors.ErrForbidden.WithDetail("admin key inválida"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extrae el token del header Authorization.
func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// clientIP extrae la IP del cliente, respetando X-Forwarded-For si existe.
func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if i := strings.Index(xff, ","); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i >= 0 {
		return host[:i]
	}
	return host
}
