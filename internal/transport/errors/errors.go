// Package errors define el catálogo de errores HTTP del servidor y la
// traducción desde los errores internos (consenso, vault) al formato JSON
// que ven clientes y nodos pares.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/dropDatabas3/farodb/internal/cluster"
	"github.com/dropDatabas3/farodb/internal/vault"
)

// errorResponse estructura de la respuesta de error JSON
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// WriteError escribe el error en la respuesta HTTP con el formato estándar
func WriteError(w http.ResponseWriter, err *AppError) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(err.HTTPStatus)

	resp := errorResponse{
		Code:    err.Code,
		Message: err.Message,
		Detail:  err.Detail,
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// FromError convierte un error genérico en AppError. Los sentinels de los
// paquetes internos se mapean a su código HTTP correspondiente; cualquier
// otro error cae en 500 sin filtrar detalles al cliente.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}

	switch {
	case stderrors.Is(err, cluster.ErrNotLeader):
		return ErrNotLeader.WithCause(err)
	case stderrors.Is(err, cluster.ErrNoLeader):
		return ErrLeaderUnavailable.WithCause(err)
	case stderrors.Is(err, cluster.ErrTopologyInconsistent):
		return ErrTopologyInconsistent.WithCause(err)
	case stderrors.Is(err, cluster.ErrShutdown):
		return ErrShuttingDown.WithCause(err)

	case stderrors.Is(err, vault.ErrCorrupted):
		return ErrVaultIntegrity.WithCause(err)
	case stderrors.Is(err, vault.ErrKeyExists):
		return ErrAlreadyExists.WithCause(err)
	case stderrors.Is(err, vault.ErrKeyInUse):
		return ErrKeyInUse.WithCause(err)
	case stderrors.Is(err, vault.ErrNotEncrypted):
		return ErrNotEncrypted.WithCause(err)
	case stderrors.Is(err, vault.ErrBadKeySize):
		return ErrInvalidKeySize.WithCause(err)
	case stderrors.Is(err, vault.ErrNoMasterKey):
		return ErrVaultLocked.WithCause(err)

	case stderrors.Is(err, context.DeadlineExceeded):
		return ErrGatewayTimeout.WithCause(err)
	}

	return ErrInternalServerError.WithCause(err)
}
