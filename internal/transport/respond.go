package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	apierrors "github.com/dropDatabas3/farodb/internal/transport/errors"
)

// maxBodyBytes limita el tamaño de cualquier body JSON aceptado.
const maxBodyBytes = 1 << 20 // 1 MiB

// writeJSON serializa v con el Content-Type estándar.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON parsea el body del request en dst con límite de tamaño.
// Devuelve un *AppError listo para WriteError.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) *apierrors.AppError {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apierrors.ErrBodyTooLarge.WithCause(err)
		}
		return apierrors.ErrInvalidJSON.WithCause(err)
	}
	return nil
}
