package topology

import "time"

// HealthStatus es el estado reportado de un nodo según el último sondeo.
type HealthStatus string

const (
	StatusUnknown     HealthStatus = "unknown"
	StatusHealthy     HealthStatus = "healthy"
	StatusUnreachable HealthStatus = "unreachable"
)

// Health es el registro de salud de un nodo bajo supervisión. Lo crea el
// supervisor al abrir el canal, lo actualiza en cada ciclo y lo descarta
// cuando el nodo sale de la topología.
type Health struct {
	Tag      string       `json:"tag"`
	URL      string       `json:"url"`
	Status   HealthStatus `json:"status"`
	LastSeen time.Time    `json:"lastSeen,omitempty"` // último sondeo exitoso
	Checked  time.Time    `json:"checked,omitempty"`  // último sondeo intentado
	Failing  time.Time    `json:"failing,omitempty"`  // inicio de la racha de fallos actual
	LastErr  string       `json:"lastErr,omitempty"`
	Fails    int          `json:"fails"` // fallos consecutivos
}

// MarkHealthy registra un sondeo exitoso y corta la racha de fallos.
func (h *Health) MarkHealthy(now time.Time) {
	h.Status = StatusHealthy
	h.LastSeen = now
	h.Checked = now
	h.Failing = time.Time{}
	h.LastErr = ""
	h.Fails = 0
}

// MarkFailed registra un sondeo fallido, arrancando la racha si es el primero.
func (h *Health) MarkFailed(now time.Time, err error) {
	h.Status = StatusUnreachable
	h.Checked = now
	if h.Fails == 0 {
		h.Failing = now
	}
	h.Fails++
	if err != nil {
		h.LastErr = err.Error()
	}
}

// Unresponsive indica si el nodo lleva al menos `grace` sin responder.
func (h Health) Unresponsive(grace time.Duration) bool {
	if h.Status != StatusUnreachable || h.Failing.IsZero() {
		return false
	}
	return time.Since(h.Failing) >= grace
}
