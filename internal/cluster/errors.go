package cluster

import "errors"

// Errores del consenso que el resto del servidor distingue por identidad.
var (
	// ErrNotLeader indica que la operación requiere ser leader del cluster.
	ErrNotLeader = errors.New("operation requires cluster leader")

	// ErrNoLeader indica que no hay líder conocido en este momento.
	ErrNoLeader = errors.New("no cluster leader known")

	// ErrTopologyInconsistent indica que el líder resuelto no figura como
	// member en la topología (lectura vieja; reintentar desde cero).
	ErrTopologyInconsistent = errors.New("resolved leader is not a topology member")

	// ErrShutdown indica que el nodo de consenso ya fue apagado.
	ErrShutdown = errors.New("cluster node is shut down")
)
