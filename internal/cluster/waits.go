package cluster

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/raft"
)

// Las esperas combinan observaciones de raft con una relectura periódica del
// estado real: las observaciones viajan por un canal no bloqueante y pueden
// perderse bajo carga, así que ninguna espera depende de recibir una.

const waitPollEvery = 500 * time.Millisecond

// WaitForLeader bloquea hasta que haya un líder conocido y devuelve su tag.
// Si ctx vence antes, devuelve ErrNoLeader.
func (n *Node) WaitForLeader(ctx context.Context) (string, error) {
	if n == nil || n.r == nil {
		return "", ErrShutdown
	}
	if tag := n.LeaderTag(); tag != "" {
		return tag, nil
	}

	ch := make(chan raft.Observation, 16)
	obs := raft.NewObserver(ch, false, func(o *raft.Observation) bool {
		_, ok := o.Data.(raft.LeaderObservation)
		return ok
	})
	n.r.RegisterObserver(obs)
	defer n.r.DeregisterObserver(obs)

	// Releer después de registrar: el líder pudo aparecer en el medio.
	if tag := n.LeaderTag(); tag != "" {
		return tag, nil
	}

	tick := time.NewTicker(waitPollEvery)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", ErrNoLeader
			}
			return "", ctx.Err()
		case <-n.done:
			return "", ErrShutdown
		case o := <-ch:
			if lo, ok := o.Data.(raft.LeaderObservation); ok && lo.LeaderID != "" {
				return string(lo.LeaderID), nil
			}
		case <-tick.C:
			if tag := n.LeaderTag(); tag != "" {
				return tag, nil
			}
		}
	}
}

// WaitForRole bloquea hasta que el nodo alcance el rol dado.
func (n *Node) WaitForRole(ctx context.Context, want Role) error {
	return n.waitRole(ctx, func() bool { return n.Role() == want })
}

// WaitForRoleExit bloquea hasta que el nodo deje el rol dado. El supervisor
// de mantenimiento la usa con RoleLeader para enterarse de la pérdida de
// liderazgo.
func (n *Node) WaitForRoleExit(ctx context.Context, role Role) error {
	return n.waitRole(ctx, func() bool { return n.Role() != role })
}

func (n *Node) waitRole(ctx context.Context, reached func() bool) error {
	if n == nil || n.r == nil {
		return ErrShutdown
	}
	if reached() {
		return nil
	}

	ch := make(chan raft.Observation, 16)
	obs := raft.NewObserver(ch, false, func(o *raft.Observation) bool {
		_, ok := o.Data.(raft.RaftState)
		return ok
	})
	n.r.RegisterObserver(obs)
	defer n.r.DeregisterObserver(obs)

	if reached() {
		return nil
	}

	tick := time.NewTicker(waitPollEvery)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.done:
			return ErrShutdown
		case <-ch:
			if reached() {
				return nil
			}
		case <-tick.C:
			if reached() {
				return nil
			}
		}
	}
}

// VerifyLeadership confirma contra el quorum que este nodo sigue siendo líder
// en este preciso momento. Las políticas de mantenimiento la invocan justo
// antes de emitir una acción.
func (n *Node) VerifyLeadership(ctx context.Context) error {
	if n == nil || n.r == nil {
		return ErrShutdown
	}
	if err := n.waitFuture(ctx, n.r.VerifyLeader()); err != nil {
		return mapRaftError(err)
	}
	return nil
}
