// Package topology modela la vista del cluster: qué nodos existen, con qué
// rol y en qué URL se alcanzan. Es puro dato; el único algoritmo es el diff.
package topology

import (
	"fmt"
	"sort"
)

// Role es el rol de un nodo dentro de la topología.
type Role string

const (
	// RoleMember participa del consenso con voto.
	RoleMember Role = "member"
	// RolePromotable replica sin voto, candidato a promoción.
	RolePromotable Role = "promotable"
	// RoleWatcher replica sin voto y nunca se promueve.
	RoleWatcher Role = "watcher"
)

// Topology es el mapeo tag → URL particionado por rol, más el secret
// compartido para autenticar llamadas entre nodos.
//
// Invariante: un tag aparece en a lo sumo un rol.
type Topology struct {
	Members    map[string]string `json:"members"`
	Promotable map[string]string `json:"promotable,omitempty"`
	Watchers   map[string]string `json:"watchers,omitempty"`

	// APIKey autentica el RPC inter-nodo. No se loguea nunca.
	APIKey string `json:"apiKey,omitempty"`
}

// New crea una topología vacía lista para usar.
func New() *Topology {
	return &Topology{
		Members:    map[string]string{},
		Promotable: map[string]string{},
		Watchers:   map[string]string{},
	}
}

// Clone devuelve una copia profunda. Los snapshots publicados son inmutables:
// quien quiera editar, clona primero.
func (t *Topology) Clone() *Topology {
	if t == nil {
		return New()
	}
	c := &Topology{
		Members:    make(map[string]string, len(t.Members)),
		Promotable: make(map[string]string, len(t.Promotable)),
		Watchers:   make(map[string]string, len(t.Watchers)),
		APIKey:     t.APIKey,
	}
	for k, v := range t.Members {
		c.Members[k] = v
	}
	for k, v := range t.Promotable {
		c.Promotable[k] = v
	}
	for k, v := range t.Watchers {
		c.Watchers[k] = v
	}
	return c
}

// All devuelve el mapeo tag → URL combinado de todos los roles (copia nueva).
func (t *Topology) All() map[string]string {
	if t == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(t.Members)+len(t.Promotable)+len(t.Watchers))
	for k, v := range t.Members {
		out[k] = v
	}
	for k, v := range t.Promotable {
		out[k] = v
	}
	for k, v := range t.Watchers {
		out[k] = v
	}
	return out
}

// URLOf resuelve la URL de un tag en cualquier rol.
func (t *Topology) URLOf(tag string) (string, bool) {
	if t == nil {
		return "", false
	}
	if u, ok := t.Members[tag]; ok {
		return u, true
	}
	if u, ok := t.Promotable[tag]; ok {
		return u, true
	}
	if u, ok := t.Watchers[tag]; ok {
		return u, true
	}
	return "", false
}

// RoleOf devuelve el rol de un tag, si está presente.
func (t *Topology) RoleOf(tag string) (Role, bool) {
	if t == nil {
		return "", false
	}
	if _, ok := t.Members[tag]; ok {
		return RoleMember, true
	}
	if _, ok := t.Promotable[tag]; ok {
		return RolePromotable, true
	}
	if _, ok := t.Watchers[tag]; ok {
		return RoleWatcher, true
	}
	return "", false
}

// Set ubica un tag en el rol dado, retirándolo antes de cualquier otro rol.
func (t *Topology) Set(tag, url string, role Role) error {
	if tag == "" || url == "" {
		return fmt.Errorf("topology: tag y url son obligatorios")
	}
	t.Remove(tag)
	switch role {
	case RoleMember:
		t.Members[tag] = url
	case RolePromotable:
		t.Promotable[tag] = url
	case RoleWatcher:
		t.Watchers[tag] = url
	default:
		return fmt.Errorf("topology: rol desconocido %q", role)
	}
	return nil
}

// Remove quita un tag de todos los roles. Quitar un tag ausente no es error.
func (t *Topology) Remove(tag string) {
	delete(t.Members, tag)
	delete(t.Promotable, tag)
	delete(t.Watchers, tag)
}

// Tags lista todos los tags conocidos, ordenados para salida estable.
func (t *Topology) Tags() []string {
	all := t.All()
	tags := make([]string, 0, len(all))
	for k := range all {
		tags = append(tags, k)
	}
	sort.Strings(tags)
	return tags
}

// Validate chequea los invariantes: cada tag en a lo sumo un rol y, si se
// conoce el líder, que sea Member.
func (t *Topology) Validate(leaderTag string) error {
	seen := make(map[string]Role, len(t.Members)+len(t.Promotable)+len(t.Watchers))
	check := func(m map[string]string, role Role) error {
		for tag := range m {
			if prev, dup := seen[tag]; dup {
				return fmt.Errorf("topology: tag %q presente en %s y %s", tag, prev, role)
			}
			seen[tag] = role
		}
		return nil
	}
	if err := check(t.Members, RoleMember); err != nil {
		return err
	}
	if err := check(t.Promotable, RolePromotable); err != nil {
		return err
	}
	if err := check(t.Watchers, RoleWatcher); err != nil {
		return err
	}
	if leaderTag != "" {
		if _, ok := t.Members[leaderTag]; !ok {
			return fmt.Errorf("topology: líder %q no es member", leaderTag)
		}
	}
	return nil
}

// Normalize repone los mapas nil después de deserializar.
func (t *Topology) Normalize() *Topology {
	if t.Members == nil {
		t.Members = map[string]string{}
	}
	if t.Promotable == nil {
		t.Promotable = map[string]string{}
	}
	if t.Watchers == nil {
		t.Watchers = map[string]string{}
	}
	return t
}
