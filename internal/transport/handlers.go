// Package transport expone la API HTTP del servidor: endpoints públicos de
// salud, el RPC entre nodos (comandos reenviados al líder, sondas) y la API
// administrativa de bases, claves, valores y topología.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dropDatabas3/farodb/internal/cluster"
	"github.com/dropDatabas3/farodb/internal/command"
	"github.com/dropDatabas3/farodb/internal/state"
	"github.com/dropDatabas3/farodb/internal/topology"
	apierrors "github.com/dropDatabas3/farodb/internal/transport/errors"
)

// NodeInfo es la vista pública del estado de un nodo. La devuelven
// /cluster/health (pares) y /v1/stats (admin).
type NodeInfo struct {
	Tag          string `json:"tag"`
	Role         string `json:"role"`
	Leader       string `json:"leader,omitempty"`
	Term         uint64 `json:"term"`
	AppliedIndex uint64 `json:"appliedIndex"`
	Uptime       string `json:"uptime,omitempty"`
	Version      string `json:"version,omitempty"`
}

// Core es todo lo que la capa HTTP necesita del servidor. La implementa
// server.Store; los tests usan fakes.
type Core interface {
	// Submit encamina un comando: lo aplica localmente si este nodo es
	// líder o lo reenvía al líder actual.
	Submit(ctx context.Context, env command.Envelope) (command.Result, error)
	// ApplyLeader aplica un comando SOLO si este nodo es líder; si no,
	// devuelve cluster.ErrNotLeader. Es el destino de los reenvíos.
	ApplyLeader(ctx context.Context, env command.Envelope) (command.Result, error)

	// Lecturas sobre el estado replicado local.
	Databases(ctx context.Context) ([]state.DatabaseRecord, error)
	Database(ctx context.Context, name string) (*state.DatabaseRecord, error)
	Value(ctx context.Context, key string) ([]byte, bool, error)
	CurrentTopology(ctx context.Context) (*topology.Topology, error)

	// Vault del nodo local. Las claves nunca salen por la API.
	PutSecret(ctx context.Context, database string, rawKey []byte, overwrite bool) error
	DeleteSecret(ctx context.Context, database string) error
	HasSecret(ctx context.Context, database string) (bool, error)
	SecretNames(ctx context.Context) ([]string, error)

	// Cluster y administración.
	Info() NodeInfo
	LeaderTag() string
	Members(ctx context.Context) ([]cluster.Member, error)
	NodesHealth(ctx context.Context) (map[string]*topology.Health, error)
	SetNode(ctx context.Context, tag, url string, role topology.Role) error
	DropNode(ctx context.Context, tag string) error
	Ready(ctx context.Context) error
	RaftStats() map[string]string
	// Runtimes es la foto del landlord de runtimes, para /v1/stats.
	Runtimes() any
	StoreSize() int64
}

// Handler agrupa las rutas HTTP sobre un Core.
type Handler struct {
	core     Core
	secret   []byte
	adminKey string
}

// NewHandler arma el handler. clusterSecret firma/verifica los tokens entre
// nodos; adminKey protege la API administrativa.
func NewHandler(core Core, clusterSecret, adminKey string) *Handler {
	return &Handler{
		core:     core,
		secret:   []byte(clusterSecret),
		adminKey: adminKey,
	}
}

// Register monta todas las rutas en el router.
func (h *Handler) Register(r chi.Router) {
	// Público
	r.Get("/v1/health", h.health)
	r.Get("/v1/readyz", h.readyz)

	// Entre nodos
	r.Group(func(r chi.Router) {
		r.Use(RequirePeer(h.secret))
		r.Post("/cluster/commands", h.clusterCommand)
		r.Get("/cluster/health", h.clusterHealth)
	})

	// Admin
	r.Group(func(r chi.Router) {
		r.Use(RequireAdmin(h.adminKey))

		r.Get("/v1/stats", h.stats)
		r.Get("/v1/topology", h.topology)
		r.Get("/v1/nodes", h.nodes)
		r.Get("/v1/nodes/health", h.nodesHealth)
		r.Put("/v1/nodes/{tag}", h.setNode)
		r.Delete("/v1/nodes/{tag}", h.dropNode)

		r.Post("/v1/databases", h.createDatabase)
		r.Get("/v1/databases", h.listDatabases)
		r.Get("/v1/databases/{name}", h.getDatabase)
		r.Patch("/v1/databases/{name}", h.configDatabase)
		r.Delete("/v1/databases/{name}", h.deleteDatabase)

		r.Put("/v1/databases/{name}/secret", h.putSecret)
		r.Get("/v1/databases/{name}/secret", h.getSecret)
		r.Delete("/v1/databases/{name}/secret", h.deleteSecret)
		r.Get("/v1/secrets", h.listSecrets)

		r.Put("/v1/values/*", h.putValue)
		r.Get("/v1/values/*", h.getValue)
		r.Delete("/v1/values/*", h.deleteValue)
	})
}

// =================================================================================
// PÚBLICO
// =================================================================================

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	info := h.core.Info()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"tag":    info.Tag,
		"role":   info.Role,
		"leader": info.Leader,
	})
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.core.Ready(r.Context()); err != nil {
		apierrors.WriteError(w, apierrors.ErrServiceUnavailable.WithDetail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// =================================================================================
// ENTRE NODOS
// =================================================================================

// clusterCommand recibe un sobre reenviado por otro nodo y lo aplica si este
// nodo sigue siendo líder. Si el liderazgo cambió en el camino, responde
// NOT_LEADER con el header X-Faro-Leader como pista para el emisor.
func (h *Handler) clusterCommand(w http.ResponseWriter, r *http.Request) {
	var env command.Envelope
	if aerr := decodeJSON(w, r, &env); aerr != nil {
		apierrors.WriteError(w, aerr)
		return
	}
	if err := env.Validate(); err != nil {
		apierrors.WriteError(w, apierrors.ErrBadRequest.WithDetail(err.Error()))
		return
	}

	res, err := h.core.ApplyLeader(r.Context(), env)
	if err != nil {
		aerr := apierrors.FromError(err)
		if aerr.Code == apierrors.ErrNotLeader.Code {
			if leader := h.core.LeaderTag(); leader != "" {
				w.Header().Set("X-Faro-Leader", leader)
			}
		}
		apierrors.WriteError(w, aerr)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) clusterHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.core.Info())
}

// =================================================================================
// ADMIN: CLUSTER
// =================================================================================

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"node":       h.core.Info(),
		"raft":       h.core.RaftStats(),
		"runtimes":   h.core.Runtimes(),
		"storeBytes": h.core.StoreSize(),
	})
}

// topology devuelve el snapshot replicado sin el APIKey.
func (h *Handler) topology(w http.ResponseWriter, r *http.Request) {
	topo, err := h.core.CurrentTopology(r.Context())
	if err != nil {
		apierrors.WriteError(w, apierrors.FromError(err))
		return
	}
	out := topo.Clone()
	out.APIKey = ""
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) nodes(w http.ResponseWriter, r *http.Request) {
	members, err := h.core.Members(r.Context())
	if err != nil {
		apierrors.WriteError(w, apierrors.FromError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": members})
}

func (h *Handler) nodesHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.core.NodesHealth(r.Context())
	if err != nil {
		apierrors.WriteError(w, apierrors.FromError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": health})
}

func (h *Handler) setNode(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	var body struct {
		URL  string `json:"url"`
		Role string `json:"role"`
	}
	if aerr := decodeJSON(w, r, &body); aerr != nil {
		apierrors.WriteError(w, aerr)
		return
	}
	if strings.TrimSpace(body.URL) == "" {
		apierrors.WriteError(w, apierrors.ErrMissingFields.WithDetail("url es obligatorio"))
		return
	}
	role := topology.Role(body.Role)
	if body.Role == "" {
		role = topology.RoleMember
	}
	switch role {
	case topology.RoleMember, topology.RolePromotable, topology.RoleWatcher:
	default:
		apierrors.WriteError(w, apierrors.ErrBadRequest.WithDetail("rol desconocido: "+body.Role))
		return
	}

	if err := h.core.SetNode(r.Context(), tag, body.URL, role); err != nil {
		apierrors.WriteError(w, apierrors.FromError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "tag": tag})
}

func (h *Handler) dropNode(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	if err := h.core.DropNode(r.Context(), tag); err != nil {
		apierrors.WriteError(w, apierrors.FromError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "tag": tag})
}

// =================================================================================
// ADMIN: BASES DE DATOS
// =================================================================================

func (h *Handler) createDatabase(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name      string          `json:"name"`
		Encrypted bool            `json:"encrypted"`
		InMemory  bool            `json:"inMemory"`
		Config    json.RawMessage `json:"config"`
		// SecretKey registra la clave en el vault de ESTE nodo tras crear
		// la base. Base64 estándar de 32 bytes.
		SecretKey       string `json:"secretKey"`
		OverwriteSecret bool   `json:"overwriteSecret"`
	}
	if aerr := decodeJSON(w, r, &body); aerr != nil {
		apierrors.WriteError(w, aerr)
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" {
		apierrors.WriteError(w, apierrors.ErrMissingFields.WithDetail("name es obligatorio"))
		return
	}

	var rawKey []byte
	if body.SecretKey != "" {
		var err error
		rawKey, err = base64.StdEncoding.DecodeString(body.SecretKey)
		if err != nil {
			apierrors.WriteError(w, apierrors.ErrBadRequest.WithDetail("secretKey no es base64 válido"))
			return
		}
	}

	env, err := command.New(command.TypeDatabasePut, body.Name, command.DatabasePayload{
		Name:      body.Name,
		Encrypted: body.Encrypted,
		InMemory:  body.InMemory,
		Config:    body.Config,
	})
	if err != nil {
		apierrors.WriteError(w, apierrors.FromError(err))
		return
	}

	res, err := h.core.Submit(r.Context(), env)
	if err != nil {
		apierrors.WriteError(w, apierrors.FromError(err))
		return
	}

	// La clave se registra después del comando: el vault exige que el
	// registro de la base exista y esté marcado como cifrado.
	if len(rawKey) > 0 {
		if err := h.core.PutSecret(r.Context(), body.Name, rawKey, body.OverwriteSecret); err != nil {
			apierrors.WriteError(w, apierrors.FromError(err).
				WithDetail("la base fue creada pero la clave no quedó registrada en este nodo"))
			return
		}
	}

	var rec state.DatabaseRecord
	if err := json.Unmarshal(res.Data, &rec); err != nil {
		apierrors.WriteError(w, apierrors.ErrInternalServerError.WithCause(err))
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) listDatabases(w http.ResponseWriter, r *http.Request) {
	dbs, err := h.core.Databases(r.Context())
	if err != nil {
		apierrors.WriteError(w, apierrors.FromError(err))
		return
	}
	if dbs == nil {
		dbs = []state.DatabaseRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"databases": dbs})
}

func (h *Handler) getDatabase(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rec, err := h.core.Database(r.Context(), name)
	if err != nil {
		apierrors.WriteError(w, apierrors.FromError(err))
		return
	}
	if rec == nil {
		apierrors.WriteError(w, apierrors.ErrDatabaseNotFound.WithDetail(name))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) configDatabase(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var body struct {
		Config json.RawMessage `json:"config"`
	}
	if aerr := decodeJSON(w, r, &body); aerr != nil {
		apierrors.WriteError(w, aerr)
		return
	}
	if len(body.Config) == 0 {
		apierrors.WriteError(w, apierrors.ErrMissingFields.WithDetail("config es obligatorio"))
		return
	}

	env, err := command.New(command.TypeDatabaseConfig, name, command.DatabasePayload{
		Name:   name,
		Config: body.Config,
	})
	if err != nil {
		apierrors.WriteError(w, apierrors.FromError(err))
		return
	}
	res, err := h.core.Submit(r.Context(), env)
	if err != nil {
		apierrors.WriteError(w, apierrors.FromError(err))
		return
	}

	var rec state.DatabaseRecord
	if err := json.Unmarshal(res.Data, &rec); err != nil {
		apierrors.WriteError(w, apierrors.ErrInternalServerError.WithCause(err))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) deleteDatabase(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	env, err := command.New(command.TypeDatabaseDelete, name, nil)
	if err != nil {
		apierrors.WriteError(w, apierrors.FromError(err))
		return
	}
	if _, err := h.core.Submit(r.Context(), env); err != nil {
		apierrors.WriteError(w, apierrors.FromError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "name": name})
}

// =================================================================================
// ADMIN: VAULT
// =================================================================================

// putSecret registra la clave en el vault del nodo local. El material viaja
// una sola vez por request y nunca vuelve a salir.
func (h *Handler) putSecret(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var body struct {
		Key       string `json:"key"` // base64 estándar, 32 bytes
		Overwrite bool   `json:"overwrite"`
	}
	if aerr := decodeJSON(w, r, &body); aerr != nil {
		apierrors.WriteError(w, aerr)
		return
	}
	if body.Key == "" {
		apierrors.WriteError(w, apierrors.ErrMissingFields.WithDetail("key es obligatorio"))
		return
	}
	rawKey, err := base64.StdEncoding.DecodeString(body.Key)
	if err != nil {
		apierrors.WriteError(w, apierrors.ErrBadRequest.WithDetail("key no es base64 válido"))
		return
	}

	if err := h.core.PutSecret(r.Context(), name, rawKey, body.Overwrite); err != nil {
		apierrors.WriteError(w, apierrors.FromError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "name": name})
}

// getSecret responde presencia solamente; el material nunca se expone.
func (h *Handler) getSecret(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	present, err := h.core.HasSecret(r.Context(), name)
	if err != nil {
		apierrors.WriteError(w, apierrors.FromError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "present": present})
}

func (h *Handler) deleteSecret(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.core.DeleteSecret(r.Context(), name); err != nil {
		apierrors.WriteError(w, apierrors.FromError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "name": name})
}

func (h *Handler) listSecrets(w http.ResponseWriter, r *http.Request) {
	names, err := h.core.SecretNames(r.Context())
	if err != nil {
		apierrors.WriteError(w, apierrors.FromError(err))
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"names": names})
}

// =================================================================================
// ADMIN: VALORES
// =================================================================================

// valueKey extrae la clave del comodín de la ruta. Las claves pueden llevar
// barras (p. ej. config/ttl).
func valueKey(r *http.Request) string {
	return strings.TrimPrefix(chi.URLParam(r, "*"), "/")
}

func (h *Handler) putValue(w http.ResponseWriter, r *http.Request) {
	key := valueKey(r)
	if key == "" {
		apierrors.WriteError(w, apierrors.ErrMissingFields.WithDetail("clave vacía"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	value, err := io.ReadAll(r.Body)
	if err != nil {
		apierrors.WriteError(w, apierrors.ErrBodyTooLarge.WithCause(err))
		return
	}

	env, err := command.New(command.TypeValuePut, "", command.ValuePayload{Key: key, Value: value})
	if err != nil {
		apierrors.WriteError(w, apierrors.FromError(err))
		return
	}
	res, err := h.core.Submit(r.Context(), env)
	if err != nil {
		apierrors.WriteError(w, apierrors.FromError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "key": key, "index": res.Index})
}

func (h *Handler) getValue(w http.ResponseWriter, r *http.Request) {
	key := valueKey(r)
	value, found, err := h.core.Value(r.Context(), key)
	if err != nil {
		apierrors.WriteError(w, apierrors.FromError(err))
		return
	}
	if !found {
		apierrors.WriteError(w, apierrors.ErrValueNotFound.WithDetail(key))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(value)
}

func (h *Handler) deleteValue(w http.ResponseWriter, r *http.Request) {
	key := valueKey(r)
	if key == "" {
		apierrors.WriteError(w, apierrors.ErrMissingFields.WithDetail("clave vacía"))
		return
	}
	env, err := command.New(command.TypeValueDelete, "", command.ValueDeletePayload{Key: key})
	if err != nil {
		apierrors.WriteError(w, apierrors.FromError(err))
		return
	}
	if _, err := h.core.Submit(r.Context(), env); err != nil {
		apierrors.WriteError(w, apierrors.FromError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "key": key})
}
