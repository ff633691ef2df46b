package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dropDatabas3/farodb/internal/cluster"
	"github.com/dropDatabas3/farodb/internal/command"
)

// Client es el cliente HTTP entre nodos: reenvío de comandos al líder y
// sondas de salud para el supervisor de mantenimiento.
type Client struct {
	http    *http.Client
	secret  []byte
	selfTag string
}

// NewClient crea un cliente de par con timeout total por request.
func NewClient(secret []byte, selfTag string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		secret:  secret,
		selfTag: selfTag,
	}
}

// Forward envía el sobre al endpoint de comandos del nodo destino y devuelve
// el resultado de aplicarlo. Los errores remotos de liderazgo vuelven como
// sentinels de cluster para que el forwarder decida si reintenta.
func (c *Client) Forward(ctx context.Context, baseURL string, env command.Envelope) (command.Result, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return command.Result{}, fmt.Errorf("transport: serializando sobre: %w", err)
	}

	raw, status, err := c.do(ctx, http.MethodPost, baseURL, "/cluster/commands", body)
	if err != nil {
		return command.Result{}, err
	}
	if status != http.StatusOK {
		return command.Result{}, decodeRemoteError(status, raw)
	}

	var res command.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return command.Result{}, fmt.Errorf("transport: respuesta ilegible: %w", err)
	}
	return res, nil
}

// Health consulta /cluster/health de un par y devuelve su estado.
func (c *Client) Health(ctx context.Context, baseURL string) (NodeInfo, error) {
	raw, status, err := c.do(ctx, http.MethodGet, baseURL, "/cluster/health", nil)
	if err != nil {
		return NodeInfo{}, err
	}
	if status != http.StatusOK {
		return NodeInfo{}, decodeRemoteError(status, raw)
	}

	var info NodeInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return NodeInfo{}, fmt.Errorf("transport: respuesta ilegible: %w", err)
	}
	return info, nil
}

// do ejecuta un request autenticado contra un par y devuelve body y status.
func (c *Client) do(ctx context.Context, method, baseURL, path string, body []byte) ([]byte, int, error) {
	url := strings.TrimRight(baseURL, "/") + path

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, 0, fmt.Errorf("transport: armando request: %w", err)
	}

	token, err := MintPeerToken(c.secret, c.selfTag, PeerTokenTTL)
	if err != nil {
		return nil, 0, fmt.Errorf("transport: firmando token de par: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("transport: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("transport: leyendo respuesta: %w", err)
	}
	return raw, resp.StatusCode, nil
}

// decodeRemoteError traduce una respuesta de error JSON de un par. Los
// códigos de liderazgo se mapean a los sentinels locales; el resto queda
// como error descriptivo.
func decodeRemoteError(status int, raw []byte) error {
	var er struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	_ = json.Unmarshal(raw, &er)

	switch er.Code {
	case "NOT_LEADER":
		return fmt.Errorf("%w: respuesta remota %d", cluster.ErrNotLeader, status)
	case "LEADER_UNAVAILABLE":
		return fmt.Errorf("%w: respuesta remota %d", cluster.ErrNoLeader, status)
	case "SHUTTING_DOWN":
		return fmt.Errorf("%w: respuesta remota %d", cluster.ErrShutdown, status)
	}
	if er.Code != "" {
		return fmt.Errorf("transport: error remoto %d [%s] %s", status, er.Code, er.Message)
	}
	return fmt.Errorf("transport: error remoto %d", status)
}
