package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/farodb/internal/cluster"
	"github.com/dropDatabas3/farodb/internal/command"
)

func TestClientForward(t *testing.T) {
	secret := []byte("secreto-compartido")

	var gotEnv command.Envelope
	var gotPeer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/cluster/commands", r.URL.Path)

		peer, err := VerifyPeerToken(secret, bearerToken(r))
		require.NoError(t, err)
		gotPeer = peer

		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotEnv))
		writeJSON(w, http.StatusOK, command.Result{Index: 9})
	}))
	defer srv.Close()

	c := NewClient(secret, "nodo-a", 2*time.Second)
	env, err := command.New(command.TypeValuePut, "", command.ValuePayload{Key: "k", Value: []byte("v")})
	require.NoError(t, err)

	res, err := c.Forward(context.Background(), srv.URL, env)
	require.NoError(t, err)
	require.Equal(t, uint64(9), res.Index)
	require.Equal(t, "nodo-a", gotPeer)
	require.Equal(t, env.ID, gotEnv.ID)
}

func TestClientForwardNotLeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"NOT_LEADER","message":"este nodo no es líder"}`))
	}))
	defer srv.Close()

	c := NewClient([]byte("s"), "nodo-a", 2*time.Second)
	env, _ := command.New(command.TypeValuePut, "", command.ValuePayload{Key: "k", Value: []byte("v")})

	_, err := c.Forward(context.Background(), srv.URL, env)
	require.Error(t, err)
	require.True(t, errors.Is(err, cluster.ErrNotLeader))
}

func TestClientForwardLeaderUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"code":"LEADER_UNAVAILABLE"}`))
	}))
	defer srv.Close()

	c := NewClient([]byte("s"), "nodo-a", 2*time.Second)
	env, _ := command.New(command.TypeValueDelete, "", command.ValueDeletePayload{Key: "k"})

	_, err := c.Forward(context.Background(), srv.URL, env)
	require.True(t, errors.Is(err, cluster.ErrNoLeader))
}

func TestClientForwardNetworkError(t *testing.T) {
	c := NewClient([]byte("s"), "nodo-a", 500*time.Millisecond)
	env, _ := command.New(command.TypeValueDelete, "", command.ValueDeletePayload{Key: "k"})

	// Puerto cerrado: el error de red no debe mapearse a sentinels de liderazgo.
	_, err := c.Forward(context.Background(), "http://127.0.0.1:1", env)
	require.Error(t, err)
	require.False(t, errors.Is(err, cluster.ErrNotLeader))
}

func TestClientHealth(t *testing.T) {
	secret := []byte("secreto-compartido")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/cluster/health", r.URL.Path)
		_, err := VerifyPeerToken(secret, bearerToken(r))
		require.NoError(t, err)
		writeJSON(w, http.StatusOK, NodeInfo{Tag: "nodo-b", Role: "follower", Term: 3})
	}))
	defer srv.Close()

	c := NewClient(secret, "nodo-a", 2*time.Second)
	info, err := c.Health(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, "nodo-b", info.Tag)
	require.Equal(t, uint64(3), info.Term)
}
