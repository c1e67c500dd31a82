package safelinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientSendsTokenAndQuery(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"items":       []map[string]any{{"id": 7, "task_id": "db_1", "status": "executed"}},
			"next_cursor": "7",
		})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "tok")
	page, err := c.Executions(context.Background(), "executed", 1, "9")
	require.NoError(t, err)
	require.Equal(t, "/v0/executions", got.URL.Path)
	require.Equal(t, "executed", got.URL.Query().Get("status"))
	require.Equal(t, "1", got.URL.Query().Get("limit"))
	require.Equal(t, "9", got.URL.Query().Get("cursor"))
	require.Equal(t, "Bearer tok", got.Header.Get("Authorization"))
	require.Len(t, page.Items, 1)
	require.Equal(t, "db_1", page.Items[0].TaskID)
	require.Equal(t, "7", page.NextCursor)
}

func TestClientSurfacesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":"forbidden","message":"missing permission"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "tok").SetKillSwitch(context.Background(), true, "maintenance")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	require.Contains(t, apiErr.Body, "forbidden")
}

func TestAssessPostsTask(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Write([]byte(`{"risk":{"score":95,"level":"CRITICAL"},"decision":{"action":"block"},"needs_rehearsal":false,"explanation":"x"}`))
	}))
	defer srv.Close()

	out, err := New(srv.URL, "").Assess(context.Background(), "send_email", map[string]any{"to": "a@b"}, "conservative")
	require.NoError(t, err)
	require.Equal(t, "send_email", body["action_type"])
	require.Equal(t, "conservative", body["profile"])
	require.Equal(t, "CRITICAL", out.Risk.Level)
	require.Equal(t, "block", out.Decision.Action)
}
