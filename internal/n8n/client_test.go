package n8n

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, "n8n-key", 5*time.Second)
}

func TestCreateWorkflowWithDatabase(t *testing.T) {
	var gotKey, gotPath string
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-N8N-API-KEY")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(Workflow{WorkflowID: "wf-1", WebhookID: "hook-1"})
	})

	wf, err := c.CreateWorkflowWithDatabase(context.Background(),
		map[string]any{"nodes": []any{}}, "org-1", "user-1", "session default")
	if err != nil {
		t.Fatalf("CreateWorkflowWithDatabase: %v", err)
	}
	if wf.WorkflowID != "wf-1" || wf.WebhookID != "hook-1" {
		t.Fatalf("unexpected workflow: %+v", wf)
	}
	if gotKey != "n8n-key" {
		t.Fatalf("X-N8N-API-KEY = %q", gotKey)
	}
	if gotPath != "/api/v1/workflows" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotBody["organization_id"] != "org-1" || gotBody["label"] != "session default" {
		t.Fatalf("unexpected body: %+v", gotBody)
	}
}

func TestCreateWorkflowWithDatabase_EngineError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.CreateWorkflowWithDatabase(context.Background(), nil, "org-1", "user-1", "x")
	if err == nil || !strings.Contains(err.Error(), "status 502") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestDeleteWorkflowWithDatabase(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"ok", http.StatusOK, false},
		{"already gone", http.StatusNotFound, false},
		{"engine failure", http.StatusInternalServerError, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var gotMethod, gotPath string
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				gotMethod = r.Method
				gotPath = r.URL.Path
				w.WriteHeader(tc.status)
			})

			err := c.DeleteWorkflowWithDatabase(context.Background(), "wf-9")
			if tc.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if gotMethod != http.MethodDelete || gotPath != "/api/v1/workflows/wf-9" {
				t.Fatalf("request = %s %s", gotMethod, gotPath)
			}
		})
	}
}

func TestNew_TrimsBaseURLAndDefaultsTimeout(t *testing.T) {
	c := New("http://engine.local/", "", 0)
	if c.baseURL != "http://engine.local" {
		t.Fatalf("baseURL = %q", c.baseURL)
	}
	if c.http.Timeout != 30*time.Second {
		t.Fatalf("timeout = %v", c.http.Timeout)
	}
}
