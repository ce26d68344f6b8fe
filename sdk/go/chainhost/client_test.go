package chainhost

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestActivateAndWait(t *testing.T) {
	t.Parallel()

	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/plugins":
			var payload struct {
				ID      string   `json:"id"`
				Plugins []string `json:"plugins"`
			}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Errorf("unexpected body: %v", err)
			}
			if payload.ID != "req-1" || len(payload.Plugins) != 2 {
				t.Errorf("unexpected payload %+v", payload)
			}
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(Activation{ID: "req-1", Plugins: payload.Plugins, Status: StatusPending})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/plugins/activations/req-1":
			status := StatusRunning
			var outcome *ActivationOutcome
			if polls.Add(1) >= 2 {
				status = StatusPartial
				outcome = &ActivationOutcome{
					Activated: []string{"chainhost/network"},
					Failed:    map[string]string{"chainhost/wallet": "dependency not met"},
				}
			}
			_ = json.NewEncoder(w).Encode(Activation{ID: "req-1", Status: status, Outcome: outcome})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	act, err := client.ActivatePlugins(ctx, "req-1", "chainhost/network", "chainhost/wallet")
	if err != nil {
		t.Fatalf("ActivatePlugins: %v", err)
	}
	if act.Status != StatusPending || act.Finished() {
		t.Fatalf("unexpected activation %+v", act)
	}

	done, err := client.WaitActivation(ctx, act.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitActivation: %v", err)
	}
	if done.Status != StatusPartial || done.Outcome.Failed["chainhost/wallet"] == "" {
		t.Fatalf("unexpected outcome %+v", done)
	}
}

func TestResourceCallsAndErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/api/v1/resources" || q.Get("plugin") != "chainhost/network" || q.Get("type") != "network" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode([]Resource{{"name": "devnet"}})
		case http.MethodDelete:
			if q.Get("name") == "missing" {
				w.WriteHeader(http.StatusNotFound)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"code":     "RESOURCE_NOT_FOUND",
					"message":  "network missing not found",
					"metadata": map[string]string{"resource_type": "network"},
				})
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx := context.Background()

	list, err := client.ListResources(ctx, "chainhost/network", "network")
	if err != nil {
		t.Fatalf("ListResources: %v", err)
	}
	if len(list) != 1 || list[0]["name"] != "devnet" {
		t.Fatalf("unexpected resources %v", list)
	}
	if err := client.DeleteResource(ctx, "chainhost/network", "network", "devnet"); err != nil {
		t.Fatalf("DeleteResource: %v", err)
	}

	err = client.DeleteResource(ctx, "chainhost/network", "network", "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "RESOURCE_NOT_FOUND" || apiErr.Metadata["resource_type"] != "network" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}
