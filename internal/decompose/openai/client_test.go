package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "AuctionMesh/internal/errors"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestDecomposeSuccess(t *testing.T) {
	var captured struct {
		Authorization string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{
					"message": map[string]any{
						"content": `{"subtasks":[{"description":"buy 0.1 ETH"},{"description":"post a tweet"}]}`,
					},
				},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	specs, err := client.Decompose(context.Background(), "buy ETH and tweet about it")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(specs) != 2 || specs[0].Description != "buy 0.1 ETH" || specs[1].Description != "post a tweet" {
		t.Fatalf("unexpected specs: %+v", specs)
	}
	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Body["model"] != defaultModelName {
		t.Fatalf("model field missing in request: %v", captured.Body["model"])
	}
}

func TestDecomposeHTTPErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		code   xerrors.Code
	}{
		{name: "bad request", status: http.StatusBadRequest, code: xerrors.CodeRejected},
		{name: "rate limited", status: http.StatusTooManyRequests, code: xerrors.CodeUnavailable},
		{name: "server error", status: http.StatusBadGateway, code: xerrors.CodeUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", tc.status)
			}))
			defer srv.Close()

			client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			client.httpClient = srv.Client()

			_, err = client.Decompose(context.Background(), "anything")
			if xerrors.CodeOf(err) != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}
}

func TestDecomposeRepairsTruncatedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "```json\n{\"subtasks\": [{\"description\": \"translate\"}, {\"description\": \"review\"}\n```"}},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	specs, err := client.Decompose(context.Background(), "translate and review")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("unexpected specs: %+v", specs)
	}
}
