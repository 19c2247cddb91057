package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSendsBearerAfterLogin(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"token":   "tok-1",
				"user":    map[string]string{"id": "u-1", "email": "d@example.com", "role": "user"},
			})
		case "/api/studies":
			gotAuth = r.Header.Get("Authorization")
			_ = json.NewEncoder(w).Encode(map[string]any{"items": []any{}, "count": 0})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", nil)
	user, err := c.Login(context.Background(), "d@example.com", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if user.ID != "u-1" || c.Token() != "tok-1" {
		t.Fatalf("unexpected login state %+v %q", user, c.Token())
	}
	if _, err := c.ListStudies(context.Background()); err != nil {
		t.Fatalf("list studies: %v", err)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("authorization = %q", gotAuth)
	}
}

func TestClientDecodesErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"external service failed","code":"COLLABORATOR_FAILURE","requestId":"req-9","partial":true,"userMessage":{"id":"m-1","role":"user","content":"q","seq":1}}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).SendMessage(context.Background(), "s-1", "q")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadGateway || apiErr.Code != "COLLABORATOR_FAILURE" || apiErr.RequestID != "req-9" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if !apiErr.Partial || apiErr.UserMessage == nil || apiErr.UserMessage.Seq != 1 {
		t.Fatalf("partial chat details missing: %+v", apiErr)
	}
}

func TestStudyPathEscapesID(t *testing.T) {
	if got := studyPath("a/b", "/pdf"); got != "/api/studies/a%2Fb/pdf" {
		t.Fatalf("studyPath = %q", got)
	}
}
