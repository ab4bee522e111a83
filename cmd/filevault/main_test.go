package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/fruitsalade/filevault/internal/auth"
	"github.com/fruitsalade/filevault/pkg/protocol"
)

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	owner := uuid.New()

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--owner", owner.String(), "--secret", "s3cret", "--ttl", "1h"})
	if err := root.Execute(); err != nil {
		t.Fatalf("token: %v", err)
	}

	var token string
	for _, line := range strings.Split(out.String(), "\n") {
		if rest, ok := strings.CutPrefix(line, "token:"); ok {
			token = strings.TrimSpace(rest)
		}
	}
	if token == "" {
		t.Fatalf("no token in output:\n%s", out.String())
	}

	got, err := auth.New("s3cret").Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != owner {
		t.Errorf("expected owner %s, got %s", owner, got)
	}
}

func TestTokenCommandRejectsBadOwner(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"token", "--owner", "nobody", "--secret", "s3cret"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error for non-UUID owner")
	}
}

func TestRemoteCommandsRequireToken(t *testing.T) {
	t.Setenv("FILEVAULT_TOKEN", "")

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"list"})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "token is required") {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestListCommandSendsToken(t *testing.T) {
	var authHeader string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(protocol.ListResponse{Files: []protocol.File{{ID: uuid.New(), Name: "a.txt", Size: 1}}})
	}))
	defer ts.Close()

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"list", "--server", ts.URL, "--token", "tok"})
	if err := root.Execute(); err != nil {
		t.Fatalf("list: %v", err)
	}
	if authHeader != "Bearer tok" {
		t.Errorf("expected bearer token, got %q", authHeader)
	}
	if !strings.Contains(out.String(), "a.txt") {
		t.Errorf("expected a.txt in output, got %q", out.String())
	}
}
