package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/protocol"
	"github.com/naattiiiiiiiii/whatsapp-ai-agents/pkg/relay"
)

func TestHTTPSource_RoundTrip(t *testing.T) {
	item := `{"id":"r1","userId":"u1","originChannel":"whatsapp","toolName":"files_list","arguments":{},"enqueuedAt":"2026-03-01T08:00:00Z"}`

	var gotResult relay.Result
	var gotRemove protocol.RemoveRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(protocol.HeaderAgentSecret) != "agt_test" || r.Header.Get(protocol.HeaderAgentID) != "desk" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case protocol.PathPending:
			io.WriteString(w, `{"requests":[`+item+`]}`)
		case protocol.PathResponse:
			json.NewDecoder(r.Body).Decode(&gotResult)
			io.WriteString(w, `{"ok":true}`)
		case protocol.PathRemove:
			json.NewDecoder(r.Body).Decode(&gotRemove)
			io.WriteString(w, `{"removed":true}`)
		}
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, "agt_test", "desk", srv.Client())
	ctx := context.Background()

	envs, err := src.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 1 || string(envs[0].Raw) != item {
		t.Fatalf("pending: %v", envs)
	}

	if err := src.Publish(ctx, relay.ValueResult("r1", json.RawMessage(`[1,2]`))); err != nil {
		t.Fatal(err)
	}
	if gotResult.RequestID != "r1" || string(gotResult.Value) != "[1,2]" {
		t.Errorf("published %+v", gotResult)
	}

	removed, err := src.Remove(ctx, envs[0])
	if err != nil || !removed {
		t.Fatalf("remove: %v %v", removed, err)
	}
	if string(gotRemove.Item) != item {
		t.Errorf("remove sent %s", gotRemove.Item)
	}
}

func TestHTTPSource_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"type":"authentication_error","message":"invalid agent secret"}}`)
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, "agt_wrong", "desk", srv.Client())
	_, err := src.Pending(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "status 401") || !strings.Contains(err.Error(), "invalid agent secret") {
		t.Errorf("error = %v", err)
	}
}

func TestHTTPSource_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	src := NewHTTPSource(url, "agt_x", "desk", nil)
	if _, err := src.Pending(context.Background()); err == nil {
		t.Error("expected error for closed server")
	}
}
