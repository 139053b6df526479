package protocol

import (
	"testing"
)

func TestParseMessageRequest(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantTool string
		wantErr  bool
	}{
		{
			name:     "tool call",
			input:    `{"userId":"u1","channel":"whatsapp","toolName":"files_list","arguments":{"path":"/tmp"}}`,
			wantTool: "files_list",
		},
		{
			name:  "direct reply",
			input: `{"userId":"u1","reply":"Hi there"}`,
		},
		{
			name:    "both tool and reply",
			input:   `{"userId":"u1","toolName":"files_list","reply":"x"}`,
			wantErr: true,
		},
		{
			name:    "neither",
			input:   `{"userId":"u1"}`,
			wantErr: true,
		},
		{
			name:    "missing user",
			input:   `{"toolName":"files_list"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			input:   `hello`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessageRequest([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.ToolName != tt.wantTool {
				t.Errorf("toolName: got %q, want %q", got.ToolName, tt.wantTool)
			}
		})
	}
}

func TestParseMessageRequest_Arguments(t *testing.T) {
	req, err := ParseMessageRequest([]byte(`{"userId":"u1","toolName":"notes_search","arguments":{"query":"milk","limit":3}}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.Arguments["query"] != "milk" {
		t.Errorf("query: got %v", req.Arguments["query"])
	}
	// JSON numbers decode as float64.
	if req.Arguments["limit"] != float64(3) {
		t.Errorf("limit: got %v (%T)", req.Arguments["limit"], req.Arguments["limit"])
	}
}

func TestDecodeError(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"structured", `{"error":{"type":"authentication_error","message":"invalid agent secret"}}`, "invalid agent secret"},
		{"plain text", "  bad gateway\n", "bad gateway"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DecodeError([]byte(tt.body)); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
