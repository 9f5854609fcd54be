package automation

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestContextBuilder_Build(t *testing.T) {
	reader := &stubWorkspace{
		profiles: map[string]map[string]any{"u1": {"full_name": "Ada"}},
		startups: map[string]map[string]any{"s1": {"name": "Acme", "industry": "fintech", "stage": "seed"}},
		canvases: map[string]map[string]any{"s1": {
			"problem":                  "slow payments",
			"solution":                 "instant rails",
			"unique_value_proposition": "settle in seconds",
			"customer_segments":        "SMBs",
			"revenue_streams":          "fees",
		}},
	}

	vars, err := NewContextBuilder(reader).Build(context.Background(), Scope{UserID: "u1", StartupID: "s1"})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	want := map[string]any{
		"profile":           map[string]any{"full_name": "Ada"},
		"startup":           map[string]any{"name": "Acme", "industry": "fintech", "stage": "seed"},
		"canvas":            reader.canvases["s1"],
		"startup_name":      "Acme",
		"industry":          "fintech",
		"stage":             "seed",
		"problem":           "slow payments",
		"solution":          "instant rails",
		"unique_value":      "settle in seconds",
		"customer_segments": "SMBs",
		"revenue_streams":   "fees",
	}
	if diff := cmp.Diff(want, vars); diff != "" {
		t.Errorf("Build() mismatch (-want +got):\n%s", diff)
	}
}

func TestContextBuilder_Defaults(t *testing.T) {
	tests := []struct {
		name   string
		reader WorkspaceReader
		scope  Scope
	}{
		{"nil reader", nil, Scope{UserID: "u1", StartupID: "s1"}},
		{"absent records", &stubWorkspace{}, Scope{UserID: "u1", StartupID: "s1"}},
		{"no scope", &stubWorkspace{}, Scope{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vars, err := NewContextBuilder(tt.reader).Build(context.Background(), tt.scope)
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if vars["startup_name"] != "Your startup" || vars["industry"] != "technology" || vars["stage"] != "idea" {
				t.Errorf("defaults = %v/%v/%v", vars["startup_name"], vars["industry"], vars["stage"])
			}
			if vars["problem"] != "" || vars["revenue_streams"] != "" {
				t.Errorf("canvas keys not empty: %q %q", vars["problem"], vars["revenue_streams"])
			}
			if diff := cmp.Diff(map[string]any{}, vars["canvas"]); diff != "" {
				t.Errorf("canvas mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestContextBuilder_ReaderError(t *testing.T) {
	boom := errors.New("db locked")
	_, err := NewContextBuilder(&stubWorkspace{err: boom}).Build(context.Background(), Scope{UserID: "u1"})
	if !errors.Is(err, boom) {
		t.Errorf("Build() error = %v, want %v", err, boom)
	}
}
