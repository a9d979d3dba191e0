package logging

import (
	"log/slog"
	"testing"
)

func TestShouldRedactKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{key: "payload_json", want: true},
		{key: "Api_Key", want: true},
		{key: "authorization", want: true},
		{key: "ops_token", want: true},
		{key: "dsn", want: true},
		{key: "tenant_conn_str", want: true},
		{key: "fingerprint", want: false},
		{key: "job_id", want: false},
		{key: "class", want: false},
	}

	for _, tt := range tests {
		if got := shouldRedactKey(tt.key); got != tt.want {
			t.Fatalf("expected shouldRedactKey(%q)=%v, got %v", tt.key, tt.want, got)
		}
	}
}

func TestRedactAttrGroups(t *testing.T) {
	attr := slog.Group("job", slog.String("payload_json", "secret"), slog.String("job_id", "safe"))
	redacted := redactAttr(attr)

	group := redacted.Value.Group()
	if len(group) != 2 {
		t.Fatalf("expected 2 group attrs, got %d", len(group))
	}

	if group[0].Value.String() != redactedValue {
		t.Fatalf("expected payload_json to be redacted, got %q", group[0].Value.String())
	}
	if group[1].Value.String() != "safe" {
		t.Fatalf("expected job_id to stay, got %q", group[1].Value.String())
	}
}
