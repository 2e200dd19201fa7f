package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestOutput(t *testing.T) {
	data := map[string]any{"name": "dev", "timeout": 10}

	var buf bytes.Buffer
	if err := Output(&buf, data, FormatJSON); err != nil {
		t.Fatalf("Output json error: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if got["name"] != "dev" {
		t.Errorf("name = %v; want dev", got["name"])
	}
	if !strings.Contains(buf.String(), "\n  \"name\"") {
		t.Errorf("json output not indented: %s", buf.String())
	}

	buf.Reset()
	if err := Output(&buf, data, FormatYAML); err != nil {
		t.Fatalf("Output yaml error: %v", err)
	}
	if !strings.Contains(buf.String(), "name: dev") {
		t.Errorf("yaml output = %q; want name: dev", buf.String())
	}

	if err := Output(&buf, data, "table"); err == nil {
		t.Error("Output with an unknown format should fail")
	}
}

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", FormatYAML, false},
		{"yaml", FormatYAML, false},
		{"json", FormatJSON, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseOutputFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseOutputFormat(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestPrint(t *testing.T) {
	var buf bytes.Buffer
	PrintSuccess(&buf, "context %q saved", "dev")
	PrintWarning(&buf, "no %s", "token")
	want := "✓ context \"dev\" saved\n⚠ no token\n"
	if buf.String() != want {
		t.Errorf("output = %q; want %q", buf.String(), want)
	}
}
