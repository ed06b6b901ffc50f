package proxyvisor

import (
	"slices"
	"testing"
)

func TestReadEnvFile(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    map[string]string
	}{
		{"dotenv", "proxy.env", "# comment\nFOO=bar\nexport BAZ=\"qux quux\"\n", map[string]string{"FOO": "bar", "BAZ": "qux quux"}},
		{"json", "proxy.json", `{"FOO": "bar", "PORT": 1080, "DEBUG": true}`, map[string]string{"FOO": "bar", "PORT": "1080", "DEBUG": "true"}},
		{"yaml", "proxy.yaml", "FOO: bar\nPORT: 1080\nEMPTY:\n", map[string]string{"FOO": "bar", "PORT": "1080", "EMPTY": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readEnvFile(writeFile(t, tt.file, tt.content))
			if err != nil {
				t.Fatalf("readEnvFile: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Fatalf("%s = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestReadEnvFile_RejectsNested(t *testing.T) {
	if _, err := readEnvFile(writeFile(t, "proxy.json", `{"FOO": {"nested": 1}}`)); err == nil {
		t.Fatal("expected an error for a nested value")
	}
}

func TestEnvLinesSorted(t *testing.T) {
	got := envLines(map[string]string{"B": "2", "A": "1"})
	if want := []string{"A=1", "B=2"}; !slices.Equal(got, want) {
		t.Fatalf("envLines = %v, want %v", got, want)
	}
}
