package proxyvisor

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestServer(t *testing.T, queue int) (*Server, *Supervisor, *LogTail) {
	t.Helper()
	reg := NewRegistry()
	reg.Put(testInstance("eu"))
	sup := New(Options{Registry: reg, CommandQueue: queue})
	tail := NewLogTail(10)
	return NewServer(sup, tail, nil), sup, tail
}

func doRequest(t *testing.T, s *Server, method, target, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, data
}

func nextCommand(t *testing.T, sup *Supervisor) Command {
	t.Helper()
	select {
	case cmd := <-sup.commands:
		return cmd
	default:
		t.Fatal("no command queued")
		return Command{}
	}
}

func TestServer_Health(t *testing.T) {
	s, _, _ := newTestServer(t, 8)

	code, body := doRequest(t, s, http.MethodGet, "/healthz", "")
	if code != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz = %d %q", code, body)
	}

	code, body = doRequest(t, s, http.MethodGet, "/metrics", "")
	if code != http.StatusOK || !strings.Contains(string(body), "proxyvisor_instance_starts_total") {
		t.Fatalf("metrics = %d", code)
	}
}

func TestServer_Instances(t *testing.T) {
	s, _, _ := newTestServer(t, 8)

	code, body := doRequest(t, s, http.MethodGet, "/instances", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var infos []InstanceInfo
	if err := json.Unmarshal(body, &infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].Name != "eu" {
		t.Fatalf("instances = %+v", infos)
	}

	if code, _ := doRequest(t, s, http.MethodGet, "/instances/eu", ""); code != http.StatusOK {
		t.Fatalf("GET /instances/eu = %d", code)
	}
	if code, _ := doRequest(t, s, http.MethodGet, "/instances/ghost", ""); code != http.StatusNotFound {
		t.Fatalf("GET /instances/ghost = %d", code)
	}
}

func TestServer_Start(t *testing.T) {
	s, sup, _ := newTestServer(t, 8)

	code, body := doRequest(t, s, http.MethodPost, "/instances/eu/start", `{"mode":"simple","bind":"127.0.0.1:1080"}`)
	if code != http.StatusAccepted {
		t.Fatalf("status = %d %s", code, body)
	}
	cmd := nextCommand(t, sup)
	if cmd.Action != ActionStart || cmd.Instance != "eu" || cmd.Spec == nil || cmd.Spec.Bind != "127.0.0.1:1080" {
		t.Fatalf("command = %+v", cmd)
	}

	code, _ = doRequest(t, s, http.MethodPost, "/instances/raw/start", `{"argv":["--masque","--bind","127.0.0.1:1081"]}`)
	if code != http.StatusAccepted {
		t.Fatalf("status = %d", code)
	}
	cmd = nextCommand(t, sup)
	if cmd.Spec != nil || len(cmd.Argv) != 3 {
		t.Fatalf("command = %+v", cmd)
	}

	code, _ = doRequest(t, s, http.MethodPost, "/instances/empty/start", "")
	if code != http.StatusAccepted {
		t.Fatalf("empty body status = %d", code)
	}
	if cmd = nextCommand(t, sup); cmd.Spec == nil || cmd.Spec.Mode != "" {
		t.Fatalf("command = %+v", cmd)
	}
}

func TestServer_StartRejectsBadBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"mode":`},
		{"unknown mode", `{"mode":"turbo"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, sup, _ := newTestServer(t, 8)
			code, _ := doRequest(t, s, http.MethodPost, "/instances/eu/start", tt.body)
			if code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", code)
			}
			if len(sup.commands) != 0 {
				t.Fatal("command queued for a bad request")
			}
		})
	}
}

func TestServer_StopAndRestart(t *testing.T) {
	tests := []struct {
		target string
		action Action
		name   string
	}{
		{"/instances/eu/stop", ActionStop, "eu"},
		{"/instances/stop", ActionStop, AllInstances},
		{"/instances/" + AllInstances + "/stop", ActionStop, AllInstances},
		{"/instances/eu/restart", ActionRestart, "eu"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			s, sup, _ := newTestServer(t, 8)
			code, body := doRequest(t, s, http.MethodPost, tt.target, "")
			if code != http.StatusAccepted {
				t.Fatalf("status = %d %s", code, body)
			}
			var acc Accepted
			if err := json.Unmarshal(body, &acc); err != nil {
				t.Fatal(err)
			}
			cmd := nextCommand(t, sup)
			if cmd.Action != tt.action || cmd.Instance != tt.name || acc.Instance != tt.name {
				t.Fatalf("command = %+v, response = %+v", cmd, acc)
			}
		})
	}
}

func TestServer_QueueFull(t *testing.T) {
	s, _, _ := newTestServer(t, 1)

	if code, _ := doRequest(t, s, http.MethodPost, "/instances/eu/stop", ""); code != http.StatusAccepted {
		t.Fatalf("first status = %d", code)
	}
	if code, _ := doRequest(t, s, http.MethodPost, "/instances/eu/stop", ""); code != http.StatusServiceUnavailable {
		t.Fatalf("second status = %d, want 503", code)
	}
}

func TestServer_Logs(t *testing.T) {
	s, _, tail := newTestServer(t, 8)
	tail.Add(LogEvent{Instance: "eu", Kind: EventOutput, Line: "one"})
	tail.Add(LogEvent{Instance: "us", Kind: EventOutput, Line: "two"})
	tail.Add(LogEvent{Instance: "eu", Kind: EventOutput, Line: "three"})

	code, body := doRequest(t, s, http.MethodGet, "/logs?instance=eu&since=1", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var page LogPage
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatal(err)
	}
	if page.Latest != 3 || len(page.Entries) != 1 || page.Entries[0].Line != "three" {
		t.Fatalf("page = %+v", page)
	}

	if code, _ := doRequest(t, s, http.MethodGet, "/logs?since=-1", ""); code != http.StatusBadRequest {
		t.Fatalf("negative since status = %d", code)
	}
	if code, _ := doRequest(t, s, http.MethodGet, "/logs?limit=many", ""); code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", code)
	}
}

func TestServer_StartRejectsReservedName(t *testing.T) {
	s, sup, _ := newTestServer(t, 8)

	code, body := doRequest(t, s, http.MethodPost, "/instances/"+AllInstances+"/start", "")
	if code != http.StatusBadRequest {
		t.Fatalf("status = %d %s, want 400", code, body)
	}
	if len(sup.commands) != 0 {
		t.Fatal("command queued for a reserved name")
	}
}
