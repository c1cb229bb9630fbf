package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"aircontrolbase-go-home/internal/climate"
)

// fakeVendor serves the three AirControlBase endpoints the bridge uses.
type fakeVendor struct {
	mu         sync.Mutex
	operations []string
}

func (f *fakeVendor) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /web/user/login", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostForm.Get("password") != "pw" {
			fmt.Fprint(w, `{"code":"500","msg":"bad password"}`)
			return
		}
		w.Header().Add("Set-Cookie", "JSESSIONID=abc; Path=/")
		fmt.Fprint(w, `{"code":"200","msg":"ok","result":{"id":4242}}`)
	})
	mux.HandleFunc("POST /web/userGroup/getDetails", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"200","result":{"areas":[{"name":"Home","data":[
			{"id":101,"name":"Living Room","power":"y","mode":"cool","setTemp":24,"factTemp":26.5,"wind":"mid","swing":"off"}]}]}}`)
	})
	mux.HandleFunc("POST /web/device/control", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		f.mu.Lock()
		f.operations = append(f.operations, r.PostForm.Get("operation"))
		f.mu.Unlock()
		fmt.Fprint(w, `{"code":200,"msg":"ok"}`)
	})
	return mux
}

// runCLI runs the root command against a fake vendor and returns stdout.
func runCLI(t *testing.T, f *fakeVendor, password string, args ...string) (string, error) {
	t.Helper()
	clearAccountEnv(t)
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf(`
account:
  email: user@example.com
  password: %s
  base_url: %s
store:
  path: %s
devices_dir: %s
log:
  level: error
`, password, srv.URL, filepath.Join(dir, "test.db"), filepath.Join(dir, "devices")))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append(args, "--config", path, "--env-file", ""))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestLoginCommand(t *testing.T) {
	out, err := runCLI(t, &fakeVendor{}, "pw", "login")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "user id 4242") || !strings.Contains(out, "1 device(s)") {
		t.Errorf("output = %q", out)
	}
}

func TestLoginCommandBadPassword(t *testing.T) {
	if _, err := runCLI(t, &fakeVendor{}, "wrong", "login"); err == nil {
		t.Error("expected login error")
	}
}

func TestDevicesCommandJSON(t *testing.T) {
	out, err := runCLI(t, &fakeVendor{}, "pw", "devices", "--json")
	if err != nil {
		t.Fatal(err)
	}
	var states []climate.State
	if err := json.Unmarshal([]byte(out), &states); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(states) != 1 || states[0].Name != "Living Room" || states[0].FanMode != "medium" {
		t.Errorf("states = %+v", states)
	}
}

func TestSetCommand(t *testing.T) {
	f := &fakeVendor{}
	out, err := runCLI(t, f, "pw", "set", "living room", "--temperature", "22")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Living Room") {
		t.Errorf("output = %q", out)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.operations) != 1 || !strings.Contains(f.operations[0], `"setTemp":22`) {
		t.Errorf("operations = %v", f.operations)
	}
}

func TestPrintStates(t *testing.T) {
	cur := 26.5
	var buf bytes.Buffer
	printStates(&buf, []climate.State{
		{ID: "101", Name: "Living Room", HVACMode: climate.ModeCool, TargetTemperature: 24, CurrentTemperature: &cur, FanMode: "medium", SwingMode: "off"},
		{ID: "102", Name: "Bedroom", HVACMode: climate.ModeOff, TargetTemperature: 21, FanMode: "auto", SwingMode: "off"},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.Contains(lines[1], "26.5") || !strings.Contains(lines[1], "cool") {
		t.Errorf("row = %q", lines[1])
	}
	if !strings.Contains(lines[2], " - ") {
		t.Errorf("missing current temperature placeholder: %q", lines[2])
	}
}
