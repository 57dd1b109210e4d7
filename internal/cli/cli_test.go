// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jeranaias/rigrun-chatd/internal/config"
	"github.com/jeranaias/rigrun-chatd/internal/logging"
	"github.com/jeranaias/rigrun-chatd/internal/model"
	"github.com/jeranaias/rigrun-chatd/internal/session"
	"github.com/jeranaias/rigrun-chatd/internal/storage"
)

// =============================================================================
// HELPERS
// =============================================================================

// isolate points HOME at a temp dir and clears CHATD_* overrides.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, k := range []string{
		"CHATD_ADDR", "CHATD_OLLAMA_URL", "CHATD_MODEL", "CHATD_AUTOSTART",
		"CHATD_DATA_DIR", "CHATD_STORAGE", "CHATD_LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
	return home
}

// lockedBuffer is a bytes.Buffer safe for concurrent log writers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := NewRootCmd(&out, &errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// seed creates two chats in dir, the first with one exchange.
func seed(t *testing.T, dir string) []model.ChatSummary {
	t.Helper()
	fs, err := storage.NewFileStore(dir)
	require.NoError(t, err)
	reg, err := session.New(fs, zerolog.Nop())
	require.NoError(t, err)

	a, err := reg.CreateChat()
	require.NoError(t, err)
	b, err := reg.CreateChat()
	require.NoError(t, err)
	require.NoError(t, reg.RenameChat(b.ID, "Groceries"))
	b.Name = "Groceries"

	require.NoError(t, fs.SaveHistory(a.ID, []model.Turn{model.UserTurn("hi"), model.AssistantTurn("hello")}))
	return []model.ChatSummary{a, b}
}

// =============================================================================
// VERSION / CONFIG COMMAND TESTS
// =============================================================================

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "rigrun-chatd version "+Version)
}

func TestConfigInit(t *testing.T) {
	home := isolate(t)

	out, err := run(t, "config", "init")
	require.NoError(t, err)
	path := filepath.Join(home, ".rigrun-chatd", "config.toml")
	assert.Contains(t, out, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Backend.Model, cfg.Backend.Model)

	_, err = run(t, "config", "init")
	require.Error(t, err, "existing file is not overwritten")

	_, err = run(t, "config", "init", "--force")
	require.NoError(t, err)
}

func TestConfigShow_FlagsOverrideFileAndEnv(t *testing.T) {
	home := isolate(t)
	path := filepath.Join(home, "chatd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend:\n  model: from-file\nserver:\n  addr: 127.0.0.1:9001\n"), 0600))
	t.Setenv("CHATD_MODEL", "from-env")

	out, err := run(t, "--config", path, "--model", "from-flag", "--no-autostart", "config", "show")
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, "from-flag", cfg.Backend.Model)
	assert.Equal(t, "127.0.0.1:9001", cfg.Server.Addr)
	assert.False(t, cfg.Backend.Autostart)
}

func TestConfigShow_InvalidFlag(t *testing.T) {
	isolate(t)
	_, err := run(t, "--addr", "nonsense", "config", "show")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.addr")
}

// =============================================================================
// CHATS COMMAND TESTS
// =============================================================================

func TestChatsList(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	out, err := run(t, "--data-dir", dir, "chats", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No chats.")

	chats := seed(t, dir)
	out, err = run(t, "--data-dir", dir, "chats", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], chats[0].ID)
	assert.Contains(t, lines[1], "Chat 1")
	assert.Contains(t, lines[1], " 2  ")
	assert.Contains(t, lines[2], "Groceries")

	out, err = run(t, "--data-dir", dir, "chats", "list", "--json")
	require.NoError(t, err)
	var got []model.ChatSummary
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, chats, got)
}

func TestChatsExport(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	chats := seed(t, dir)

	out, err := run(t, "--data-dir", dir, "chats", "export", chats[0].ID)
	require.NoError(t, err)
	var doc ChatExport
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "Chat 1", doc.Name)
	assert.Equal(t, []model.Turn{model.UserTurn("hi"), model.AssistantTurn("hello")}, doc.Turns)

	out, err = run(t, "--data-dir", dir, "chats", "export", chats[1].ID, "--format", "yaml")
	require.NoError(t, err)
	var ydoc ChatExport
	require.NoError(t, yaml.Unmarshal([]byte(out), &ydoc))
	assert.Equal(t, chats[1].ID, ydoc.ID)
	assert.Equal(t, "Groceries", ydoc.Name)
	assert.Empty(t, ydoc.Turns)
}

func TestChatsExport_Errors(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	chats := seed(t, dir)

	_, err := run(t, "--data-dir", dir, "chats", "export", "00000000-0000-0000-0000-000000000000")
	assert.ErrorContains(t, err, "not found")

	_, err = run(t, "--data-dir", dir, "chats", "export", chats[0].ID, "--format", "xml")
	assert.ErrorContains(t, err, "unknown format")

	_, err = run(t, "--data-dir", dir, "chats", "export")
	assert.Error(t, err)
}

// =============================================================================
// SERVE TESTS
// =============================================================================

// fakeOllama answers the liveness probe and streams "hello", recording the
// model of every generate request.
type fakeOllama struct {
	srv *httptest.Server

	mu     sync.Mutex
	models []string
}

func newFakeOllama(t *testing.T) *fakeOllama {
	t.Helper()
	f := &fakeOllama{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/version", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"version":"0.5.7"}`)
	})
	mux.HandleFunc("POST /api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.models = append(f.models, req.Model)
		f.mu.Unlock()
		io.WriteString(w, `{"response":"hel","done":false}`+"\n"+`{"response":"lo","done":true}`+"\n")
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeOllama) lastModel() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.models) == 0 {
		return ""
	}
	return f.models[len(f.models)-1]
}

func post(t *testing.T, url, body string) string {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	return string(data)
}

func TestServe_EndToEnd(t *testing.T) {
	home := isolate(t)
	backend := newFakeOllama(t)

	cfgPath := filepath.Join(home, "chatd.toml")
	writeCfg := func(model string) {
		cfg := config.Default()
		cfg.Server.Addr = "127.0.0.1:0"
		cfg.Backend.URL = backend.srv.URL
		cfg.Backend.Model = model
		cfg.Backend.Autostart = false
		cfg.Storage.Dir = filepath.Join(home, "data")
		cfg.Server.RateLimitRPS = 0
		require.NoError(t, config.SaveTOML(cfg, cfgPath))
	}
	writeCfg("first")

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	log, level := logging.New("warn", logging.FormatJSON, io.Discard)
	addrCh := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() {
		done <- serve(context.Background(), cfg, serveDeps{
			configPath: cfgPath,
			log:        log,
			level:      level,
			onListen:   func(a net.Addr) { addrCh <- a },
		})
	}()

	var base string
	select {
	case a := <-addrCh:
		base = "http://" + a.String()
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	var cs model.ChatSummary
	require.NoError(t, json.Unmarshal([]byte(post(t, base+"/chats/", "")), &cs))
	assert.Equal(t, "hello", post(t, base+"/query/"+cs.ID, `{"prompt":"hi"}`))
	assert.Equal(t, "first", backend.lastModel())

	// model is picked up from the edited config file
	writeCfg("second")
	require.Eventually(t, func() bool {
		post(t, base+"/query/"+cs.ID, `{"prompt":"again"}`)
		return backend.lastModel() == "second"
	}, 5*time.Second, 100*time.Millisecond)

	post(t, base+"/shutdown/", "")
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after /shutdown/")
	}

	// history survived on disk
	fs, err := storage.NewFileStore(filepath.Join(home, "data"))
	require.NoError(t, err)
	turns, err := fs.LoadHistory(cs.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(turns), 2)
	assert.Equal(t, model.UserTurn("hi"), turns[0])
	assert.Equal(t, model.AssistantTurn("hello"), turns[1])
}

func TestServe_ListenError(t *testing.T) {
	home := isolate(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := config.Default()
	cfg.Server.Addr = ln.Addr().String()
	cfg.Backend.URL = "http://127.0.0.1:1"
	cfg.Backend.Autostart = false
	cfg.Backend.ProbeTimeoutMs = 50
	cfg.Storage.Dir = filepath.Join(home, "data")

	err = serve(context.Background(), cfg, serveDeps{log: zerolog.Nop()})
	require.Error(t, err)
}

func TestServe_StopsOnContextCancel(t *testing.T) {
	home := isolate(t)
	backend := newFakeOllama(t)

	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Backend.URL = backend.srv.URL
	cfg.Backend.Autostart = true // already running: no launch attempted
	cfg.Storage.Backend = storage.BackendSQLite
	cfg.Storage.Dir = filepath.Join(home, "data")

	var logs lockedBuffer
	log := zerolog.New(&logs)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, cfg, serveDeps{log: log, onListen: func(net.Addr) { close(started) }})
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop on cancel")
	}
	_, err := os.Stat(filepath.Join(home, "data", storage.SQLiteFileName))
	assert.NoError(t, err)

	out := logs.String()
	assert.Contains(t, out, `"component":"registry"`)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		assert.LessOrEqual(t, strings.Count(line, `"component"`), 1, line)
	}
}
