package bootstrap

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

type recordingRunner struct {
	calls []string
	fail  map[string]bool
}

func (r *recordingRunner) Run(name string, args ...string) error {
	line := name + " " + strings.Join(args, " ")
	r.calls = append(r.calls, line)
	if r.fail[line] {
		return errors.New("exit status 1")
	}
	return nil
}

func TestBuildCommands_ScopeValidation(t *testing.T) {
	t.Parallel()
	_, err := BuildCommands(Options{ConfigPath: "/tmp/cfg.yaml", Scope: "bad"})
	if err == nil {
		t.Fatal("expected invalid scope error")
	}
}

func TestBuildCommands_UnknownClient(t *testing.T) {
	t.Parallel()
	_, err := BuildCommands(Options{ConfigPath: "/tmp/cfg.yaml", Clients: []string{"claude", "vim"}})
	if err == nil || !strings.Contains(err.Error(), `"vim"`) {
		t.Fatalf("expected unknown client error, got %v", err)
	}
}

// Tests below swap lookPath and so do not run in parallel.

func TestBuildCommands_DeterministicWhenCLIsPresent(t *testing.T) {
	orig := lookPath
	lookPath = func(name string) (string, error) { return "/bin/" + name, nil }
	defer func() { lookPath = orig }()

	cmds, err := BuildCommands(Options{ConfigPath: "/tmp/cfg.yaml"})
	if err != nil {
		t.Fatalf("BuildCommands() error = %v", err)
	}
	want := []string{
		"codex mcp remove working-memory",
		"codex mcp add working-memory -- working-memory serve --config /tmp/cfg.yaml",
		"claude mcp remove -s user working-memory",
		"claude mcp add -s user working-memory -- working-memory serve --config /tmp/cfg.yaml",
		"gemini mcp remove -s user working-memory",
		"gemini mcp add -s user working-memory working-memory serve --config /tmp/cfg.yaml",
	}
	if len(cmds) != len(want) {
		t.Fatalf("expected %d commands, got %d", len(want), len(cmds))
	}
	for i, c := range cmds {
		if c.String() != want[i] {
			t.Errorf("cmds[%d] = %q, want %q", i, c.String(), want[i])
		}
	}
}

func TestBuildCommands_SkipsMissingCLIs(t *testing.T) {
	orig := lookPath
	lookPath = func(name string) (string, error) {
		if name == "claude" {
			return "/bin/claude", nil
		}
		return "", errors.New("not found")
	}
	defer func() { lookPath = orig }()

	cmds, err := BuildCommands(Options{ConfigPath: "/tmp/cfg.yaml", Scope: "project", Clients: []string{"Claude", "gemini"}})
	if err != nil {
		t.Fatalf("BuildCommands() error = %v", err)
	}
	if len(cmds) != 2 || cmds[0].Name != "claude" || !cmds[0].Removal {
		t.Fatalf("expected claude remove+add only, got %+v", cmds)
	}
	if !strings.Contains(cmds[1].String(), "-s project") {
		t.Fatalf("expected project scope, got %q", cmds[1].String())
	}
}

func TestBootstrap_IgnoresRemoveFailuresAndWritesAudit(t *testing.T) {
	orig := lookPath
	lookPath = func(name string) (string, error) { return "/bin/" + name, nil }
	defer func() { lookPath = orig }()

	audit := filepath.Join(t.TempDir(), "audit", "last.log")
	runner := &recordingRunner{fail: map[string]bool{"codex mcp remove working-memory": true}}
	err := Bootstrap(log.NewWithOptions(io.Discard, log.Options{}), Options{
		ConfigPath: "/tmp/cfg.yaml",
		Clients:    []string{"codex"},
		AuditPath:  audit,
	}, runner)
	if err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if len(runner.calls) != 2 {
		t.Fatalf("expected 2 runs, got %v", runner.calls)
	}
	b, err := os.ReadFile(audit)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(b), "codex mcp add working-memory") {
		t.Fatalf("audit log missing add command:\n%s", b)
	}
}

func TestBootstrap_DryRunDoesNotExecute(t *testing.T) {
	orig := lookPath
	lookPath = func(name string) (string, error) { return "/bin/" + name, nil }
	defer func() { lookPath = orig }()

	runner := &recordingRunner{}
	err := Bootstrap(log.NewWithOptions(io.Discard, log.Options{}), Options{
		ConfigPath: "/tmp/cfg.yaml",
		DryRun:     true,
		AuditPath:  filepath.Join(t.TempDir(), "last.log"),
	}, runner)
	if err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if len(runner.calls) != 0 {
		t.Fatalf("dry run executed %v", runner.calls)
	}
}
