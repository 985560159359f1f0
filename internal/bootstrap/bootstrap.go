// Package bootstrap registers the working memory MCP server with installed
// agent CLIs.
package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const (
	DefaultServerName = "working-memory"
	DefaultServeCmd   = "working-memory serve"
)

var lookPath = exec.LookPath

// Options control CLI bootstrap behavior.
type Options struct {
	ConfigPath string
	Scope      string
	ServerName string
	ServeCmd   string
	// Clients names the CLIs to configure. Empty means every known client.
	Clients []string
	DryRun  bool
	// AuditPath overrides the audit log location.
	AuditPath string
}

// Command captures an executable command.
type Command struct {
	Name string
	Args []string
	// Removal commands may fail when nothing is registered yet.
	Removal bool
}

func (c Command) String() string {
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Runner executes system commands.
type Runner interface {
	Run(name string, args ...string) error
}

// OSRunner executes commands via os/exec.
type OSRunner struct{}

func (OSRunner) Run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// client describes how one agent CLI registers stdio MCP servers.
type client struct {
	name   string
	scoped bool
	addSep bool
}

var clients = []client{
	{name: "codex", scoped: false, addSep: true},
	{name: "claude", scoped: true, addSep: true},
	{name: "gemini", scoped: true, addSep: false},
}

// KnownClients lists the CLIs bootstrap can configure, in command order.
func KnownClients() []string {
	names := make([]string, 0, len(clients))
	for _, c := range clients {
		names = append(names, c.name)
	}
	return names
}

// Bootstrap configures the MCP server for installed agent CLIs and writes the
// issued commands to an audit log.
func Bootstrap(logger *log.Logger, opts Options, runner Runner) error {
	if runner == nil {
		runner = OSRunner{}
	}
	cmds, err := BuildCommands(opts)
	if err != nil {
		return err
	}
	if len(cmds) == 0 {
		return errors.New("no supported agent CLI found on PATH")
	}

	auditPath := opts.AuditPath
	if auditPath == "" {
		if auditPath, err = defaultAuditPath(); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(auditPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(auditPath)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintf(f, "# working-memory bootstrap %s\n", time.Now().UTC().Format(time.RFC3339))
	for _, c := range cmds {
		line := c.String()
		fmt.Fprintln(f, line)
		logger.Info("bootstrap command", "cmd", line, "dry_run", opts.DryRun)
		if opts.DryRun {
			continue
		}
		if err := runner.Run(c.Name, c.Args...); err != nil {
			if c.Removal {
				logger.Debug("ignoring remove error", "cmd", line, "error", err)
				continue
			}
			return fmt.Errorf("run %q: %w", line, err)
		}
	}

	logger.Info("bootstrap complete", "audit_log", auditPath, "commands", len(cmds))
	return nil
}

// BuildCommands returns a remove and add pair for each selected client found
// on PATH, in a fixed order.
func BuildCommands(opts Options) ([]Command, error) {
	if opts.Scope == "" {
		opts.Scope = "user"
	}
	if opts.Scope != "user" && opts.Scope != "project" {
		return nil, fmt.Errorf("invalid scope %q (expected user or project)", opts.Scope)
	}
	if strings.TrimSpace(opts.ConfigPath) == "" {
		return nil, errors.New("config path is required")
	}
	if strings.TrimSpace(opts.ServerName) == "" {
		opts.ServerName = DefaultServerName
	}
	serve := strings.Fields(opts.ServeCmd)
	if len(serve) == 0 {
		serve = strings.Fields(DefaultServeCmd)
	}
	serve = append(serve, "--config", opts.ConfigPath)

	selected, err := selectClients(opts.Clients)
	if err != nil {
		return nil, err
	}

	cmds := make([]Command, 0, 2*len(selected))
	for _, c := range selected {
		if !commandExists(c.name) {
			continue
		}
		remove := []string{"mcp", "remove"}
		add := []string{"mcp", "add"}
		if c.scoped {
			remove = append(remove, "-s", opts.Scope)
			add = append(add, "-s", opts.Scope)
		}
		remove = append(remove, opts.ServerName)
		add = append(add, opts.ServerName)
		if c.addSep {
			add = append(add, "--")
		}
		add = append(add, serve...)
		cmds = append(cmds,
			Command{Name: c.name, Args: remove, Removal: true},
			Command{Name: c.name, Args: add},
		)
	}
	return cmds, nil
}

func selectClients(names []string) ([]client, error) {
	if len(names) == 0 {
		return clients, nil
	}
	want := map[string]bool{}
	for _, n := range names {
		want[strings.ToLower(strings.TrimSpace(n))] = true
	}
	out := make([]client, 0, len(want))
	for _, c := range clients {
		if want[c.name] {
			out = append(out, c)
			delete(want, c.name)
		}
	}
	for n := range want {
		return nil, fmt.Errorf("unknown client %q (known: %s)", n, strings.Join(KnownClients(), ", "))
	}
	return out, nil
}

func commandExists(name string) bool {
	_, err := lookPath(name)
	return err == nil
}

func defaultAuditPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".working-memory", "bootstrap-last.log"), nil
}
