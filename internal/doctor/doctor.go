package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/g960059/termrelay/internal/config"
	"github.com/g960059/termrelay/internal/logging"
	"github.com/g960059/termrelay/internal/registry"
)

type Check struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass | warn | fail
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

type Result struct {
	OK       bool     `json:"ok"`
	Checks   []Check  `json:"checks"`
	Warnings []string `json:"warnings,omitempty"`
}

// Run inspects the local setup a relayed session depends on. A missing
// registry or output sink only warns: sessions still run without them.
func Run(ctx context.Context, cfg config.Config) Result {
	out := Result{OK: true}
	add := func(c Check) {
		out.Checks = append(out.Checks, c)
		if c.Status == "warn" {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Message))
		}
		if c.Status == "fail" {
			out.OK = false
		}
	}

	if err := cfg.Validate(); err != nil {
		add(Check{Name: "config", Status: "fail", Message: err.Error()})
	} else {
		add(Check{Name: "config", Status: "pass", Message: "valid"})
	}
	add(checkBinary(cfg))
	add(checkDir("socket_dir", cfg.SocketDir))
	add(checkDir("log_dir", cfg.LogDir))
	add(checkRegistry(ctx, cfg))
	add(checkSink(cfg.OutputSocketPath()))
	return out
}

func checkBinary(cfg config.Config) Check {
	candidate := cfg.ResolveBinary()
	path, err := exec.LookPath(candidate)
	if err != nil {
		return Check{Name: "binary", Status: "fail", Message: fmt.Sprintf("%s not found", cfg.BinaryName), Path: candidate}
	}
	info, err := os.Stat(path)
	if err != nil {
		return Check{Name: "binary", Status: "fail", Message: fmt.Sprintf("stat error: %v", err), Path: path}
	}
	if info.Mode()&0o111 == 0 {
		return Check{Name: "binary", Status: "fail", Message: "not executable", Path: path}
	}
	return Check{Name: "binary", Status: "pass", Message: "found", Path: path}
}

func checkDir(name, dir string) Check {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Check{Name: name, Status: "warn", Message: "does not exist yet; created on first use", Path: dir}
		}
		return Check{Name: name, Status: "fail", Message: fmt.Sprintf("stat error: %v", err), Path: dir}
	}
	if !info.IsDir() {
		return Check{Name: name, Status: "fail", Message: "not a directory", Path: dir}
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return Check{Name: name, Status: "fail", Message: "not writable", Path: dir}
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())
	if info.Mode().Perm()&0o077 != 0 {
		return Check{Name: name, Status: "warn", Message: fmt.Sprintf("mode %o is readable by others", info.Mode().Perm()), Path: dir}
	}
	return Check{Name: name, Status: "pass", Message: "writable", Path: dir}
}

func checkRegistry(ctx context.Context, cfg config.Config) Check {
	path := cfg.RegistrySocketPath()
	client := registry.NewClient(cfg, logging.Discard())
	if !client.Available() {
		return Check{Name: "registry", Status: "warn", Message: "not running; sessions run unregistered", Path: path}
	}
	sessions, err := client.List(ctx)
	if err != nil {
		return Check{Name: "registry", Status: "fail", Message: fmt.Sprintf("socket present but not answering: %v", err), Path: path}
	}
	return Check{Name: "registry", Status: "pass", Message: fmt.Sprintf("answering, %d sessions", len(sessions)), Path: path}
}

func checkSink(path string) Check {
	info, err := os.Stat(path)
	if err != nil || info.Mode()&os.ModeSocket == 0 {
		return Check{Name: "output_sink", Status: "warn", Message: "no listener; output is not forwarded", Path: path}
	}
	return Check{Name: "output_sink", Status: "pass", Message: "listening", Path: filepath.Clean(path)}
}
