package proc

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// binaryName is the assistant executable the resolver hunts for
const binaryName = "claude"

// Capability bundles the platform-specific pieces: locating the binary,
// shaping the invocation, and force-killing by PID. One implementation is
// selected at startup; call sites never branch on the OS themselves.
type Capability interface {
	// ResolveBinary locates the executable. override, when non-empty, is
	// used verbatim after an existence check.
	ResolveBinary(override string) (string, error)

	// BuildCommand shapes the invocation for a resolved binary
	BuildCommand(binary string, spec Spec) Command

	// KillPID forcefully terminates a process when its handle is gone
	KillPID(pid int) error
}

// ForHost returns the capability for the current OS
func ForHost() Capability {
	if runtime.GOOS == "windows" {
		return &windowsCapability{}
	}
	return &unixCapability{darwin: runtime.GOOS == "darwin"}
}

// unixCapability covers linux and darwin
type unixCapability struct {
	darwin bool
}

func (u *unixCapability) ResolveBinary(override string) (string, error) {
	if override != "" {
		if isExecutable(override) {
			return override, nil
		}
		return "", fmt.Errorf("%w: configured path %s is not executable", ErrBinaryNotFound, override)
	}

	home, _ := os.UserHomeDir()
	candidates := []string{
		"/usr/local/bin/" + binaryName,
		filepath.Join(home, ".local", "bin", binaryName),
		filepath.Join(home, "."+binaryName, "local", binaryName),
	}
	for _, c := range candidates {
		if isExecutable(c) {
			return c, nil
		}
	}

	if path, err := exec.LookPath(binaryName); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("%w: searched %s and PATH", ErrBinaryNotFound, strings.Join(candidates, ", "))
}

func (u *unixCapability) BuildCommand(binary string, spec Spec) Command {
	return Command{
		Path: binary,
		Args: buildArgs(spec, u.darwin),
		Dir:  spec.WorkingDir,
	}
}

// KillPID is the fallback when the process handle is no longer held.
// Every launched process leads its own group, so the signals reach its
// descendants too.
func (u *unixCapability) KillPID(pid int) error {
	return killTree(pid)
}

// windowsCapability runs the binary through WSL; there is no native build.
type windowsCapability struct{}

func (w *windowsCapability) ResolveBinary(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	path, err := exec.LookPath("wsl.exe")
	if err != nil {
		return "", fmt.Errorf("%w: wsl.exe not found", ErrBinaryNotFound)
	}
	return path, nil
}

// BuildCommand assembles the whole inner invocation as a single escaped
// bash string run inside WSL. The working directory is translated to its
// /mnt form and entered inside the shell, since the Windows cwd does not
// carry across the WSL boundary.
func (w *windowsCapability) BuildCommand(binary string, spec Spec) Command {
	inner := make([]string, 0, 16)
	inner = append(inner, binaryName)
	for _, a := range buildArgs(spec, false) {
		inner = append(inner, shellQuote(a))
	}

	script := fmt.Sprintf("cd %s && %s", shellQuote(toWSLPath(spec.WorkingDir)), strings.Join(inner, " "))

	return Command{
		Path: binary,
		Args: []string{"-e", "bash", "-c", script},
	}
}

func (w *windowsCapability) KillPID(pid int) error {
	return killTree(pid)
}

// isExecutable reports whether path exists and has an execute bit set
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}
