package proc

import (
	"strings"
)

// Spec describes one assistant invocation
type Spec struct {
	Prompt          string
	Model           string
	WorkingDir      string
	ResumeIdentity  string // resume this session id
	Continue        bool   // continue most recent conversation in the directory
	SettingsJSON    string // passed verbatim to --settings
	SkipPermissions bool
}

// Command is a fully built invocation ready to launch
type Command struct {
	Path string
	Args []string
	Dir  string
}

// buildArgs assembles the argument vector. Order is load-bearing: the
// resume directive must precede the prompt flag, the prompt flag the model
// flag, the model flag the output-format flag. The trailing flags select
// the structured stream; dropping any of them silently switches the binary
// to its human-formatted output.
func buildArgs(spec Spec, darwin bool) []string {
	var args []string

	if spec.ResumeIdentity != "" {
		args = append(args, "--resume", spec.ResumeIdentity)
	}
	if spec.Continue {
		args = append(args, "-c")
	}

	args = append(args, "-p", spec.Prompt)

	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}

	args = append(args, "--output-format", "stream-json")

	// --print only for fresh sessions; it conflicts with resume/continue
	if spec.ResumeIdentity == "" && !spec.Continue {
		args = append(args, "--print")
	}

	args = append(args, "--verbose")

	if spec.SettingsJSON != "" {
		args = append(args, "--settings", spec.SettingsJSON)
	}

	if spec.SkipPermissions && darwin {
		args = append(args, "--dangerously-skip-permissions")
	}

	return args
}

// shellQuote wraps s in single quotes for embedding in a bash -c string,
// escaping embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// toWSLPath translates a Windows path like C:\work\proj into the /mnt/c
// form visible inside WSL. Paths that don't look like drive paths pass
// through unchanged.
func toWSLPath(p string) string {
	if len(p) >= 2 && p[1] == ':' {
		drive := strings.ToLower(string(p[0]))
		rest := strings.ReplaceAll(p[2:], `\`, "/")
		return "/mnt/" + drive + rest
	}
	return strings.ReplaceAll(p, `\`, "/")
}
