// Package policy validates shell command lines before execution. The same
// validator guards the shell tool and the scheduler's command jobs: a command
// that cannot pass Validate is never handed to a subprocess.
package policy

import (
	"regexp"
	"strings"

	"github.com/miosa-osa/osa/internal/oserr"
)

// Violation describes a rejected command line. It is an error value so
// callers can return it directly; the taxonomy code is always
// shell_policy_violation.
type Violation struct {
	Rule   string // short machine-friendly rule name
	Reason string // user-visible explanation, e.g. "blocked: destructive git"
}

func (v *Violation) Error() string { return v.Reason }

// AsError converts the violation into a taxonomy error.
func (v *Violation) AsError() error {
	return oserr.New(oserr.CodeShellPolicyViolation, "%s", v.Reason)
}

var (
	// Leading environment assignments (FOO=bar git …) or separators that
	// smuggle a second command in front of the one we inspect.
	envAssignPrefix  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=\S*\s+`)
	leadingSeparator = regexp.MustCompile("^[;&|`$(]")

	// Recursive clean flags: any single-dash cluster containing both f and d
	// (e.g. -fd, -df, -ffd, -fdx).
	cleanRecursive = regexp.MustCompile(`^-[a-zA-Z]*f[a-zA-Z]*d[a-zA-Z]*$|^-[a-zA-Z]*d[a-zA-Z]*f[a-zA-Z]*$`)
)

const reasonDestructiveGit = "blocked: destructive git"

// Validate inspects a raw command line and returns a *Violation when it
// matches a destructive pattern, nil when it is allowed to run. The check is
// intentionally conservative: a command that merely looks like a disguised
// destructive invocation is rejected too.
func Validate(cmdline string) *Violation {
	trimmed := strings.TrimSpace(cmdline)
	if trimmed == "" {
		return &Violation{Rule: "empty", Reason: "blocked: empty command"}
	}

	if leadingSeparator.MatchString(trimmed) {
		return &Violation{Rule: "prefix", Reason: "blocked: command must start with a bare program name"}
	}
	if envAssignPrefix.MatchString(trimmed) {
		return &Violation{Rule: "prefix", Reason: "blocked: environment assignment prefix"}
	}

	tokens := tokenize(trimmed)
	if len(tokens) == 0 {
		return &Violation{Rule: "empty", Reason: "blocked: empty command"}
	}

	// --no-verify skips commit/push hooks regardless of the program.
	for _, tok := range tokens {
		if tok == "--no-verify" {
			return &Violation{Rule: "no-verify", Reason: "blocked: --no-verify bypasses hooks"}
		}
	}

	if isGitInvocation(tokens[0]) {
		if v := validateGit(tokens[1:]); v != nil {
			return v
		}
		// Path-disguised git (./git, /usr/bin/git) is rejected even when the
		// subcommand itself is harmless: the canonical form is "git …".
		if tokens[0] != "git" {
			return &Violation{Rule: "prefix", Reason: "blocked: non-canonical git invocation"}
		}
	}

	return nil
}

// isGitInvocation matches "git" plus path-disguised forms.
func isGitInvocation(program string) bool {
	if program == "git" {
		return true
	}
	base := program
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	return base == "git"
}

func validateGit(args []string) *Violation {
	if len(args) == 0 {
		return nil
	}

	// Skip global flags (-C dir, -c key=val, --git-dir=…) to find the
	// subcommand.
	sub := ""
	rest := args
	for len(rest) > 0 {
		a := rest[0]
		switch {
		case a == "-C" || a == "-c":
			if len(rest) > 1 {
				rest = rest[2:]
			} else {
				rest = rest[1:]
			}
			continue
		case strings.HasPrefix(a, "-"):
			rest = rest[1:]
			continue
		}
		sub = a
		rest = rest[1:]
		break
	}

	destructive := &Violation{Rule: "git", Reason: reasonDestructiveGit}

	switch sub {
	case "push":
		for _, a := range rest {
			if a == "--force" || a == "-f" || strings.HasPrefix(a, "--force=") || a == "--force-with-lease" || strings.HasPrefix(a, "--force-with-lease=") {
				return destructive
			}
		}
	case "reset":
		for _, a := range rest {
			if a == "--hard" {
				return destructive
			}
		}
	case "clean":
		for _, a := range rest {
			if cleanRecursive.MatchString(a) {
				return destructive
			}
		}
	case "checkout":
		for _, a := range rest {
			if a == "." || a == "*" || strings.Contains(a, "*") {
				return destructive
			}
		}
	case "branch":
		for _, a := range rest {
			if a == "-D" {
				return destructive
			}
		}
	}
	return nil
}

// tokenize splits a command line on whitespace, honoring single and double
// quotes so "git commit -m 'fix --force parsing'" does not trip the flag
// checks on quoted text.
func tokenize(s string) []string {
	var (
		tokens  []string
		current strings.Builder
		quote   byte
	)
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				current.WriteByte(c)
			}
		case c == '\'' || c == '"':
			quote = c
		case c == ' ' || c == '\t':
			flush()
		default:
			current.WriteByte(c)
		}
	}
	flush()
	return tokens
}
