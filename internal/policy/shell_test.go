package policy

import (
	"testing"

	"github.com/miosa-osa/osa/internal/oserr"
)

func TestValidate_DestructiveGit(t *testing.T) {
	tests := []struct {
		name string
		cmd  string
	}{
		{"force push long", "git push --force"},
		{"force push short", "git push -f origin main"},
		{"force with lease", "git push --force-with-lease origin main"},
		{"hard reset", "git reset --hard HEAD~3"},
		{"recursive clean", "git clean -fd"},
		{"recursive clean reversed", "git clean -df"},
		{"wildcard checkout dot", "git checkout ."},
		{"wildcard checkout star", "git checkout *"},
		{"force branch delete", "git branch -D feature/x"},
		{"path disguised git", "/usr/bin/git push --force"},
		{"relative disguised git", "./git push -f"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Validate(tt.cmd)
			if v == nil {
				t.Fatalf("Validate(%q) = nil, want violation", tt.cmd)
			}
			if v.Reason != "blocked: destructive git" {
				t.Errorf("Reason = %q, want %q", v.Reason, "blocked: destructive git")
			}
			if got := oserr.CodeOf(v.AsError()); got != oserr.CodeShellPolicyViolation {
				t.Errorf("code = %q, want shell_policy_violation", got)
			}
		})
	}
}

func TestValidate_NonGitRules(t *testing.T) {
	tests := []struct {
		name string
		cmd  string
		rule string
	}{
		{"empty", "", "empty"},
		{"whitespace only", "   ", "empty"},
		{"no verify", "git commit --no-verify -m x", "no-verify"},
		{"no verify non git", "somecmd --no-verify", "no-verify"},
		{"env prefix", "GIT_DIR=/tmp git push --force", "prefix"},
		{"leading separator", "; rm -rf /", "prefix"},
		{"leading pipe", "| cat", "prefix"},
		{"non-canonical git", "/opt/git status", "prefix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Validate(tt.cmd)
			if v == nil {
				t.Fatalf("Validate(%q) = nil, want violation", tt.cmd)
			}
			if v.Rule != tt.rule {
				t.Errorf("Rule = %q, want %q", v.Rule, tt.rule)
			}
		})
	}
}

func TestValidate_AllowsSafeCommands(t *testing.T) {
	safe := []string{
		"echo hi",
		"ls -la",
		"git status",
		"git push origin main",
		"git reset --soft HEAD~1",
		"git clean -n",
		"git checkout feature/x",
		"git branch -d merged-branch",
		"git commit -m 'mention --force in a message'",
		`git commit -m "reset --hard docs"`,
		"curl https://example.com",
	}
	for _, cmd := range safe {
		if v := Validate(cmd); v != nil {
			t.Errorf("Validate(%q) = %q, want nil", cmd, v.Reason)
		}
	}
}

func TestTokenize_Quotes(t *testing.T) {
	got := tokenize(`git commit -m 'a b' -n "c d"`)
	want := []string{"git", "commit", "-m", "a b", "-n", "c d"}
	if len(got) != len(want) {
		t.Fatalf("tokenize() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
