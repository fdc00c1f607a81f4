// Package policy screens commands that arrive from remote callers before
// they are typed into a shell session.
package policy

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

var (
	shellDashC   = regexp.MustCompile(`(^|[;&|]\s*)(bash|sh|zsh|fish|dash)\s+-c(\s|$)`)
	evalCall     = regexp.MustCompile(`(^|[;&|]\s*)eval(\s|$)`)
	redirectPath = regexp.MustCompile(`(?:^|[\s;|&])(?:>|>>|1>|2>|&>)\s*([^\s]+)`)
)

var wrappers = []string{"sudo", "command", "nohup", "exec", "time"}

// Error reports which rule rejected a command.
type Error struct {
	Rule    string
	Detail  string
	Command string
}

func (e *Error) Error() string {
	return fmt.Sprintf("command rejected (%s): %s", e.Rule, e.Detail)
}

// IsViolation reports whether err, or anything it wraps, is a policy *Error.
func IsViolation(err error) bool {
	var perr *Error
	return errors.As(err, &perr)
}

// Policy confines commands to Root. An empty Root still applies the
// command-shape rules but rejects any command that names a path.
type Policy struct {
	Root string
}

// CheckAll returns the first violation among commands.
func (p Policy) CheckAll(commands []string) error {
	for _, c := range commands {
		if err := p.Check(c); err != nil {
			return err
		}
	}
	return nil
}

func (p Policy) Check(raw string) error {
	cmd := strings.TrimSpace(raw)
	if cmd == "" {
		return nil
	}
	reject := func(rule, detail string) error {
		return &Error{Rule: rule, Detail: detail, Command: cmd}
	}

	lower := strings.ToLower(cmd)
	switch {
	case strings.Contains(cmd, "`") || strings.Contains(cmd, "$("):
		return reject("no_substitution", "command substitution is not allowed")
	case shellDashC.MatchString(lower):
		return reject("no_shell_dash_c", "nested shell -c is not allowed")
	case evalCall.MatchString(lower):
		return reject("no_eval", "eval is not allowed")
	case strings.Contains(cmd, "../") || strings.Contains(cmd, `..\`):
		return reject("no_traversal", "parent directory references are not allowed")
	}

	fields := strings.Fields(cmd)
	paths := pathTokens(cmd, fields)
	for _, path := range paths {
		if strings.ContainsAny(path, "$%") {
			return reject("no_variable_paths", "paths built from variables are not allowed")
		}
	}
	if exe, args := unwrap(fields); exe == "rm" && recursive(args) {
		for _, arg := range args {
			if !strings.HasPrefix(arg, "-") && filepath.IsAbs(unquote(arg)) {
				return reject("no_recursive_rm_absolute", "recursive rm of an absolute path is not allowed")
			}
		}
	}
	return p.checkScope(cmd, paths)
}

func (p Policy) checkScope(cmd string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	root := strings.TrimSpace(p.Root)
	if root == "" {
		return &Error{Rule: "no_root", Detail: "paths are not allowed without a root directory", Command: cmd}
	}
	root = canonical(root)
	for _, path := range paths {
		if strings.HasPrefix(path, "~") {
			return &Error{Rule: "no_home_paths", Detail: "home-relative paths are not allowed", Command: cmd}
		}
		target := path
		if !filepath.IsAbs(target) {
			target = filepath.Join(root, target)
		}
		if !within(root, canonical(target)) {
			return &Error{Rule: "outside_root", Detail: fmt.Sprintf("path %q is outside %s", path, root), Command: cmd}
		}
	}
	return nil
}

func pathTokens(raw string, fields []string) []string {
	var paths []string
	add := func(tok string) {
		if tok = unquote(tok); looksLikePath(tok) {
			paths = append(paths, tok)
		}
	}
	for _, f := range fields {
		if strings.HasPrefix(f, "-") {
			if _, value, ok := strings.Cut(f, "="); ok {
				add(value)
			}
			continue
		}
		add(f)
	}
	for _, m := range redirectPath.FindAllStringSubmatch(raw, -1) {
		add(m[1])
	}
	return paths
}

func looksLikePath(tok string) bool {
	if tok == "" || strings.Contains(tok, "://") {
		return false
	}
	return strings.HasPrefix(tok, ".") || strings.HasPrefix(tok, "~") || strings.ContainsAny(tok, `/\`)
}

// unwrap skips wrappers such as sudo and env assignments and returns the
// base name of the real executable with its arguments.
func unwrap(fields []string) (string, []string) {
	i := 0
	for i < len(fields) {
		base := filepath.Base(fields[i])
		switch {
		case slices.Contains(wrappers, strings.ToLower(base)):
			i++
		case base == "env" || isAssignment(fields[i]):
			i++
		default:
			return strings.ToLower(base), fields[i+1:]
		}
	}
	return "", nil
}

func recursive(args []string) bool {
	for _, arg := range args {
		if arg == "--recursive" || (strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--") && strings.ContainsAny(arg, "rR")) {
			return true
		}
	}
	return false
}

func isAssignment(tok string) bool {
	key, _, ok := strings.Cut(tok, "=")
	if !ok || key == "" {
		return false
	}
	for i, r := range key {
		letter := r == '_' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')
		if !letter && (i == 0 || r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func unquote(tok string) string {
	tok = strings.TrimSpace(tok)
	for len(tok) >= 2 && (tok[0] == '\'' || tok[0] == '"') && tok[len(tok)-1] == tok[0] {
		tok = strings.TrimSpace(tok[1 : len(tok)-1])
	}
	return tok
}

func canonical(path string) string {
	path = filepath.Clean(path)
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return path
}

func within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
