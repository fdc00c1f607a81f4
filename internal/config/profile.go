package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"

	"github.com/user/ptyexpect/configs"
	"github.com/user/ptyexpect/expect"
)

// Profile is a named session definition stored as YAML.
type Profile struct {
	Name          string   `yaml:"name"`
	Cmd           Command  `yaml:"cmd"`
	Prompt        Prompts  `yaml:"prompt"`
	DisconnectCmd string   `yaml:"disconnect_cmd"`
	Timeout       Duration `yaml:"timeout,omitempty"`
	Debug         int      `yaml:"debug,omitempty"`
	Verbose       int      `yaml:"verbose,omitempty"`
	RawPty        bool     `yaml:"raw_pty,omitempty"`
	Env           []string `yaml:"env,omitempty"`
	Dir           string   `yaml:"dir,omitempty"`
	MaxBuffer     int      `yaml:"max_buffer,omitempty"`
	Cols          uint16   `yaml:"cols,omitempty"`
	Rows          uint16   `yaml:"rows,omitempty"`

	// Source is the file or embedded path the profile was read from.
	Source string `yaml:"-"`
}

// Command is an argv that may be written as a shell-quoted string or a list.
type Command []string

func (c *Command) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		words, err := shellquote.Split(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: parse cmd %q: %w", node.Line, node.Value, err)
		}
		*c = words
	case yaml.SequenceNode:
		var argv []string
		if err := node.Decode(&argv); err != nil {
			return fmt.Errorf("line %d: decode cmd: %w", node.Line, err)
		}
		*c = argv
	default:
		return fmt.Errorf("line %d: cmd must be a string or a list", node.Line)
	}
	return nil
}

// String renders the command in shell-quoted form.
func (c Command) String() string {
	return shellquote.Join(c...)
}

// PromptSpec is one prompt pattern: a bare string is a literal, a mapping
// with "re" is a regular expression.
type PromptSpec struct {
	Literal string `yaml:"literal,omitempty" json:"literal,omitempty"`
	Regex   string `yaml:"re,omitempty" json:"re,omitempty"`
}

func (p *PromptSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*p = PromptSpec{Literal: node.Value}
		return nil
	case yaml.MappingNode:
		type plain PromptSpec
		var v plain
		if err := node.Decode(&v); err != nil {
			return fmt.Errorf("line %d: decode prompt: %w", node.Line, err)
		}
		if (v.Literal == "") == (v.Regex == "") {
			return fmt.Errorf("line %d: prompt needs exactly one of literal or re", node.Line)
		}
		*p = PromptSpec(v)
		return nil
	default:
		return fmt.Errorf("line %d: prompt must be a string or a mapping", node.Line)
	}
}

// MarshalYAML writes literals back as plain scalars.
func (p PromptSpec) MarshalYAML() (any, error) {
	if p.Regex != "" {
		return map[string]string{"re": p.Regex}, nil
	}
	return p.Literal, nil
}

// Pattern compiles the entry into an expect pattern.
func (p PromptSpec) Pattern() (expect.Pattern, error) {
	if p.Regex != "" {
		return expect.Regex(p.Regex)
	}
	return expect.Literal(p.Literal), nil
}

// Prompts accepts either a single prompt or a list of them.
type Prompts []PromptSpec

func (p *Prompts) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		var specs []PromptSpec
		if err := node.Decode(&specs); err != nil {
			return err
		}
		*p = specs
		return nil
	}
	var one PromptSpec
	if err := node.Decode(&one); err != nil {
		return err
	}
	*p = Prompts{one}
	return nil
}

// Duration reads either a Go duration string ("5s") or a number of seconds.
type Duration time.Duration

// maxTimeoutSeconds is the largest whole number of seconds a time.Duration
// holds.
const maxTimeoutSeconds = float64(math.MaxInt64 / int64(time.Second))

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: timeout must be a scalar", node.Line)
	}
	if secs, err := strconv.ParseFloat(node.Value, 64); err == nil {
		if math.IsNaN(secs) || secs < 0 || secs > maxTimeoutSeconds {
			return fmt.Errorf("line %d: timeout %q must be between 0 and %.0f seconds", node.Line, node.Value, maxTimeoutSeconds)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: parse timeout %q: %w", node.Line, node.Value, err)
	}
	if parsed < 0 {
		return fmt.Errorf("line %d: timeout %q must not be negative", node.Line, node.Value)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	if d == 0 {
		return nil, nil
	}
	return time.Duration(d).String(), nil
}

// Marshal encodes a profile in the same format Parse reads.
func Marshal(p *Profile) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("encode profile: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode profile: %w", err)
	}
	return buf.Bytes(), nil
}

// Parse decodes a single YAML profile. Unknown keys are rejected.
func Parse(data []byte) (*Profile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Profile
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}

// LoadProfile reads a profile file. The name defaults to the file stem.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %q: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("profile %q: %w", path, err)
	}
	if strings.TrimSpace(p.Name) == "" {
		p.Name = profileStem(path)
	}
	p.Source = path
	return p, nil
}

// ExpectConfig converts the profile into a session configuration.
func (p *Profile) ExpectConfig() (expect.Config, error) {
	patterns := make([]expect.Pattern, 0, len(p.Prompt))
	for i, spec := range p.Prompt {
		pat, err := spec.Pattern()
		if err != nil {
			return expect.Config{}, fmt.Errorf("profile %q prompt %d: %w", p.Name, i+1, err)
		}
		patterns = append(patterns, pat)
	}
	return expect.Config{
		Cmd:           append([]string(nil), p.Cmd...),
		Prompt:        patterns,
		DisconnectCmd: p.DisconnectCmd,
		Timeout:       time.Duration(p.Timeout),
		Debug:         p.Debug,
		Verbose:       p.Verbose,
		RawPty:        p.RawPty,
		Env:           append([]string(nil), p.Env...),
		Dir:           p.Dir,
		MaxBuffer:     p.MaxBuffer,
		Cols:          p.Cols,
		Rows:          p.Rows,
	}, nil
}

// LoadProfiles returns the embedded default profiles overlaid with the
// *.yaml / *.yml files in dir. A missing dir only yields the defaults.
func LoadProfiles(dir string) (map[string]*Profile, error) {
	out := make(map[string]*Profile)

	embedded, err := fs.Glob(configs.Profiles, "profiles/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("list embedded profiles: %w", err)
	}
	for _, name := range embedded {
		data, err := configs.Profiles.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read embedded profile %q: %w", name, err)
		}
		p, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("embedded profile %q: %w", name, err)
		}
		if strings.TrimSpace(p.Name) == "" {
			p.Name = profileStem(name)
		}
		p.Source = "embedded:" + name
		out[p.Name] = p
	}

	if strings.TrimSpace(dir) == "" {
		return out, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return out, nil
		}
		return nil, fmt.Errorf("read profile dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		p, err := LoadProfile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		out[p.Name] = p
	}
	return out, nil
}

// ProfileNames returns the profile names in sorted order.
func ProfileNames(profiles map[string]*Profile) []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func profileStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
