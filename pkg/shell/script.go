package shell

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

const (
	scriptHeader = "# cicd:"
	subshellOpen = "(\nset -e\n"
	subshellEnd  = "\n) | cat -\n"
)

// Script is the bash program that frames one remote command with markers.
type Script struct {
	ID      string
	Env     map[string]string
	Dir     string
	Command string
}

// NewScript creates a script with unique markers.
func NewScript(command string, env map[string]string, dir string) Script {
	return Script{
		ID:      uuid.NewString(),
		Env:     env,
		Dir:     dir,
		Command: command,
	}
}

// StartMarker is echoed on both streams right before the command runs.
func (s Script) StartMarker() string {
	return "__CICD_START_" + s.ID + "__"
}

// StopMarker is echoed on both streams with the exit code after the command finished.
func (s Script) StopMarker() string {
	return "__CICD_STOP_" + s.ID + "__"
}

// Render returns the bash source.
func (s Script) Render() string {
	var b strings.Builder
	b.WriteString(scriptHeader + s.ID + "\n")
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s\n", k, Quote(s.Env[k]))
	}
	if s.Dir != "" {
		fmt.Fprintf(&b, "cd %s || exit 97\n", Quote(s.Dir))
	}
	fmt.Fprintf(&b, "echo %s\necho %s >&2\n", s.StartMarker(), s.StartMarker())
	b.WriteString("set -o pipefail\n")
	b.WriteString(subshellOpen)
	b.WriteString(s.Command)
	b.WriteString(subshellEnd)
	b.WriteString("rc=$?\n")
	fmt.Fprintf(&b, "echo %s:$rc\necho %s:$rc >&2\n", s.StopMarker(), s.StopMarker())
	b.WriteString("exit $rc\n")
	return b.String()
}

// ParseScript reads back a rendered script.
func ParseScript(text string) (Script, error) {
	var s Script
	if !strings.HasPrefix(text, scriptHeader) {
		return s, fmt.Errorf("parseScript -> missing header")
	}
	head := text[len(scriptHeader):]
	nl := strings.IndexByte(head, '\n')
	if nl < 0 {
		return s, fmt.Errorf("parseScript -> truncated header")
	}
	s.ID = head[:nl]
	open := strings.Index(text, subshellOpen)
	end := strings.LastIndex(text, subshellEnd)
	if open < 0 || end < open {
		return s, fmt.Errorf("parseScript -> missing command block")
	}
	s.Command = text[open+len(subshellOpen) : end]
	s.Env = make(map[string]string)
	for _, row := range strings.Split(text[:open], "\n") {
		switch {
		case strings.HasPrefix(row, "export "):
			kv := strings.SplitN(strings.TrimPrefix(row, "export "), "=", 2)
			if len(kv) == 2 {
				s.Env[kv[0]] = Unquote(kv[1])
			}
		case strings.HasPrefix(row, "cd ") && strings.HasSuffix(row, " || exit 97"):
			s.Dir = Unquote(strings.TrimSuffix(strings.TrimPrefix(row, "cd "), " || exit 97"))
		}
	}
	return s, nil
}
