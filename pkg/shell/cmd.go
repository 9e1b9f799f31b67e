package shell

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultTimeout defines the wall-clock deadline of a remote command.
const DefaultTimeout = 6 * time.Hour

var (
	// ErrConnect represents the error for the cases when the remote side never confirmed the command start.
	ErrConnect = errors.New("remote command did not start")
	// ErrNeedsReload represents the error for the cases when the deployment tool works on a stale instance.
	ErrNeedsReload = errors.New("instance needs reload")
)

// Cmd is a model of the remote command.
type Cmd struct {
	// Args are quoted and joined into one command line.
	Args []string
	// Script is used as is when Args is empty.
	Script     string
	Env        map[string]string
	Dir        string
	AllowError bool
	Timeout    time.Duration
	Quiet      bool
}

// String returns the command line that is executed remotely.
func (c Cmd) String() string {
	if len(c.Args) == 0 {
		return c.Script
	}
	return Join(c.Args)
}

// Result is a model of the finished remote command.
type Result struct {
	ExitCode int           `json:"exitCode"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	TimedOut bool          `json:"timedOut"`
	Duration time.Duration `json:"duration"`
}

// Output returns stdout and stderr together.
func (r Result) Output() string {
	return strings.TrimSpace(strings.TrimSpace(r.Stdout) + "\n" + strings.TrimSpace(r.Stderr))
}

// Lines returns the non-empty stdout lines.
func (r Result) Lines() []string {
	rows := strings.Split(r.Stdout, "\n")
	res := make([]string, 0, len(rows))
	for _, row := range rows {
		row = strings.TrimSpace(row)
		if row != "" {
			res = append(res, row)
		}
	}
	return res
}

// ExitError is returned when a command exits with a non-zero code and errors are not allowed.
type ExitError struct {
	Cmd    string
	Result Result
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q exited with %d; output: %s", e.Cmd, e.Result.ExitCode, e.Result.Output())
}

// TimeoutError is returned when a command was killed after its deadline.
type TimeoutError struct {
	Cmd     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %q timed out after %s", e.Cmd, e.Timeout)
}

// CheckoutMismatchError is returned when HEAD differs from the requested commit after a checkout.
type CheckoutMismatchError struct {
	Want string
	Got  string
}

func (e *CheckoutMismatchError) Error() string {
	return fmt.Sprintf("checked out %s instead of %s", e.Got, e.Want)
}

// Quote quotes the argument for bash when it contains anything but safe characters.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, c := range s {
		if !isSafe(c) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Unquote reverses Quote.
func Unquote(s string) string {
	if len(s) < 2 || s[0] != '\'' || s[len(s)-1] != '\'' {
		return s
	}
	return strings.ReplaceAll(s[1:len(s)-1], `'\''`, "'")
}

// Join quotes and joins the arguments into one command line.
func Join(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}

func isSafe(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.ContainsRune("_-./:=,@%+", c)
}
