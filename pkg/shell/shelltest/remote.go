// Package shelltest provides a scripted remote machine for tests of code built on the shell executor.
package shelltest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/beldeveloper/app-cicd/pkg/shell"
)

// Home is the home directory reported by the fake remote.
const Home = "/home/cicd"

var errKilled = errors.New("killed")

// Line is one output line of a scripted reply.
type Line struct {
	Stderr bool
	Text   string
}

// Reply is the scripted outcome of one remote command.
type Reply struct {
	Stdout string
	Stderr string
	Exit   int
	// Lines replaces Stdout and Stderr when the order between the streams matters.
	Lines []Line
	// Hang keeps the command running until it is killed.
	Hang bool
	// Silent never confirms the start, as a dead connection would.
	Silent bool
}

// Call is one command received by the fake remote.
type Call struct {
	Command string
	Dir     string
	Env     map[string]string
}

// HandlerFunc computes the reply of a call.
type HandlerFunc func(c Call) Reply

type route struct {
	prefix string
	fn     HandlerFunc
}

// New creates an empty fake remote, unknown commands succeed without output.
func New() *Remote {
	return &Remote{files: make(map[string][]byte)}
}

// Remote implements shell.Transport.
type Remote struct {
	mu     sync.Mutex
	routes []route
	calls  []Call
	files  map[string][]byte
}

// On replies to the commands starting with the prefix. Later registrations win.
func (r *Remote) On(prefix string, reply Reply) *Remote {
	return r.Handle(prefix, func(Call) Reply { return reply })
}

// Handle computes replies to the commands starting with the prefix. Later registrations win.
func (r *Remote) Handle(prefix string, fn HandlerFunc) *Remote {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append([]route{{prefix: prefix, fn: fn}}, r.routes...)
	return r
}

// Calls returns the received calls in order.
func (r *Remote) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Commands returns the received command lines in order.
func (r *Remote) Commands() []string {
	calls := r.Calls()
	res := make([]string, len(calls))
	for i, c := range calls {
		res[i] = c.Command
	}
	return res
}

// Count returns how many received commands start with the prefix.
func (r *Remote) Count(prefix string) int {
	n := 0
	for _, c := range r.Commands() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// File returns the content uploaded to the path.
func (r *Remote) File(p string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	content, ok := r.files[p]
	return content, ok
}

// SetFile makes the content downloadable from the path.
func (r *Remote) SetFile(p string, content []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[p] = content
}

// Start implements shell.Transport.
func (r *Remote) Start(ctx context.Context, script string, stdout, stderr io.Writer) (shell.Process, error) {
	s, err := shell.ParseScript(script)
	if err != nil {
		return nil, err
	}
	call := Call{Command: s.Command, Dir: s.Dir, Env: s.Env}
	reply := r.reply(call)
	p := &process{done: make(chan struct{}), kill: make(chan struct{})}
	go p.emit(s, reply, stdout, stderr)
	return p, nil
}

// Put implements shell.Transport.
func (r *Remote) Put(ctx context.Context, content []byte, dest string) error {
	r.SetFile(dest, content)
	return nil
}

// Get implements shell.Transport.
func (r *Remote) Get(ctx context.Context, src string) ([]byte, error) {
	content, ok := r.File(src)
	if !ok {
		return nil, fmt.Errorf("no such file: %s", src)
	}
	return content, nil
}

func (r *Remote) reply(c Call) Reply {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	routes := r.routes
	r.mu.Unlock()
	for _, rt := range routes {
		if strings.HasPrefix(c.Command, rt.prefix) {
			return rt.fn(c)
		}
	}
	if c.Command == "echo $HOME" {
		return Reply{Stdout: Home}
	}
	return Reply{}
}

type process struct {
	done     chan struct{}
	kill     chan struct{}
	killOnce sync.Once
	code     int
	err      error
}

func (p *process) emit(s shell.Script, reply Reply, stdout, stderr io.Writer) {
	defer close(p.done)
	if reply.Silent {
		<-p.kill
		p.code, p.err = -1, errKilled
		return
	}
	write := func(w io.Writer, text string) bool {
		_, err := io.WriteString(w, text+"\n")
		return err == nil
	}
	ok := write(stdout, s.StartMarker()) && write(stderr, s.StartMarker())
	lines := reply.Lines
	if lines == nil {
		lines = splitLines(reply.Stdout, false)
		lines = append(lines, splitLines(reply.Stderr, true)...)
	}
	for _, l := range lines {
		if !ok {
			break
		}
		if l.Stderr {
			ok = write(stderr, l.Text)
		} else {
			ok = write(stdout, l.Text)
		}
	}
	if reply.Hang || !ok {
		<-p.kill
		p.code, p.err = -1, errKilled
		return
	}
	stop := fmt.Sprintf("%s:%d", s.StopMarker(), reply.Exit)
	write(stdout, stop)
	write(stderr, stop)
	p.code = reply.Exit
}

func (p *process) Wait() (int, error) {
	<-p.done
	return p.code, p.err
}

func (p *process) Kill() error {
	p.killOnce.Do(func() { close(p.kill) })
	return nil
}

func splitLines(text string, stderr bool) []Line {
	if text == "" {
		return nil
	}
	rows := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	res := make([]Line, len(rows))
	for i, row := range rows {
		res[i] = Line{Stderr: stderr, Text: row}
	}
	return res
}
