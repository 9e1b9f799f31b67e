package shell

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"sync"
)

type stream int

const (
	streamStdout stream = iota
	streamStderr
)

// collector splits both output streams into lines, strips the markers and tracks the command progress.
type collector struct {
	start string
	stop  string
	sink  LineSink

	mu        sync.Mutex
	seenStart [2]bool
	seenStop  [2]bool
	preamble  [2][]string
	lines     [2][]string
	code      int
	codeSeen  bool

	started   chan struct{}
	stopped   chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

func newCollector(s Script, sink LineSink) *collector {
	return &collector{
		start:   s.StartMarker(),
		stop:    s.StopMarker(),
		sink:    sink,
		started: make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (c *collector) read(r io.Reader, s stream, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		c.feed(s, sc.Text())
	}
	if sc.Err() != nil {
		_, _ = io.Copy(io.Discard, r)
	}
}

func (c *collector) feed(s stream, line string) {
	line = strings.TrimRight(line, "\r")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seenStop[s] {
		return
	}
	if i := strings.Index(line, c.start); i >= 0 {
		if pre := line[:i]; pre != "" {
			c.keep(s, pre)
		}
		c.seenStart[s] = true
		c.startOnce.Do(func() { close(c.started) })
		return
	}
	if i := strings.Index(line, c.stop); i >= 0 {
		if pre := line[:i]; pre != "" {
			c.keep(s, pre)
		}
		c.seenStop[s] = true
		code, err := strconv.Atoi(strings.TrimPrefix(line[i+len(c.stop):], ":"))
		if err == nil {
			c.code = code
			c.codeSeen = true
		}
		if c.seenStop[streamStdout] && c.seenStop[streamStderr] {
			c.stopOnce.Do(func() { close(c.stopped) })
		}
		return
	}
	c.keep(s, line)
}

func (c *collector) keep(s stream, line string) {
	if line == "" && !c.seenStart[s] {
		return
	}
	if !c.seenStart[s] {
		c.preamble[s] = append(c.preamble[s], line)
		return
	}
	c.lines[s] = append(c.lines[s], line)
	if s == streamStdout {
		c.sink.Info(line)
	} else {
		c.sink.Error(line)
	}
}

func (c *collector) hasStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seenStart[streamStdout] || c.seenStart[streamStderr]
}

func (c *collector) visible(s stream) []string {
	if !c.seenStart[s] {
		return c.preamble[s]
	}
	return c.lines[s]
}

func (c *collector) result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := Result{ExitCode: -1}
	if c.codeSeen {
		res.ExitCode = c.code
	}
	res.Stdout = strings.Join(c.visible(streamStdout), "\n")
	res.Stderr = strings.Join(c.visible(streamStderr), "\n")
	return res
}

func (c *collector) exited(w exit) (Result, error) {
	res := c.result()
	if w.err == nil && w.code >= 0 {
		res.ExitCode = w.code
		return res, nil
	}
	if res.ExitCode >= 0 {
		return res, nil
	}
	return res, w.err
}
