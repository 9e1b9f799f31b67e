package shell

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordSink struct {
	info, errs []string
}

func (s *recordSink) Info(line string)  { s.info = append(s.info, line) }
func (s *recordSink) Error(line string) { s.errs = append(s.errs, line) }

func TestCollectorStripsMarkersFromRandomInterleavings(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		s := NewScript("true", nil, "")
		sink := &recordSink{}
		c := newCollector(s, sink)

		var wantOut, wantErr []string
		for i := 0; i < rnd.Intn(10); i++ {
			wantOut = append(wantOut, fmt.Sprintf("out-%d-%d", round, i))
		}
		for i := 0; i < rnd.Intn(10); i++ {
			wantErr = append(wantErr, fmt.Sprintf("err-%d-%d", round, i))
		}
		code := rnd.Intn(3)

		out := append([]string{"motd banner", s.StartMarker()}, wantOut...)
		out = append(out, fmt.Sprintf("%s:%d", s.StopMarker(), code), "late stdout")
		errs := append([]string{"Warning: pseudo terminal", s.StartMarker()}, wantErr...)
		errs = append(errs, fmt.Sprintf("%s:%d", s.StopMarker(), code), "late stderr")

		for len(out) > 0 || len(errs) > 0 {
			if len(errs) == 0 || (len(out) > 0 && rnd.Intn(2) == 0) {
				c.feed(streamStdout, out[0])
				out = out[1:]
			} else {
				c.feed(streamStderr, errs[0])
				errs = errs[1:]
			}
		}

		res := c.result()
		assert.Equal(t, strings.Join(wantOut, "\n"), res.Stdout)
		assert.Equal(t, strings.Join(wantErr, "\n"), res.Stderr)
		assert.Equal(t, code, res.ExitCode)
		assert.Equal(t, wantOut, nilIfEmpty(sink.info))
		assert.Equal(t, wantErr, nilIfEmpty(sink.errs))
		select {
		case <-c.stopped:
		default:
			t.Fatalf("round %d: stop not detected", round)
		}
	}
}

func TestCollectorSplitsStopMarkerGluedToOutput(t *testing.T) {
	s := NewScript("printf abc", nil, "")
	c := newCollector(s, Discard{})
	c.feed(streamStdout, s.StartMarker())
	c.feed(streamStdout, "abc"+s.StopMarker()+":0")
	res := c.result()
	assert.Equal(t, "abc", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
}

func TestCollectorKeepsPreambleWhenNeverStarted(t *testing.T) {
	s := NewScript("true", nil, "/missing")
	c := newCollector(s, Discard{})
	c.feed(streamStderr, "bash: line 2: cd: /missing: No such file or directory")
	assert.False(t, c.hasStarted())
	res := c.result()
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, res.Stderr, "No such file")
}

func TestScriptRoundTrip(t *testing.T) {
	s := NewScript("git log -n1 --format=%H", map[string]string{"A": "1", "QUOTE": "it's"}, "/opt/src/x y")
	parsed, err := ParseScript(s.Render())
	require.NoError(t, err)
	assert.Equal(t, s.ID, parsed.ID)
	assert.Equal(t, s.Command, parsed.Command)
	assert.Equal(t, s.Dir, parsed.Dir)
	assert.Equal(t, s.Env, parsed.Env)
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "refs/heads/dev", Quote("refs/heads/dev"))
	assert.Equal(t, "''", Quote(""))
	assert.Equal(t, `'a b'`, Quote("a b"))
	assert.Equal(t, `'it'\''s'`, Quote("it's"))
	assert.Equal(t, "it's", Unquote(Quote("it's")))
	assert.Equal(t, "git commit -m 'Release Item 1'", Join([]string{"git", "commit", "-m", "Release Item 1"}))
}

func TestFilterPath(t *testing.T) {
	_, err := filterPath("/")
	assert.Error(t, err)
	_, err = filterPath("/opt")
	assert.Error(t, err)
	_, err = filterPath("relative/dir")
	assert.Error(t, err)
	p, err := filterPath(" /opt/src/instance/ ")
	require.NoError(t, err)
	assert.Equal(t, "/opt/src/instance", p)
}

func nilIfEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}
