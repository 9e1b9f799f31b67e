package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SSHConfig describes how to reach a machine.
type SSHConfig struct {
	Host    string
	Port    int
	User    string
	Key     []byte
	Timeout time.Duration
}

// NewSSH creates a transport that keeps one ssh connection open and multiplexes sessions over it.
func NewSSH(cfg SSHConfig) *SSHTransport {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConnectTimeout
	}
	return &SSHTransport{cfg: cfg}
}

// SSHTransport runs scripts over ssh and copies files over sftp.
type SSHTransport struct {
	cfg    SSHConfig
	mu     sync.Mutex
	client *ssh.Client
}

// Start implements Transport.
func (t *SSHTransport) Start(ctx context.Context, script string, stdout, stderr io.Writer) (Process, error) {
	sess, err := t.session()
	if err != nil {
		return nil, err
	}
	sess.Stdin = strings.NewReader(script)
	sess.Stdout = stdout
	sess.Stderr = stderr
	if err = sess.Start("bash"); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("ssh -> start bash: %w; host=%s", err, t.cfg.Host)
	}
	return sshProcess{sess: sess}, nil
}

// Put implements Transport.
func (t *SSHTransport) Put(ctx context.Context, content []byte, dest string) error {
	sc, err := t.sftp()
	if err != nil {
		return err
	}
	defer sc.Close()
	f, err := sc.Create(dest)
	if err != nil {
		return fmt.Errorf("sftp -> create: %w; dest=%s", err, dest)
	}
	if _, err = f.Write(content); err != nil {
		_ = f.Close()
		return fmt.Errorf("sftp -> write: %w; dest=%s", err, dest)
	}
	return f.Close()
}

// Get implements Transport.
func (t *SSHTransport) Get(ctx context.Context, src string) ([]byte, error) {
	sc, err := t.sftp()
	if err != nil {
		return nil, err
	}
	defer sc.Close()
	f, err := sc.Open(src)
	if err != nil {
		return nil, fmt.Errorf("sftp -> open: %w; src=%s", err, src)
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Close drops the connection.
func (t *SSHTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

func (t *SSHTransport) session() (*ssh.Session, error) {
	c, err := t.dial()
	if err != nil {
		return nil, err
	}
	sess, err := c.NewSession()
	if err == nil {
		return sess, nil
	}
	// the cached connection may be dead, reconnect once
	_ = t.Close()
	if c, err = t.dial(); err != nil {
		return nil, err
	}
	sess, err = c.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh -> new session: %w; host=%s", err, t.cfg.Host)
	}
	return sess, nil
}

func (t *SSHTransport) sftp() (*sftp.Client, error) {
	c, err := t.dial()
	if err != nil {
		return nil, err
	}
	sc, err := sftp.NewClient(c)
	if err != nil {
		return nil, fmt.Errorf("sftp -> new client: %w; host=%s", err, t.cfg.Host)
	}
	return sc, nil
}

func (t *SSHTransport) dial() (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return t.client, nil
	}
	signer, err := ssh.ParsePrivateKey(t.cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("ssh -> parse key: %w; host=%s", err, t.cfg.Host)
	}
	conf := &ssh.ClientConfig{
		User:            t.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.cfg.Timeout,
	}
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	c, err := ssh.Dial("tcp", addr, conf)
	if err != nil {
		return nil, fmt.Errorf("ssh -> dial: %w; addr=%s", err, addr)
	}
	t.client = c
	return c, nil
}

type sshProcess struct {
	sess *ssh.Session
}

func (p sshProcess) Wait() (int, error) {
	defer p.sess.Close()
	err := p.sess.Wait()
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

func (p sshProcess) Kill() error {
	_ = p.sess.Signal(ssh.SIGKILL)
	if err := p.sess.Close(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
