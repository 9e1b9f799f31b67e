package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Local runs scripts with the bash of the controller host.
type Local struct{}

// Start implements Transport.
func (Local) Start(ctx context.Context, script string, stdout, stderr io.Writer) (Process, error) {
	osCmd := exec.Command("bash")
	osCmd.Stdin = strings.NewReader(script)
	osCmd.Stdout = stdout
	osCmd.Stderr = stderr
	osCmd.Env = os.Environ()
	if err := osCmd.Start(); err != nil {
		return nil, fmt.Errorf("local -> start bash: %w", err)
	}
	return localProcess{cmd: osCmd}, nil
}

// Put implements Transport.
func (Local) Put(ctx context.Context, content []byte, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("local -> create directory: %w; dest=%s", err, dest)
	}
	if err := os.WriteFile(dest, content, 0644); err != nil {
		return fmt.Errorf("local -> write file: %w; dest=%s", err, dest)
	}
	return nil
}

// Get implements Transport.
func (Local) Get(ctx context.Context, src string) ([]byte, error) {
	content, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("local -> read file: %w; src=%s", err, src)
	}
	return content, nil
}

type localProcess struct {
	cmd *exec.Cmd
}

func (p localProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

func (p localProcess) Kill() error {
	return p.cmd.Process.Kill()
}
