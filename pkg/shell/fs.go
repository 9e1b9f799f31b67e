package shell

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// Exists checks if the remote file/directory exists.
func (e *Executor) Exists(ctx context.Context, p string) (bool, error) {
	res, err := e.Run(ctx, Cmd{Args: []string{"stat", p}, AllowError: true, Quiet: true})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// Remove deletes the remote file/directory recursively, missing paths are fine.
func (e *Executor) Remove(ctx context.Context, p string) error {
	p, err := filterPath(p)
	if err != nil {
		return err
	}
	_, err = e.X(ctx, "rm", "-Rf", p)
	return err
}

// Move renames the remote path.
func (e *Executor) Move(ctx context.Context, src, dst string) error {
	src, err := filterPath(src)
	if err != nil {
		return err
	}
	dst, err = filterPath(dst)
	if err != nil {
		return err
	}
	_, err = e.X(ctx, "mv", src, dst)
	return err
}

// MakeDir creates the remote directory with its parents.
func (e *Executor) MakeDir(ctx context.Context, p string) error {
	_, err := e.X(ctx, "mkdir", "-p", p)
	return err
}

// HomeDir returns the home directory of the remote user.
func (e *Executor) HomeDir(ctx context.Context) (string, error) {
	res, err := e.Run(ctx, Cmd{Script: "echo $HOME", Quiet: true})
	if err != nil {
		return "", err
	}
	home := strings.TrimSpace(res.Stdout)
	if home == "" {
		return "", fmt.Errorf("homeDir -> empty $HOME")
	}
	return home, nil
}

// Put writes the content to the remote file, a leading ~/ resolves to the home directory.
func (e *Executor) Put(ctx context.Context, content []byte, dest string) error {
	dest, err := e.expandHome(ctx, dest)
	if err != nil {
		return err
	}
	if err = e.MakeDir(ctx, path.Dir(dest)); err != nil {
		return err
	}
	return e.transport.Put(ctx, content, dest)
}

// Get reads the remote file, a leading ~/ resolves to the home directory.
func (e *Executor) Get(ctx context.Context, src string) ([]byte, error) {
	src, err := e.expandHome(ctx, src)
	if err != nil {
		return nil, err
	}
	return e.transport.Get(ctx, src)
}

func (e *Executor) expandHome(ctx context.Context, p string) (string, error) {
	if !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := e.HomeDir(ctx)
	if err != nil {
		return "", err
	}
	return path.Join(home, p[2:]), nil
}

func filterPath(p string) (string, error) {
	p = path.Clean(strings.TrimSpace(p))
	if !path.IsAbs(p) {
		return "", fmt.Errorf("filterPath -> relative path: %s", p)
	}
	if strings.Count(p, "/") < 2 {
		return "", fmt.Errorf("filterPath -> are you kidding me: %s", p)
	}
	return p, nil
}
