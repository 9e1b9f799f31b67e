package shell

import (
	"context"
	"strings"
)

// BranchExists checks whether the local branch exists in the working directory.
func (e *Executor) BranchExists(ctx context.Context, branch string) (bool, error) {
	res, err := e.Run(ctx, Cmd{
		Args:       []string{"git", "show-ref", "--verify", "--quiet", "refs/heads/" + branch},
		AllowError: true,
		Quiet:      true,
	})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// CheckoutBranch switches to the branch, creating a tracking branch when it is only known remotely.
func (e *Executor) CheckoutBranch(ctx context.Context, branch string) error {
	exists, err := e.BranchExists(ctx, branch)
	if err != nil {
		return err
	}
	if !exists {
		if _, err = e.X(ctx, "git", "checkout", "-b", branch, "--track", "origin/"+branch); err != nil {
			return err
		}
	}
	if _, err = e.X(ctx, "git", "checkout", "-f", "--no-guess", branch); err != nil {
		return err
	}
	return e.afterCheckout(ctx)
}

// CheckoutCommit detaches HEAD at the commit and verifies the result.
func (e *Executor) CheckoutCommit(ctx context.Context, sha string) error {
	_, err := e.X(ctx, "git", "-c", "advice.detachedHead=false", "checkout", "-f", sha)
	if err != nil {
		return err
	}
	if err = e.afterCheckout(ctx); err != nil {
		return err
	}
	head, err := e.HeadSHA(ctx)
	if err != nil {
		return err
	}
	if !sameCommit(head, sha) {
		return &CheckoutMismatchError{Want: sha, Got: head}
	}
	return nil
}

// HeadSHA returns the commit of HEAD.
func (e *Executor) HeadSHA(ctx context.Context) (string, error) {
	res, err := e.Run(ctx, Cmd{Args: []string{"git", "rev-parse", "HEAD"}, Quiet: true})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// CurrentBranch returns the checked out branch name.
func (e *Executor) CurrentBranch(ctx context.Context) (string, error) {
	res, err := e.Run(ctx, Cmd{Args: []string{"git", "rev-parse", "--abbrev-ref", "HEAD"}, Quiet: true})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (e *Executor) afterCheckout(ctx context.Context) error {
	if _, err := e.X(ctx, "git", "clean", "-xdff"); err != nil {
		return err
	}
	_, err := e.X(ctx, "git", "submodule", "update", "--init", "--force", "--recursive")
	return err
}

func sameCommit(head, want string) bool {
	head = strings.TrimSpace(head)
	want = strings.TrimSpace(want)
	if head == "" || want == "" {
		return false
	}
	if len(want) < len(head) && len(want) >= 7 {
		return strings.HasPrefix(head, want)
	}
	return head == want
}
