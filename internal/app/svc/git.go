package svc

import (
	"context"
	"fmt"
	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/beldeveloper/app-cicd/pkg/shell"
	"github.com/beldeveloper/go-errors-context"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	giturls "github.com/whilp/git-urls"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// GitBusyDelay defines the backoff when the shared clone of a repository is in use.
	GitBusyDelay = 10 * time.Second
	// CheckoutMismatchDelay defines the backoff after a checkout ended on another branch.
	CheckoutMismatchDelay = 10 * time.Second

	fieldSep  = "\x1f"
	recordSep = "\x1e"
)

// NewGit creates a new instance of the git service.
func NewGit(machineSvc app.MachineSvc, locker app.Locker, logger log.Logger) app.VcsSvc {
	return Git{
		machineSvc:     machineSvc,
		locker:         locker,
		logger:         log.With(logger, "component", "git"),
		now:            time.Now,
		remoteBranchRx: regexp.MustCompile("^([a-f0-9]+)\\s+refs/(heads|tags)/(.*)$"),
		fetchRx:        regexp.MustCompile(`^\s*[+*]?\s*(\[new branch\]|([0-9a-f]+)(\.\.\.?)([0-9a-f]+))\s+(\S+)\s+->\s+(\S+)`),
	}
}

// Git is a service that runs the git plumbing on the machines.
type Git struct {
	machineSvc     app.MachineSvc
	locker         app.Locker
	logger         log.Logger
	now            func() time.Time
	remoteBranchRx *regexp.Regexp
	fetchRx        *regexp.Regexp
}

// RepoLockKey returns the advisory lock guarding the shared clone of the repository.
func RepoLockKey(r app.Repository) string {
	return "repo:" + r.URL
}

// CloneOrReuse makes sure a valid clone of the repository exists at the path.
func (s Git) CloneOrReuse(ctx context.Context, sh *shell.Executor, r app.Repository, p string) error {
	ash, remote, err := s.authorized(ctx, sh, r)
	if err != nil {
		return errors.WrapContext(err, errors.Context{
			Path:   "svc.Git.CloneOrReuse.authorized",
			Params: errors.Params{"repository": r.ID},
		})
	}
	return s.cloneOrReuse(ctx, ash, r, remote, p)
}

func (s Git) cloneOrReuse(ctx context.Context, sh *shell.Executor, r app.Repository, remote, p string) error {
	exists, err := sh.Exists(ctx, p)
	if err != nil {
		return errors.WrapContext(err, errors.Context{
			Path:   "svc.Git.cloneOrReuse.Exists",
			Params: errors.Params{"repository": r.ID, "path": p},
		})
	}
	if exists {
		res, err := sh.Run(ctx, shell.Cmd{Args: []string{"git", "rev-parse", "--git-dir"}, Dir: p, AllowError: true, Quiet: true})
		if err != nil {
			return errors.WrapContext(err, errors.Context{
				Path:   "svc.Git.cloneOrReuse.probe",
				Params: errors.Params{"repository": r.ID, "path": p},
			})
		}
		if res.ExitCode == 0 {
			_, err = sh.Run(ctx, shell.Cmd{Args: []string{"git", "remote", "set-url", "origin", remote}, Dir: p, Quiet: true})
			return errors.WrapContext(err, errors.Context{
				Path:   "svc.Git.cloneOrReuse.setUrl",
				Params: errors.Params{"repository": r.ID, "path": p},
			})
		}
		_ = level.Warn(s.logger).Log("msg", "corrupt clone is removed", "path", p)
		if err = sh.Remove(ctx, p); err != nil {
			return errors.WrapContext(err, errors.Context{
				Path:   "svc.Git.cloneOrReuse.Remove",
				Params: errors.Params{"repository": r.ID, "path": p},
			})
		}
	}
	return s.clone(ctx, sh, r, remote, p)
}

func (s Git) clone(ctx context.Context, sh *shell.Executor, r app.Repository, remote, p string) error {
	parent := path.Dir(p)
	if err := sh.MakeDir(ctx, parent); err != nil {
		return errors.WrapContext(err, errors.Context{
			Path:   "svc.Git.clone.MakeDir",
			Params: errors.Params{"repository": r.ID, "path": parent},
		})
	}
	_, err := sh.Run(ctx, shell.Cmd{Args: []string{"git", "clone", remote, p}, Dir: parent})
	return errors.WrapContext(err, errors.Context{
		Path:   "svc.Git.clone",
		Params: errors.Params{"repository": r.ID, "path": p},
	})
}

// remoteURL returns the clone url with the credentials of a username login.
func (s Git) remoteURL(r app.Repository) (string, error) {
	if r.LoginType != app.LoginTypeUsername {
		return r.URL, nil
	}
	u, err := giturls.Parse(r.URL)
	if err != nil {
		return "", errtype.BadInput("repository url %q: %v", r.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errtype.Misconfigured("username login needs an http(s) url, got %q", u.Scheme)
	}
	u.User = url.UserPassword(r.Username, r.Password)
	return u.String(), nil
}

// authorized returns an executor that can talk to the remote of the repository, and the url to use.
func (s Git) authorized(ctx context.Context, sh *shell.Executor, r app.Repository) (*shell.Executor, string, error) {
	remote, err := s.remoteURL(r)
	if err != nil {
		return nil, "", err
	}
	if r.LoginType != app.LoginTypeKey {
		return sh, remote, nil
	}
	if strings.TrimSpace(r.SSHKey) == "" {
		return nil, "", errtype.Misconfigured("repository %q uses a key login without a key", r.Short)
	}
	home, err := sh.HomeDir(ctx)
	if err != nil {
		return nil, "", err
	}
	keyFile := path.Join(home, ".ssh", "cicd_"+r.Short)
	key := strings.TrimSpace(r.SSHKey) + "\n"
	if err = sh.Put(ctx, []byte(key), keyFile); err != nil {
		return nil, "", err
	}
	if _, err = sh.Run(ctx, shell.Cmd{Args: []string{"chmod", "600", keyFile}, Quiet: true}); err != nil {
		return nil, "", err
	}
	return sh.Clone(shell.WithEnv(map[string]string{
		"GIT_SSH_COMMAND": fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=no -o IdentitiesOnly=yes", keyFile),
	})), remote, nil
}

// mainClone locks the shared clone of the repository and returns an executor working inside it.
func (s Git) mainClone(ctx context.Context, r app.Repository) (*shell.Executor, func(), error) {
	unlock, err := s.locker.TryLock(ctx, RepoLockKey(r))
	if err != nil {
		if errors.Is(err, errtype.ErrLockBusy) {
			return nil, nil, errtype.RetryableWrap(err, "git is in use at the moment", GitBusyDelay)
		}
		return nil, nil, err
	}
	m, err := s.machineSvc.Find(ctx, r.MachineID)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	sh, err := s.machineSvc.Shell(ctx, m)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	ash, remote, err := s.authorized(ctx, sh, r)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	p := m.MainRepoPath(r)
	if err = s.cloneOrReuse(ctx, ash, r, remote, p); err != nil {
		unlock()
		return nil, nil, err
	}
	return ash.Clone(shell.WithDir(p)), unlock, nil
}

func (s Git) lastN(r app.Repository) string {
	n := r.AnalyzeLastNCommits
	if n <= 0 {
		n = app.DefaultAnalyzeLastNCommits
	}
	return strconv.Itoa(n)
}

// Fetch updates the shared clone from every remote and returns the newly arrived commits per branch.
func (s Git) Fetch(ctx context.Context, r app.Repository) (app.FetchResult, error) {
	res := app.FetchResult{Branches: make(map[string][]string)}
	sh, unlock, err := s.mainClone(ctx, r)
	if err != nil {
		return res, errors.WrapContext(err, errors.Context{
			Path:   "svc.Git.Fetch.mainClone",
			Params: errors.Params{"repository": r.ID},
		})
	}
	defer unlock()
	remotes, err := sh.Run(ctx, shell.Cmd{Args: []string{"git", "remote"}, Quiet: true})
	if err != nil {
		return res, errors.WrapContext(err, errors.Context{
			Path:   "svc.Git.Fetch.remotes",
			Params: errors.Params{"repository": r.ID},
		})
	}
	for _, remote := range remotes.Lines() {
		out, err := sh.X(ctx, "git", "fetch", remote)
		if err != nil {
			return res, errors.WrapContext(err, errors.Context{
				Path:   "svc.Git.Fetch.fetch",
				Params: errors.Params{"repository": r.ID, "remote": remote},
			})
		}
		for _, row := range strings.Split(out.Stderr, "\n") {
			m := s.fetchRx.FindStringSubmatch(row)
			if len(m) < 7 {
				continue
			}
			branch := strings.TrimPrefix(m[6], remote+"/")
			var args []string
			switch {
			case m[1] == "[new branch]":
				res.Created = append(res.Created, branch)
				args = []string{"git", "log", "--format=%H", "-n", s.lastN(r), m[6]}
			case m[3] == "..":
				args = []string{"git", "rev-list", "--ancestry-path", m[2] + ".." + m[4]}
			default:
				// forced update, the old tip is not an ancestor anymore
				args = []string{"git", "rev-list", "-n", s.lastN(r), m[4]}
			}
			commits, err := sh.Run(ctx, shell.Cmd{Args: args, Quiet: true})
			if err != nil {
				return res, errors.WrapContext(err, errors.Context{
					Path:   "svc.Git.Fetch.commits",
					Params: errors.Params{"repository": r.ID, "branch": branch},
				})
			}
			res.Branches[branch] = append(res.Branches[branch], commits.Lines()...)
		}
	}
	return res, nil
}

// RemoteBranches returns the branch names of the origin.
func (s Git) RemoteBranches(ctx context.Context, r app.Repository) ([]string, error) {
	sh, unlock, err := s.mainClone(ctx, r)
	if err != nil {
		return nil, errors.WrapContext(err, errors.Context{
			Path:   "svc.Git.RemoteBranches.mainClone",
			Params: errors.Params{"repository": r.ID},
		})
	}
	defer unlock()
	out, err := sh.Run(ctx, shell.Cmd{Args: []string{"git", "ls-remote", "--heads", "origin"}, Quiet: true})
	if err != nil {
		return nil, errors.WrapContext(err, errors.Context{
			Path:   "svc.Git.RemoteBranches.ls",
			Params: errors.Params{"repository": r.ID},
		})
	}
	rows := out.Lines()
	branches := make([]string, 0, len(rows))
	for _, row := range rows {
		matches := s.remoteBranchRx.FindStringSubmatch(row)
		if len(matches) < 4 || matches[2] != "heads" {
			continue
		}
		branches = append(branches, matches[3])
	}
	return branches, nil
}

// CheckoutLatest replaces the instance folder with a fresh clone of the branch and returns its head.
func (s Git) CheckoutLatest(ctx context.Context, r app.Repository, b app.Branch, instancePath string) (string, error) {
	m, err := s.machineSvc.Find(ctx, r.MachineID)
	if err != nil {
		return "", errors.WrapContext(err, errors.Context{Path: "svc.Git.CheckoutLatest.Find"})
	}
	sh, err := s.machineSvc.Shell(ctx, m)
	if err != nil {
		return "", errors.WrapContext(err, errors.Context{Path: "svc.Git.CheckoutLatest.Shell"})
	}
	sh, remote, err := s.authorized(ctx, sh, r)
	if err != nil {
		return "", errors.WrapContext(err, errors.Context{
			Path:   "svc.Git.CheckoutLatest.authorized",
			Params: errors.Params{"repository": r.ID},
		})
	}
	stamp := s.now().UTC().Format("20060102150405")
	tmp := instancePath + newFolderMarker + stamp
	if err = s.clone(ctx, sh, r, remote, tmp); err != nil {
		return "", err
	}
	wsh := sh.Clone(shell.WithDir(tmp))
	if err = wsh.CheckoutBranch(ctx, b.Name); err != nil {
		_ = sh.Remove(ctx, tmp)
		return "", errors.WrapContext(err, errors.Context{
			Path:   "svc.Git.CheckoutLatest.CheckoutBranch",
			Params: errors.Params{"branch": b.Name},
		})
	}
	current, err := wsh.CurrentBranch(ctx)
	if err != nil {
		_ = sh.Remove(ctx, tmp)
		return "", errors.WrapContext(err, errors.Context{Path: "svc.Git.CheckoutLatest.CurrentBranch"})
	}
	if current != b.Name {
		_ = sh.Remove(ctx, tmp)
		return "", errtype.Retryable(fmt.Sprintf("checked out %s instead of %s", current, b.Name), CheckoutMismatchDelay)
	}
	refs, err := wsh.Run(ctx, shell.Cmd{Args: []string{"git", "for-each-ref", "--format=%(refname:short)", "refs/heads/"}, Quiet: true})
	if err != nil {
		_ = sh.Remove(ctx, tmp)
		return "", errors.WrapContext(err, errors.Context{Path: "svc.Git.CheckoutLatest.refs"})
	}
	for _, ref := range refs.Lines() {
		if ref == b.Name {
			continue
		}
		if _, err = wsh.Run(ctx, shell.Cmd{Args: []string{"git", "branch", "-D", ref}, Quiet: true}); err != nil {
			_ = sh.Remove(ctx, tmp)
			return "", errors.WrapContext(err, errors.Context{
				Path:   "svc.Git.CheckoutLatest.deleteBranch",
				Params: errors.Params{"branch": ref},
			})
		}
	}
	exists, err := sh.Exists(ctx, instancePath)
	if err != nil {
		return "", errors.WrapContext(err, errors.Context{Path: "svc.Git.CheckoutLatest.Exists"})
	}
	if exists {
		// removed later by the machine cleanup, running processes may still use it
		if err = sh.Move(ctx, instancePath, instancePath+oldFolderMarker+stamp); err != nil {
			return "", errors.WrapContext(err, errors.Context{Path: "svc.Git.CheckoutLatest.moveOld"})
		}
	}
	if err = sh.Move(ctx, tmp, instancePath); err != nil {
		return "", errors.WrapContext(err, errors.Context{Path: "svc.Git.CheckoutLatest.moveNew"})
	}
	sha, err := sh.Clone(shell.WithDir(instancePath)).HeadSHA(ctx)
	return sha, errors.WrapContext(err, errors.Context{Path: "svc.Git.CheckoutLatest.HeadSHA"})
}

// Commits returns the latest commits of the checkout the executor works in, newest first.
func (s Git) Commits(ctx context.Context, sh *shell.Executor, r app.Repository) ([]app.Commit, error) {
	out, err := sh.Run(ctx, shell.Cmd{
		Args: []string{
			"git", "log", "-n", s.lastN(r),
			"--format=%H%x1f%an <%ae>%x1f%ct%x1f%B%x1e",
		},
		Env:   map[string]string{"TZ": "UTC0"},
		Quiet: true,
	})
	if err != nil {
		return nil, errors.WrapContext(err, errors.Context{
			Path:   "svc.Git.Commits.log",
			Params: errors.Params{"repository": r.ID, "dir": sh.Dir()},
		})
	}
	commits := make([]app.Commit, 0)
	for _, rec := range strings.Split(out.Stdout, recordSep) {
		rec = strings.TrimLeft(rec, "\n")
		cols := strings.SplitN(rec, fieldSep, 4)
		if len(cols) != 4 {
			continue
		}
		ts, err := strconv.ParseInt(strings.TrimSpace(cols[2]), 10, 64)
		if err != nil {
			return nil, errors.WrapContext(err, errors.Context{
				Path:   "svc.Git.Commits.date",
				Params: errors.Params{"commit": cols[0]},
			})
		}
		commits = append(commits, app.Commit{
			SHA:          strings.TrimSpace(cols[0]),
			RepositoryID: r.ID,
			Author:       cols[1],
			Date:         time.Unix(ts, 0).UTC(),
			Message:      strings.TrimSpace(cols[3]),
		})
	}
	return commits, nil
}

// Merge merges the source commit into the destination branch, tags and pushes it, and returns the changed lines.
func (s Git) Merge(ctx context.Context, r app.Repository, source, dest string, tags []string) (int, error) {
	sh, unlock, err := s.mainClone(ctx, r)
	if err != nil {
		return 0, errors.WrapContext(err, errors.Context{
			Path:   "svc.Git.Merge.mainClone",
			Params: errors.Params{"repository": r.ID},
		})
	}
	defer unlock()
	if err = s.resetTo(ctx, sh, dest); err != nil {
		return 0, errors.WrapContext(err, errors.Context{
			Path:   "svc.Git.Merge.resetTo",
			Params: errors.Params{"repository": r.ID, "dest": dest},
		})
	}
	probe, err := sh.Probe(ctx, "git", "merge-base", "--is-ancestor", source, "HEAD")
	if err != nil {
		return 0, errors.WrapContext(err, errors.Context{Path: "svc.Git.Merge.isAncestor"})
	}
	if probe.ExitCode == 0 {
		return 0, nil
	}
	before, err := sh.HeadSHA(ctx)
	if err != nil {
		return 0, errors.WrapContext(err, errors.Context{Path: "svc.Git.Merge.HeadSHA"})
	}
	if _, err = sh.X(ctx, "git", "merge", "--no-edit", source); err != nil {
		_, _ = sh.Probe(ctx, "git", "merge", "--abort")
		return 0, errors.WrapContext(err, errors.Context{
			Path:   "svc.Git.Merge.merge",
			Params: errors.Params{"repository": r.ID, "source": source, "dest": dest},
		})
	}
	stat, err := sh.Run(ctx, shell.Cmd{Args: []string{"git", "diff", "--numstat", before, "HEAD"}, Quiet: true})
	if err != nil {
		return 0, errors.WrapContext(err, errors.Context{Path: "svc.Git.Merge.diff"})
	}
	changed := countChangedLines(stat.Lines())
	for _, tag := range tags {
		if _, err = sh.X(ctx, "git", "tag", "-f", tag); err != nil {
			return changed, errors.WrapContext(err, errors.Context{
				Path:   "svc.Git.Merge.tag",
				Params: errors.Params{"tag": tag},
			})
		}
	}
	_, err = sh.X(ctx, "git", "push", "-f", "--tags", "origin", dest)
	return changed, errors.WrapContext(err, errors.Context{
		Path:   "svc.Git.Merge.push",
		Params: errors.Params{"repository": r.ID, "dest": dest},
	})
}

func countChangedLines(rows []string) int {
	total := 0
	for _, row := range rows {
		cols := strings.Fields(row)
		if len(cols) < 2 {
			continue
		}
		// binary files report "-"
		added, _ := strconv.Atoi(cols[0])
		deleted, _ := strconv.Atoi(cols[1])
		total += added + deleted
	}
	return total
}

func (s Git) resetTo(ctx context.Context, sh *shell.Executor, branch string) error {
	if _, err := sh.X(ctx, "git", "fetch", "origin"); err != nil {
		return err
	}
	if err := sh.CheckoutBranch(ctx, branch); err != nil {
		return err
	}
	_, err := sh.X(ctx, "git", "reset", "--hard", "origin/"+branch)
	return err
}

// RecreateBranchFromCommits rebuilds the target branch from the base branch and the pinned source branches.
// Every pin that conflicts is skipped and reported with a merge conflict error once all pins were tried.
func (s Git) RecreateBranchFromCommits(
	ctx context.Context,
	r app.Repository,
	base string,
	pins []app.BranchPin,
	target, message string,
) (string, error) {
	sh, unlock, err := s.mainClone(ctx, r)
	if err != nil {
		return "", errors.WrapContext(err, errors.Context{
			Path:   "svc.Git.RecreateBranchFromCommits.mainClone",
			Params: errors.Params{"repository": r.ID},
		})
	}
	defer unlock()
	if err = s.resetTo(ctx, sh, base); err != nil {
		return "", errors.WrapContext(err, errors.Context{
			Path:   "svc.Git.RecreateBranchFromCommits.resetTo",
			Params: errors.Params{"base": base},
		})
	}
	exists, err := sh.BranchExists(ctx, target)
	if err != nil {
		return "", errors.WrapContext(err, errors.Context{Path: "svc.Git.RecreateBranchFromCommits.BranchExists"})
	}
	if exists {
		if _, err = sh.X(ctx, "git", "branch", "-D", target); err != nil {
			return "", errors.WrapContext(err, errors.Context{Path: "svc.Git.RecreateBranchFromCommits.delete"})
		}
	}
	if _, err = sh.X(ctx, "git", "checkout", "-b", target, "origin/"+base); err != nil {
		return "", errors.WrapContext(err, errors.Context{Path: "svc.Git.RecreateBranchFromCommits.create"})
	}
	conflicts := make([]string, 0)
	for _, pin := range pins {
		if _, err = sh.X(ctx, "git", "branch", "-f", pin.Branch, pin.Commit); err != nil {
			return "", errors.WrapContext(err, errors.Context{
				Path:   "svc.Git.RecreateBranchFromCommits.pin",
				Params: errors.Params{"branch": pin.Branch, "commit": pin.Commit},
			})
		}
		res, err := sh.Probe(ctx, "git", "merge", "--no-ff", "--no-edit", pin.Branch)
		if err != nil {
			return "", errors.WrapContext(err, errors.Context{Path: "svc.Git.RecreateBranchFromCommits.merge"})
		}
		if res.ExitCode == 0 {
			continue
		}
		unmerged, err := sh.Run(ctx, shell.Cmd{Args: []string{"git", "diff", "--name-only", "--diff-filter=U"}, Quiet: true})
		if err != nil {
			return "", errors.WrapContext(err, errors.Context{Path: "svc.Git.RecreateBranchFromCommits.unmerged"})
		}
		if len(unmerged.Lines()) == 0 {
			return "", errors.WrapContext(&shell.ExitError{Cmd: "git merge " + pin.Branch, Result: res}, errors.Context{
				Path:   "svc.Git.RecreateBranchFromCommits.merge",
				Params: errors.Params{"branch": pin.Branch, "commit": pin.Commit},
			})
		}
		if _, err = sh.X(ctx, "git", "merge", "--abort"); err != nil {
			return "", errors.WrapContext(err, errors.Context{Path: "svc.Git.RecreateBranchFromCommits.abort"})
		}
		_ = level.Info(s.logger).Log("msg", "merge conflict", "branch", pin.Branch, "commit", pin.Commit, "files", strings.Join(unmerged.Lines(), ","))
		conflicts = append(conflicts, pin.Commit)
	}
	if len(conflicts) > 0 {
		return "", &errtype.MergeConflictError{Commits: conflicts}
	}
	if _, err = sh.X(ctx, "git", "commit", "--allow-empty", "-m", message); err != nil {
		return "", errors.WrapContext(err, errors.Context{Path: "svc.Git.RecreateBranchFromCommits.commit"})
	}
	if _, err = sh.X(ctx, "git", "push", "-f", "origin", target); err != nil {
		return "", errors.WrapContext(err, errors.Context{
			Path:   "svc.Git.RecreateBranchFromCommits.push",
			Params: errors.Params{"target": target},
		})
	}
	sha, err := sh.HeadSHA(ctx)
	return sha, errors.WrapContext(err, errors.Context{Path: "svc.Git.RecreateBranchFromCommits.HeadSHA"})
}

// ContainsCommit reports whether the ancestor is reachable from the candidate.
func (s Git) ContainsCommit(ctx context.Context, r app.Repository, candidate, ancestor string) (bool, error) {
	sh, unlock, err := s.mainClone(ctx, r)
	if err != nil {
		return false, errors.WrapContext(err, errors.Context{
			Path:   "svc.Git.ContainsCommit.mainClone",
			Params: errors.Params{"repository": r.ID},
		})
	}
	defer unlock()
	res, err := sh.Run(ctx, shell.Cmd{
		Args:       []string{"git", "merge-base", "--is-ancestor", ancestor, candidate},
		AllowError: true,
		Quiet:      true,
	})
	if err != nil {
		return false, errors.WrapContext(err, errors.Context{Path: "svc.Git.ContainsCommit.mergeBase"})
	}
	switch {
	case res.ExitCode == 0:
		return true, nil
	case res.ExitCode == 1, strings.Contains(strings.ToLower(res.Output()), "not a valid commit name"):
		return false, nil
	}
	return false, errors.WrapContext(&shell.ExitError{Cmd: "git merge-base --is-ancestor", Result: res}, errors.Context{
		Path:   "svc.Git.ContainsCommit",
		Params: errors.Params{"candidate": candidate, "ancestor": ancestor},
	})
}
