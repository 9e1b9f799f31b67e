package http

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"github.com/beldeveloper/app-cicd/internal/app"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/beldeveloper/go-errors-context"
	"github.com/go-kit/kit/log"
	"github.com/julienschmidt/httprouter"
	"net/http"
	"strconv"
)

// AccessKey is the secret every API request must carry.
type AccessKey string

// Services groups the services exposed over the REST API.
type Services struct {
	Machines     app.MachineSvc
	Repositories app.RepositorySvc
	Branches     app.BranchSvc
	Commits      app.CommitSvc
	Tasks        app.TaskSvc
	TestRuns     app.TestRunSvc
	Releases     app.ReleaseSvc
	Fetch        app.FetchSvc
	Activities   app.ActivityRepo
}

// NewHandler creates a new instance of the REST API handler.
func NewHandler(svc Services, accessKey AccessKey, logger log.Logger) Handler {
	return Handler{
		svc:       svc,
		accessKey: string(accessKey),
		logger:    log.With(logger, "component", "http"),
	}
}

// Handler handles the REST API requests.
type Handler struct {
	svc       Services
	accessKey string
	logger    log.Logger
}

func (h Handler) validateKey(r *http.Request) error {
	key := r.Header.Get("X-Access-Key")
	if key == "" {
		key = r.URL.Query().Get("accessKey")
	}
	if h.accessKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.accessKey)) != 1 {
		return errors.WrapContext(errtype.ErrUnauthorized, errors.Context{Path: "http.Handler.validateKey"})
	}
	return nil
}

// auth rejects the requests without a valid access key.
func (h Handler) auth(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if err := h.validateKey(r); err != nil {
			apiError(w, h.logger, err)
			return
		}
		next(w, r, ps)
	}
}

func (h Handler) reply(w http.ResponseWriter, res interface{}, err error) {
	if err != nil {
		apiError(w, h.logger, err)
		return
	}
	apiSuccess(w, h.logger, res)
}

func idParam(ps httprouter.Params, name string) (uint64, error) {
	id, err := strconv.ParseUint(ps.ByName(name), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s: %v", errtype.ErrBadInput, name, err)
	}
	return id, nil
}

func decode(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", errtype.ErrBadInput, err)
	}
	return nil
}

// Machines returns the list of machines.
func (h Handler) Machines(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	res, err := h.svc.Machines.List(r.Context())
	h.reply(w, res, err)
}

// AddMachine registers a new machine.
func (h Handler) AddMachine(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var f app.FormAddMachine
	if err := decode(r, &f); err != nil {
		apiError(w, h.logger, err)
		return
	}
	res, err := h.svc.Machines.Add(r.Context(), f)
	h.reply(w, res, err)
}

// Repositories returns the list of repositories.
func (h Handler) Repositories(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	res, err := h.svc.Repositories.List(r.Context())
	h.reply(w, res, err)
}

// AddRepository adds new repository, its branches appear on the next fetch.
func (h Handler) AddRepository(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var f app.FormAddRepository
	if err := decode(r, &f); err != nil {
		apiError(w, h.logger, err)
		return
	}
	res, err := h.svc.Repositories.Add(r.Context(), f)
	h.reply(w, res, err)
}

// FetchRepository discovers the upstream changes of the repository right away.
func (h Handler) FetchRepository(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := idParam(ps, "id")
	if err != nil {
		apiError(w, h.logger, err)
		return
	}
	repo, err := h.svc.Repositories.Find(r.Context(), id)
	if err != nil {
		apiError(w, h.logger, err)
		return
	}
	h.reply(w, nil, h.svc.Fetch.FetchRepository(r.Context(), repo))
}

// Branches returns the list of branches.
func (h Handler) Branches(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	res, err := h.svc.Branches.List(r.Context())
	h.reply(w, res, err)
}

// Branch returns one branch.
func (h Handler) Branch(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := idParam(ps, "id")
	if err != nil {
		apiError(w, h.logger, err)
		return
	}
	res, err := h.svc.Branches.Find(r.Context(), id)
	h.reply(w, res, err)
}

// SetBranchFlags activates, deactivates or blocks the branch and toggles its test stages.
func (h Handler) SetBranchFlags(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := idParam(ps, "id")
	if err != nil {
		apiError(w, h.logger, err)
		return
	}
	var f app.FormBranchFlags
	if err = decode(r, &f); err != nil {
		apiError(w, h.logger, err)
		return
	}
	res, err := h.svc.Branches.SetFlags(r.Context(), id, f)
	h.reply(w, res, err)
}

// TouchBranch records an access to the instance.
func (h Handler) TouchBranch(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := idParam(ps, "id")
	if err != nil {
		apiError(w, h.logger, err)
		return
	}
	h.reply(w, nil, h.svc.Branches.Touch(r.Context(), id))
}

// BranchOperation schedules an operation on the branch instance, or runs it at once when asked to.
func (h Handler) BranchOperation(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := idParam(ps, "id")
	if err != nil {
		apiError(w, h.logger, err)
		return
	}
	var f app.FormBranchOperation
	if err = decode(r, &f); err != nil {
		apiError(w, h.logger, err)
		return
	}
	b, err := h.svc.Branches.Find(r.Context(), id)
	if err != nil {
		apiError(w, h.logger, err)
		return
	}
	res, err := h.svc.Tasks.Schedule(r.Context(), b, f.Operation, app.ScheduleOptions{
		Kwargs: f.Kwargs,
		Now:    f.Now,
		Reuse:  !f.Now,
	})
	h.reply(w, res, err)
}

// BranchTasks returns the tasks of the branch from the newest.
func (h Handler) BranchTasks(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := idParam(ps, "id")
	if err != nil {
		apiError(w, h.logger, err)
		return
	}
	res, err := h.svc.Tasks.ListByBranch(r.Context(), id)
	h.reply(w, res, err)
}

// BranchCommits returns the registered commits of the branch.
func (h Handler) BranchCommits(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := idParam(ps, "id")
	if err != nil {
		apiError(w, h.logger, err)
		return
	}
	res, err := h.svc.Commits.ListByBranch(r.Context(), id)
	h.reply(w, res, err)
}

// BranchActivities returns the messages of the branch.
func (h Handler) BranchActivities(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := idParam(ps, "id")
	if err != nil {
		apiError(w, h.logger, err)
		return
	}
	res, err := h.svc.Activities.FindByBranch(r.Context(), id)
	h.reply(w, res, err)
}

// RequeueTask puts a failed task back to the queue.
func (h Handler) RequeueTask(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := idParam(ps, "id")
	if err != nil {
		apiError(w, h.logger, err)
		return
	}
	res, err := h.svc.Tasks.Requeue(r.Context(), id)
	h.reply(w, res, err)
}

// Commit returns one commit.
func (h Handler) Commit(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	res, err := h.svc.Commits.Find(r.Context(), ps.ByName("sha"))
	h.reply(w, res, err)
}

// SetCommitApproval approves, declines, asks to check or force approves the commit.
func (h Handler) SetCommitApproval(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var f app.FormCommitApproval
	if err := decode(r, &f); err != nil {
		apiError(w, h.logger, err)
		return
	}
	res, err := h.svc.Commits.SetApproval(r.Context(), ps.ByName("sha"), f)
	h.reply(w, res, err)
}

// CommitTestRuns returns the test runs of the commit from the newest.
func (h Handler) CommitTestRuns(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	res, err := h.svc.TestRuns.ListByCommit(r.Context(), ps.ByName("sha"))
	h.reply(w, res, err)
}

// RerunTests starts a new run on the commit of the given run.
func (h Handler) RerunTests(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := idParam(ps, "id")
	if err != nil {
		apiError(w, h.logger, err)
		return
	}
	res, err := h.svc.TestRuns.Rerun(r.Context(), id)
	h.reply(w, res, err)
}

// AbortTests asks the running stages to stop.
func (h Handler) AbortTests(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := idParam(ps, "id")
	if err != nil {
		apiError(w, h.logger, err)
		return
	}
	h.reply(w, nil, h.svc.TestRuns.Abort(r.Context(), id))
}

// TestRunLines returns the lines of the run.
func (h Handler) TestRunLines(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := idParam(ps, "id")
	if err != nil {
		apiError(w, h.logger, err)
		return
	}
	res, err := h.svc.TestRuns.Lines(r.Context(), id)
	h.reply(w, res, err)
}

// ForceTestLine counts a failed line as a success.
func (h Handler) ForceTestLine(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := idParam(ps, "id")
	if err != nil {
		apiError(w, h.logger, err)
		return
	}
	h.reply(w, nil, h.svc.TestRuns.ForceLine(r.Context(), id))
}

// Releases returns the list of releases.
func (h Handler) Releases(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	res, err := h.svc.Releases.List(r.Context())
	h.reply(w, res, err)
}

// AddRelease creates a new release target.
func (h Handler) AddRelease(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var f app.FormAddRelease
	if err := decode(r, &f); err != nil {
		apiError(w, h.logger, err)
		return
	}
	res, err := h.svc.Releases.Add(r.Context(), f)
	h.reply(w, res, err)
}

// ReleaseItems returns the items of the release from the newest.
func (h Handler) ReleaseItems(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := idParam(ps, "id")
	if err != nil {
		apiError(w, h.logger, err)
		return
	}
	res, err := h.svc.Releases.Items(r.Context(), id)
	h.reply(w, res, err)
}

// AbortReleaseItem stops the item.
func (h Handler) AbortReleaseItem(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := idParam(ps, "id")
	if err != nil {
		apiError(w, h.logger, err)
		return
	}
	res, err := h.svc.Releases.Abort(r.Context(), id)
	h.reply(w, res, err)
}

// RetryReleaseItem moves a failed item back to collecting.
func (h Handler) RetryReleaseItem(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := idParam(ps, "id")
	if err != nil {
		apiError(w, h.logger, err)
		return
	}
	res, err := h.svc.Releases.Retry(r.Context(), id)
	h.reply(w, res, err)
}

// RerunReleaseItemTests starts the integration tests of the item again.
func (h Handler) RerunReleaseItemTests(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := idParam(ps, "id")
	if err != nil {
		apiError(w, h.logger, err)
		return
	}
	res, err := h.svc.Releases.RerunTests(r.Context(), id)
	h.reply(w, res, err)
}
