package http

import (
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// NewRouter creates and configures a new instance of the router.
func NewRouter(h Handler) *httprouter.Router {
	r := httprouter.New()

	r.GET("/machines", h.auth(h.Machines))
	r.POST("/machines", h.auth(h.AddMachine))
	r.GET("/repositories", h.auth(h.Repositories))
	r.POST("/repositories", h.auth(h.AddRepository))
	r.POST("/repositories/:id/fetch", h.auth(h.FetchRepository))
	r.GET("/branches", h.auth(h.Branches))
	r.GET("/branches/:id", h.auth(h.Branch))
	r.PATCH("/branches/:id", h.auth(h.SetBranchFlags))
	r.POST("/branches/:id/touch", h.auth(h.TouchBranch))
	r.POST("/branches/:id/operations", h.auth(h.BranchOperation))
	r.GET("/branches/:id/tasks", h.auth(h.BranchTasks))
	r.GET("/branches/:id/commits", h.auth(h.BranchCommits))
	r.GET("/branches/:id/activities", h.auth(h.BranchActivities))
	r.POST("/tasks/:id/requeue", h.auth(h.RequeueTask))
	r.GET("/commits/:sha", h.auth(h.Commit))
	r.POST("/commits/:sha/approval", h.auth(h.SetCommitApproval))
	r.GET("/commits/:sha/runs", h.auth(h.CommitTestRuns))
	r.POST("/runs/:id/rerun", h.auth(h.RerunTests))
	r.POST("/runs/:id/abort", h.auth(h.AbortTests))
	r.GET("/runs/:id/lines", h.auth(h.TestRunLines))
	r.POST("/lines/:id/force", h.auth(h.ForceTestLine))
	r.GET("/releases", h.auth(h.Releases))
	r.POST("/releases", h.auth(h.AddRelease))
	r.GET("/releases/:id/items", h.auth(h.ReleaseItems))
	r.POST("/items/:id/abort", h.auth(h.AbortReleaseItem))
	r.POST("/items/:id/retry", h.auth(h.RetryReleaseItem))
	r.POST("/items/:id/rerun", h.auth(h.RerunReleaseItemTests))
	r.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	r.GlobalOPTIONS = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetDefaultHeaders(w)
		h := w.Header()
		h.Set("Access-Control-Allow-Methods", h.Get("Allow"))
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}
