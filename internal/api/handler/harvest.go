package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/harvest/internal/action"
	"github.com/timmy/harvest/internal/domain"
	"github.com/timmy/harvest/internal/repository"
)

// HarvestHandler serves the harvest actions.
type HarvestHandler struct {
	actions *action.Actions
}

// NewHarvestHandler creates a new harvest handler.
// Parameters:
//   - actions: the action set calls are dispatched to.
// Returns:
//   - *HarvestHandler: initialized handler.
func NewHarvestHandler(actions *action.Actions) *HarvestHandler {
	return &HarvestHandler{actions: actions}
}

func reply(c *gin.Context, result interface{}, err error) {
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, result)
}

// SourceCreate handles POST harvest_source_create.
func (h *HarvestHandler) SourceCreate(c *gin.Context) {
	var req action.SourceRequest
	if !bind(c, &req) {
		return
	}
	src, err := h.actions.HarvestSourceCreate(c.Request.Context(), &req)
	reply(c, src, err)
}

// SourceUpdate handles POST harvest_source_update.
func (h *HarvestHandler) SourceUpdate(c *gin.Context) {
	var req action.SourceUpdateRequest
	if !bind(c, &req) {
		return
	}
	src, err := h.actions.HarvestSourceUpdate(c.Request.Context(), &req)
	reply(c, src, err)
}

// SourceDelete handles POST harvest_source_delete.
func (h *HarvestHandler) SourceDelete(c *gin.Context) {
	var req action.IDRequest
	if !bind(c, &req) {
		return
	}
	src, err := h.actions.HarvestSourceDelete(c.Request.Context(), &req)
	reply(c, src, err)
}

// SourceShow handles GET harvest_source_show?id=.
func (h *HarvestHandler) SourceShow(c *gin.Context) {
	src, err := h.actions.HarvestSourceShow(c.Request.Context(), &action.IDRequest{ID: c.Query("id")})
	reply(c, src, err)
}

// SourceList handles GET harvest_source_list. Inactive sources are listed
// only with ?all=true.
func (h *HarvestHandler) SourceList(c *gin.Context) {
	all, _ := strconv.ParseBool(c.Query("all"))
	sources, err := h.actions.HarvestSourceList(c.Request.Context(), !all)
	reply(c, sources, err)
}

// Types handles GET harvesters_info_show.
func (h *HarvestHandler) Types(c *gin.Context) {
	ok(c, h.actions.HarvesterTypes())
}

// JobCreate handles POST harvest_job_create.
func (h *HarvestHandler) JobCreate(c *gin.Context) {
	var req action.JobCreateRequest
	if !bind(c, &req) {
		return
	}
	job, err := h.actions.HarvestJobCreate(c.Request.Context(), &req)
	reply(c, job, err)
}

// JobCreateAll handles POST harvest_job_create_all.
func (h *HarvestHandler) JobCreateAll(c *gin.Context) {
	var req action.JobCreateAllRequest
	if !bind(c, &req) {
		return
	}
	jobs, err := h.actions.HarvestJobCreateAll(c.Request.Context(), &req)
	reply(c, jobs, err)
}

// JobsRun handles POST harvest_jobs_run.
func (h *HarvestHandler) JobsRun(c *gin.Context) {
	var req action.JobsRunRequest
	if !bind(c, &req) {
		return
	}
	jobs, err := h.actions.HarvestJobsRun(c.Request.Context(), &req)
	reply(c, jobs, err)
}

// JobAbort handles POST harvest_job_abort.
func (h *HarvestHandler) JobAbort(c *gin.Context) {
	var req action.JobAbortRequest
	if !bind(c, &req) {
		return
	}
	job, err := h.actions.HarvestJobAbort(c.Request.Context(), &req)
	reply(c, job, err)
}

// JobShow handles GET harvest_job_show?id=.
func (h *HarvestHandler) JobShow(c *gin.Context) {
	report, err := h.actions.HarvestJobShow(c.Request.Context(), &action.IDRequest{ID: c.Query("id")})
	reply(c, report, err)
}

// JobList handles GET harvest_job_list?source_id=&status=&limit=.
func (h *HarvestHandler) JobList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	jobs, err := h.actions.HarvestJobList(c.Request.Context(), repository.JobFilter{
		SourceID: c.Query("source_id"),
		Status:   domain.JobStatus(c.Query("status")),
		Limit:    limit,
	})
	reply(c, jobs, err)
}

// ObjectsImport handles POST harvest_objects_import.
func (h *HarvestHandler) ObjectsImport(c *gin.Context) {
	var req action.ObjectsImportRequest
	if !bind(c, &req) {
		return
	}
	stats, err := h.actions.HarvestObjectsImport(c.Request.Context(), &req)
	reply(c, stats, err)
}

// ObjectCreate handles POST harvest_object_create.
func (h *HarvestHandler) ObjectCreate(c *gin.Context) {
	var req action.ObjectCreateRequest
	if !bind(c, &req) {
		return
	}
	obj, err := h.actions.HarvestObjectCreate(c.Request.Context(), &req)
	reply(c, obj, err)
}

// ObjectShow handles GET harvest_object_show?id=.
func (h *HarvestHandler) ObjectShow(c *gin.Context) {
	obj, err := h.actions.HarvestObjectShow(c.Request.Context(), &action.IDRequest{ID: c.Query("id")})
	reply(c, obj, err)
}
