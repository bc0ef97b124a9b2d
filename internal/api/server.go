// Package api exposes the orchestrator over HTTP for the coordinator
// frontend. It is a thin translation layer: JSON in, facade call, JSON
// out, with the error taxonomy mapped onto status codes.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/trialmesh/trialmesh"
	"github.com/trialmesh/trialmesh/internal/logging"
	"github.com/trialmesh/trialmesh/internal/types"
)

type Server struct {
	orc    *trialmesh.Orchestrator
	logger logging.Logger
	echo   *echo.Echo
}

func NewServer(orc *trialmesh.Orchestrator, logger logging.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{orc: orc, logger: logger, echo: e}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.POST("/workflows", s.createWorkflow)
	e.GET("/workflows", s.listWorkflows)
	e.GET("/workflows/active", s.activeWorkflow)
	e.GET("/workflows/:id", s.getWorkflow)
	e.DELETE("/workflows/:id", s.deleteWorkflow)

	e.POST("/workflows/:id/advance", s.advanceWorkflow)
	e.POST("/workflows/:id/pause", s.pauseWorkflow)
	e.POST("/workflows/:id/resume", s.resumeWorkflow)

	e.GET("/workflows/:id/stages/:stage", s.getStage)
	e.PUT("/workflows/:id/stages/:stage", s.updateStage)
	e.POST("/workflows/:id/stages/:stage/analyze", s.analyzeStage)
	e.GET("/workflows/:id/stages/:stage/conversation", s.getConversation)
	e.POST("/workflows/:id/stages/:stage/conversation", s.appendConversation)
	e.GET("/workflows/:id/stages/:stage/job", s.getJobByStage)

	e.POST("/workflows/:id/jobs", s.submitJob)
	e.GET("/jobs/:id", s.getJob)
}

func (s *Server) Start(addr string) error {
	s.logger.Info(context.Background(), "HTTP server listening", "addr", addr)
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler returns the underlying handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// httpError maps the error taxonomy onto status codes: not found 404,
// conflicts 409, illegal transitions 400, everything else 500.
func httpError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, types.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, types.ErrInvalidState):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

type createWorkflowRequest struct {
	Name        string            `json:"name"`
	TrialName   string            `json:"trial_name"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

func (s *Server) createWorkflow(c echo.Context) error {
	var req createWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	wf, err := s.orc.CreateWorkflow(c.Request().Context(), trialmesh.CreateRequest{
		Name:        req.Name,
		TrialName:   req.TrialName,
		Description: req.Description,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, wf)
}

func (s *Server) listWorkflows(c echo.Context) error {
	ctx := c.Request().Context()
	var (
		wfs []*trialmesh.Workflow
		err error
	)
	if trial := c.QueryParam("trial_name"); trial != "" {
		wfs, err = s.orc.ListWorkflowsByTrial(ctx, trial)
	} else {
		wfs, err = s.orc.ListWorkflows(ctx)
	}
	if err != nil {
		return httpError(c, err)
	}
	if wfs == nil {
		wfs = []*trialmesh.Workflow{}
	}
	return c.JSON(http.StatusOK, wfs)
}

func (s *Server) activeWorkflow(c echo.Context) error {
	wf, err := s.orc.ActiveWorkflow(c.Request().Context())
	if err != nil {
		return httpError(c, err)
	}
	if wf == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no active workflow")
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) getWorkflow(c echo.Context) error {
	wf, err := s.orc.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) deleteWorkflow(c echo.Context) error {
	if err := s.orc.DeleteWorkflow(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) advanceWorkflow(c echo.Context) error {
	wf, err := s.orc.AdvanceWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) pauseWorkflow(c echo.Context) error {
	wf, err := s.orc.PauseWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) resumeWorkflow(c echo.Context) error {
	wf, err := s.orc.ResumeWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) getStage(c echo.Context) error {
	sr, err := s.orc.GetStage(c.Request().Context(), c.Param("id"), trialmesh.Stage(c.Param("stage")))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, sr)
}

type updateStageRequest struct {
	Status     string `json:"status"`
	OutputData any    `json:"output_data"`
	Error      string `json:"error"`
}

func (s *Server) updateStage(c echo.Context) error {
	var req updateStageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	wf, err := s.orc.UpdateStage(c.Request().Context(),
		c.Param("id"), trialmesh.Stage(c.Param("stage")),
		trialmesh.StageStatus(req.Status), req.OutputData, req.Error)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) analyzeStage(c echo.Context) error {
	autoAdvance := c.QueryParam("auto_advance") == "true"
	rec, err := s.orc.AnalyzeStage(c.Request().Context(),
		c.Param("id"), trialmesh.Stage(c.Param("stage")), autoAdvance)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) getConversation(c echo.Context) error {
	msgs, err := s.orc.Conversation(c.Request().Context(),
		c.Param("id"), trialmesh.Stage(c.Param("stage")))
	if err != nil {
		return httpError(c, err)
	}
	if msgs == nil {
		msgs = []trialmesh.ConversationMessage{}
	}
	return c.JSON(http.StatusOK, msgs)
}

func (s *Server) appendConversation(c echo.Context) error {
	var msg trialmesh.ConversationMessage
	if err := c.Bind(&msg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.orc.AppendConversation(c.Request().Context(),
		c.Param("id"), trialmesh.Stage(c.Param("stage")), msg); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type submitJobRequest struct {
	Stage       string                       `json:"stage"`
	Description string                       `json:"description"`
	Screening   *trialmesh.ScreeningRequest  `json:"screening,omitempty"`
	Formation   *trialmesh.FormationRequest  `json:"formation,omitempty"`
	Monitoring  *trialmesh.MonitoringRequest `json:"monitoring,omitempty"`
}

func (s *Server) submitJob(c echo.Context) error {
	var req submitJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var payload any
	switch {
	case req.Screening != nil:
		payload = *req.Screening
	case req.Formation != nil:
		payload = *req.Formation
	case req.Monitoring != nil:
		payload = *req.Monitoring
	}
	job, err := s.orc.SubmitJob(c.Request().Context(),
		c.Param("id"), trialmesh.Stage(req.Stage), payload, req.Description)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusAccepted, job)
}

func (s *Server) getJob(c echo.Context) error {
	job, err := s.orc.GetJob(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) getJobByStage(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	stage := trialmesh.Stage(c.Param("stage"))

	if c.QueryParam("active") == "true" {
		job, err := s.orc.GetActiveJob(ctx, id, stage)
		if err != nil {
			return httpError(c, err)
		}
		if job == nil {
			return echo.NewHTTPError(http.StatusNotFound, "no active job for stage")
		}
		return c.JSON(http.StatusOK, job)
	}

	job, err := s.orc.GetJobByStage(ctx, id, stage)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}
