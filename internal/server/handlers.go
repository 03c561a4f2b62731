package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/askace/internal/ace"
	"github.com/mohammad-safakhou/askace/internal/pipeline"
	"github.com/mohammad-safakhou/askace/internal/playbook"
	"go.uber.org/zap"
)

// answer
//
//	@Summary	Answer a question with cited bullets
//	@Tags		answer
//	@Accept		json
//	@Produce	json
//	@Param		payload	body		pipeline.Request	true	"Question"
//	@Success	200		{object}	pipeline.Response
//	@Failure	400		{object}	HTTPError
//	@Failure	502		{object}	HTTPError
//	@Failure	504		{object}	HTTPError
//	@Router		/api/answer [post]
func (s *Server) answer(c echo.Context) error {
	var req pipeline.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	resp, err := s.deps.Answerer.Answer(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

// listPlaybook returns active items, optionally filtered by tag.
//
//	@Summary	List playbook items
//	@Tags		playbook
//	@Produce	json
//	@Param		tag	query		string	false	"Tag filter"
//	@Success	200	{object}	PlaybookResponse
//	@Router		/api/playbook [get]
func (s *Server) listPlaybook(c echo.Context) error {
	items, err := s.deps.Store.Query(c.Request().Context(), strings.ToLower(strings.TrimSpace(c.QueryParam("tag"))))
	if err != nil {
		return err
	}
	if items == nil {
		items = []playbook.Item{}
	}
	return c.JSON(http.StatusOK, PlaybookResponse{Items: items})
}

// getItem returns one item, deprecated ones included.
func (s *Server) getItem(c echo.Context) error {
	snap, err := s.deps.Store.Snapshot(c.Request().Context())
	if err != nil {
		return err
	}
	it, ok := snap.Items[c.Param("id")]
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "playbook item not found")
	}
	return c.JSON(http.StatusOK, it)
}

// deprecate retires an item through the curator.
//
//	@Summary	Deprecate a playbook item
//	@Tags		playbook
//	@Security	BearerAuth
//	@Accept		json
//	@Produce	json
//	@Param		id		path		string				true	"Item id"
//	@Param		payload	body		DeprecateRequest	false	"Reason"
//	@Success	200		{object}	DeprecateResponse
//	@Failure	401		{object}	HTTPError
//	@Failure	403		{object}	HTTPError
//	@Failure	404		{object}	HTTPError
//	@Router		/api/playbook/{id}/deprecate [post]
func (s *Server) deprecate(c echo.Context) error {
	if s.deps.Curator == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "playbook writes disabled")
	}
	id := c.Param("id")
	var req DeprecateRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
		}
	}
	ctx := c.Request().Context()
	snap, err := s.deps.Store.Snapshot(ctx)
	if err != nil {
		return err
	}
	if _, ok := snap.Items[id]; !ok {
		return echo.NewHTTPError(http.StatusNotFound, "playbook item not found")
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual deprecation"
	}
	subject, _ := c.Get("subject").(string)
	res, err := s.deps.Curator.Curate(ctx, []ace.Delta{{
		Action:     ace.ActionDeprecate,
		TargetID:   id,
		Rationale:  reason,
		Confidence: 1,
		Rule:       ace.RuleManual,
	}})
	if err != nil {
		return err
	}
	s.logger.Info("playbook item deprecated", zap.String("id", id), zap.String("by", subject), zap.String("reason", reason))
	return c.JSON(http.StatusOK, DeprecateResponse{ID: id, Result: res})
}
