package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/veritas-labs/veritas/automod/engine"
	"github.com/veritas-labs/veritas/automod/moderr"
	"github.com/veritas-labs/veritas/models"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

type GenericError struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Adapts go-playground/validator to echo's Validator hook; failures come back as validation errors.
type requestValidator struct {
	v *validator.Validate
}

func newRequestValidator() *requestValidator {
	return &requestValidator{v: validator.New(validator.WithRequiredStructEnabled())}
}

func (rv *requestValidator) Validate(i any) error {
	err := rv.v.Struct(i)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		out := make([]string, len(ve))
		for i, fe := range ve {
			out[i] = fe.Field() + " " + fe.Tag()
		}
		return moderr.Validation("invalid request: %s", strings.Join(out, ", "))
	}
	return moderr.Validation("invalid request: %v", err)
}

type moderateBody struct {
	Content        string `json:"content"`
	URL            string `json:"url" validate:"max=8192"`
	Title          string `json:"title"`
	RequesterID    string `json:"requester_id" validate:"max=256"`
	SubscriptionID string `json:"subscription_id" validate:"max=256"`
}

type ruleBody struct {
	Name        string `json:"name" validate:"max=256"`
	Pattern     string `json:"pattern" validate:"max=4096"`
	PatternType string `json:"pattern_type" validate:"omitempty,oneof=regex substring domain hash"`
	Action      string `json:"action" validate:"omitempty,oneof=allow block review"`
	Priority    int    `json:"priority"`
	// defaults to true on create
	Enabled *bool `json:"enabled"`
}

func (b *ruleBody) spec() engine.RuleSpec {
	enabled := true
	if b.Enabled != nil {
		enabled = *b.Enabled
	}
	return engine.RuleSpec{
		Name:        b.Name,
		Pattern:     b.Pattern,
		PatternType: models.PatternType(b.PatternType),
		Action:      models.Outcome(b.Action),
		Priority:    b.Priority,
		Enabled:     enabled,
	}
}

type reviewListQuery struct {
	Status string `query:"status" validate:"omitempty,oneof=pending in_progress resolved"`
	Limit  int    `query:"limit" validate:"gte=0,lte=500"`
	Cursor uint64 `query:"cursor"`
}

type assignBody struct {
	Assignee        string `json:"assignee" validate:"max=256"`
	ExpectedVersion int64  `json:"expected_version" validate:"gte=0"`
}

type unassignBody struct {
	ExpectedVersion int64 `json:"expected_version" validate:"gte=0"`
}

type resolveBody struct {
	Outcome         string `json:"outcome" validate:"required,oneof=allow block"`
	Note            string `json:"note" validate:"max=4096"`
	ExpectedVersion int64  `json:"expected_version" validate:"gte=0"`
}

type recordsQuery struct {
	ContentHash string `query:"content_hash" validate:"required"`
	Limit       int    `query:"limit" validate:"gte=0,lte=500"`
}

type statsQuery struct {
	Period         string `query:"period" validate:"omitempty,oneof=total day hour"`
	SubscriptionID string `query:"subscription_id" validate:"max=256"`
}

func bearer(c echo.Context) string {
	return c.Request().Header.Get(echo.HeaderAuthorization)
}

func bindValid(c echo.Context, i any) error {
	if err := c.Bind(i); err != nil {
		return err
	}
	return c.Validate(i)
}

func pathID(c echo.Context) (uint64, error) {
	raw := c.Param("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, moderr.Validation("invalid id: %q", raw)
	}
	return id, nil
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	body := GenericError{Error: string(moderr.KindInternal), Message: "internal error"}

	var he *echo.HTTPError
	var me *moderr.Error
	switch {
	case errors.As(err, &he):
		code = he.Code
		body.Error = strings.ToLower(strings.ReplaceAll(http.StatusText(code), " ", "_"))
		body.Message = fmt.Sprintf("%v", he.Message)
	case errors.As(err, &me):
		code = statusForKind(me.Kind)
		body.Error = string(me.Kind)
		body.Retryable = me.Retryable()
		if me.Kind != moderr.KindInternal {
			body.Message = me.Detail
		}
	}
	if code >= 500 {
		srv.logger.Warn("moderator-http-internal-error", "err", err, "path", c.Path())
	}
	if err := c.JSON(code, body); err != nil {
		srv.logger.Error("writing error response", "err", err)
	}
}

func statusForKind(kind moderr.Kind) int {
	switch kind {
	case moderr.KindAuthorization:
		return http.StatusUnauthorized
	case moderr.KindForbidden:
		return http.StatusForbidden
	case moderr.KindValidation:
		return http.StatusBadRequest
	case moderr.KindNotFound:
		return http.StatusNotFound
	case moderr.KindConflict:
		return http.StatusConflict
	case moderr.KindTimeout:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	if err := srv.engine.Ping(c.Request().Context()); err != nil {
		srv.logger.Error("healthcheck can't connect to database", "err", err)
		return c.JSON(http.StatusServiceUnavailable, GenericStatus{Status: "error", Daemon: "moderator", Message: "can't connect to database"})
	}
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "moderator"})
}

func (srv *Server) HandleModerate(c echo.Context) error {
	var body moderateBody
	if err := bindValid(c, &body); err != nil {
		return err
	}
	dec, err := srv.engine.Evaluate(c.Request().Context(), bearer(c), engine.ModerationRequest{
		Content:        body.Content,
		URL:            body.URL,
		Title:          body.Title,
		RequesterID:    body.RequesterID,
		SubscriptionID: body.SubscriptionID,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, dec)
}

func (srv *Server) HandleListRules(c echo.Context) error {
	out, err := srv.engine.ListRules(c.Request().Context(), bearer(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"rules": out})
}

func (srv *Server) HandleGetRule(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	r, err := srv.engine.GetRule(c.Request().Context(), bearer(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

func (srv *Server) HandleCreateRule(c echo.Context) error {
	var body ruleBody
	if err := bindValid(c, &body); err != nil {
		return err
	}
	r, err := srv.engine.CreateRule(c.Request().Context(), bearer(c), body.spec())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, r)
}

func (srv *Server) HandleUpdateRule(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var body ruleBody
	if err := bindValid(c, &body); err != nil {
		return err
	}
	r, err := srv.engine.UpdateRule(c.Request().Context(), bearer(c), id, body.spec())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

func (srv *Server) setRuleEnabled(c echo.Context, enabled bool) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	r, err := srv.engine.SetRuleEnabled(c.Request().Context(), bearer(c), id, enabled)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

func (srv *Server) HandleEnableRule(c echo.Context) error {
	return srv.setRuleEnabled(c, true)
}

func (srv *Server) HandleDisableRule(c echo.Context) error {
	return srv.setRuleEnabled(c, false)
}

func (srv *Server) HandleListReviews(c echo.Context) error {
	var q reviewListQuery
	if err := bindValid(c, &q); err != nil {
		return err
	}
	items, err := srv.engine.ListReviews(c.Request().Context(), bearer(c), q.Status, q.Limit, q.Cursor)
	if err != nil {
		return err
	}
	out := map[string]any{"reviews": items}
	if len(items) > 0 {
		out["cursor"] = strconv.FormatUint(items[len(items)-1].ID, 10)
	}
	return c.JSON(http.StatusOK, out)
}

func (srv *Server) HandleGetReview(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	item, err := srv.engine.GetReview(c.Request().Context(), bearer(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, item)
}

func (srv *Server) HandleAssignReview(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var body assignBody
	if err := bindValid(c, &body); err != nil {
		return err
	}
	item, err := srv.engine.AssignReview(c.Request().Context(), bearer(c), id, body.Assignee, body.ExpectedVersion)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, item)
}

func (srv *Server) HandleUnassignReview(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var body unassignBody
	if err := bindValid(c, &body); err != nil {
		return err
	}
	item, err := srv.engine.UnassignReview(c.Request().Context(), bearer(c), id, body.ExpectedVersion)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, item)
}

func (srv *Server) HandleResolveReview(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var body resolveBody
	if err := bindValid(c, &body); err != nil {
		return err
	}
	item, err := srv.engine.ResolveReview(c.Request().Context(), bearer(c), id, models.Outcome(body.Outcome), body.Note, body.ExpectedVersion)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, item)
}

func (srv *Server) HandleListRecords(c echo.Context) error {
	var q recordsQuery
	if err := bindValid(c, &q); err != nil {
		return err
	}
	out, err := srv.engine.ListRecords(c.Request().Context(), bearer(c), q.ContentHash, q.Limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"records": out})
}

func (srv *Server) HandleGetCacheEntry(c echo.Context) error {
	ent, err := srv.engine.GetCacheEntry(c.Request().Context(), bearer(c), c.Param("hash"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ent)
}

func (srv *Server) HandleStats(c echo.Context) error {
	var q statsQuery
	if err := bindValid(c, &q); err != nil {
		return err
	}
	out, err := srv.engine.Stats(c.Request().Context(), bearer(c), q.Period, q.SubscriptionID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}
