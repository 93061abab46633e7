package editsession

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/formbuilder/internal/domain/formschema"
	"github.com/ehr/formbuilder/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/form-builder")
	g.POST("/sessions", h.StartSession)
	g.GET("/sessions/:id", h.GetSession)
	g.DELETE("/sessions/:id", h.CancelSession)
	g.PATCH("/sessions/:id/draft", h.UpdateDraft)
	g.GET("/sessions/:id/question-id", h.CheckQuestionID)
	g.POST("/sessions/:id/search", h.Search)
	g.DELETE("/sessions/:id/search", h.ClearSearch)
	g.GET("/sessions/:id/concepts", h.ListConcepts)
	g.POST("/sessions/:id/concept", h.SelectConcept)
	g.PUT("/sessions/:id/answers", h.SelectAnswers)
	g.POST("/sessions/:id/save", h.SaveSession)
}

type startRequest struct {
	Schema   *formschema.Schema  `json:"schema"`
	Position formschema.Position `json:"position"`
}

type searchRequest struct {
	Term string `json:"term"`
}

type selectConceptRequest struct {
	UUID string `json:"uuid"`
}

type selectAnswersRequest struct {
	Selected []formschema.SelectedAnswer `json:"selected"`
}

func (h *Handler) StartSession(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Schema == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "schema is required")
	}
	sess, err := h.svc.StartSession(req.Schema, req.Position)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, sess.View())
}

func (h *Handler) GetSession(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess.View())
}

func (h *Handler) CancelSession(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.CancelSession(id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) UpdateDraft(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	var u DraftUpdate
	if err := c.Bind(&u); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := sess.Update(u); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess.View())
}

func (h *Handler) CheckQuestionID(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess.CheckID(c.QueryParam("candidate")))
}

func (h *Handler) Search(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := sess.Search(req.Term); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, sess.View())
}

func (h *Handler) ClearSearch(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	if err := sess.ClearSearch(); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess.View())
}

func (h *Handler) ListConcepts(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	concepts := sess.View().Search.Concepts
	page := pagination.Slice(concepts, pg)
	resp := pagination.NewResponse(page, len(concepts), pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path)
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) SelectConcept(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	var req selectConceptRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.UUID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "uuid is required")
	}
	if _, err := sess.SelectConcept(req.UUID); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess.View())
}

func (h *Handler) SelectAnswers(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	var req selectAnswersRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := sess.SelectAnswers(req.Selected); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess.View())
}

func (h *Handler) SaveSession(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	res, err := h.svc.SaveSession(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) session(c echo.Context) (*Session, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sess, err := h.svc.GetSession(id)
	if err != nil {
		return nil, httpError(err)
	}
	return sess, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrSessionClosed),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, formschema.ErrStaleHandle):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrConceptNotInResults),
		errors.Is(err, ErrSearchDisabled),
		errors.Is(err, ErrUnknownAnswer),
		errors.Is(err, formschema.ErrDuplicateQuestionID),
		errors.Is(err, formschema.ErrNoQuestion),
		errors.Is(err, formschema.ErrInvalidQuestion):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
