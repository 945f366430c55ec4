package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/GPEire/Tradie-GSuite/core/domain"
	"github.com/GPEire/Tradie-GSuite/core/port/out"
	"github.com/GPEire/Tradie-GSuite/core/service/correction"
	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
	"github.com/GPEire/Tradie-GSuite/pkg/response"
)

const recentMappingLimit = 25

// ProjectHandler serves the project view and the manual override
// endpoints. Overrides go through the correction service so every
// change lands in the correction log.
type ProjectHandler struct {
	projects    out.ProjectRepository
	mappings    out.MappingRepository
	events      out.EventRepository
	corrections *correction.Service
}

func NewProjectHandler(projects out.ProjectRepository, mappings out.MappingRepository, events out.EventRepository, corrections *correction.Service) *ProjectHandler {
	return &ProjectHandler{
		projects:    projects,
		mappings:    mappings,
		events:      events,
		corrections: corrections,
	}
}

func (h *ProjectHandler) Register(router fiber.Router) {
	projects := router.Group("/projects")
	projects.Get("/", h.List)
	projects.Get("/:id", h.Get)
	projects.Patch("/:id", h.Update)
	projects.Post("/:id/emails", h.AssignEmail)
	projects.Delete("/:id/emails/:mid", h.UnassignEmail)
	projects.Post("/:id/merge", h.Merge)
	projects.Post("/:id/split", h.Split)

	router.Get("/events", h.Events)
}

// List returns the caller's projects, filterable by status and review
// flag.
// GET /api/v1/projects?status=active&needs_review=true
func (h *ProjectHandler) List(c *fiber.Ctx) error {
	userID, err := UserID(c)
	if err != nil {
		return err
	}

	filter := out.ProjectFilter{NeedsReview: queryBool(c, "needs_review")}
	if status := c.Query("status"); status != "" {
		s := domain.ProjectStatus(status)
		if !s.Valid() {
			return apperr.InvalidInput("status", "unknown status")
		}
		filter.Status = s
	}

	page := response.GetPagination(c, 20, 100)
	filter.Limit = page.Limit
	filter.Offset = page.Offset

	items, err := h.projects.ListByUser(c.Context(), userID, filter)
	if err != nil {
		return err
	}
	total, err := h.projects.Count(c.Context(), userID, filter)
	if err != nil {
		return err
	}

	return response.OKWithMeta(c, items, &response.Meta{
		Total:    total,
		Page:     page.Page,
		PageSize: page.PageSize,
		HasMore:  page.Offset+len(items) < total,
	})
}

// Get returns one project with its most recent messages.
// GET /api/v1/projects/:id
func (h *ProjectHandler) Get(c *fiber.Ctx) error {
	userID, err := UserID(c)
	if err != nil {
		return err
	}
	projectID, err := paramID(c, "id")
	if err != nil {
		return err
	}

	project, err := h.projects.GetByID(c.Context(), userID, projectID)
	if err != nil {
		return err
	}
	recent, err := h.mappings.ListByProject(c.Context(), userID, projectID, recentMappingLimit)
	if err != nil {
		return err
	}

	return response.OK(c, fiber.Map{
		"project":         project,
		"recent_messages": recent,
	})
}

type updateProjectRequest struct {
	Name       string   `json:"name,omitempty"`
	AddAliases []string `json:"add_aliases,omitempty"`
	Status     string   `json:"status,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// Update renames a project and/or applies alias and status changes.
// PATCH /api/v1/projects/:id
func (h *ProjectHandler) Update(c *fiber.Ctx) error {
	userID, err := UserID(c)
	if err != nil {
		return err
	}
	projectID, err := paramID(c, "id")
	if err != nil {
		return err
	}

	var req updateProjectRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("invalid request body")
	}
	if req.Name == "" && len(req.AddAliases) == 0 && req.Status == "" {
		return apperr.BadRequest("nothing to update")
	}

	var last *domain.Correction
	if req.Name != "" {
		last, err = h.corrections.Rename(c.Context(), userID, projectID, req.Name, req.Reason)
		if err != nil {
			return err
		}
	}
	if len(req.AddAliases) > 0 || req.Status != "" {
		last, err = h.corrections.Update(c.Context(), userID, projectID, req.AddAliases, domain.ProjectStatus(req.Status), req.Reason)
		if err != nil {
			return err
		}
	}

	project, err := h.projects.GetByID(c.Context(), userID, projectID)
	if err != nil {
		return err
	}
	return response.OK(c, fiber.Map{
		"project":    project,
		"correction": last,
	})
}

type assignEmailRequest struct {
	MessageID string `json:"message_id"`
	Reason    string `json:"reason,omitempty"`
}

// AssignEmail manually attaches a message to a project.
// POST /api/v1/projects/:id/emails
func (h *ProjectHandler) AssignEmail(c *fiber.Ctx) error {
	userID, err := UserID(c)
	if err != nil {
		return err
	}
	projectID, err := paramID(c, "id")
	if err != nil {
		return err
	}

	var req assignEmailRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("invalid request body")
	}
	if req.MessageID == "" {
		return apperr.MissingField("message_id")
	}

	corr, err := h.corrections.Assign(c.Context(), userID, req.MessageID, projectID, req.Reason)
	if err != nil {
		return err
	}
	return response.Created(c, corr)
}

// UnassignEmail removes a message from its project.
// DELETE /api/v1/projects/:id/emails/:mid
func (h *ProjectHandler) UnassignEmail(c *fiber.Ctx) error {
	userID, err := UserID(c)
	if err != nil {
		return err
	}
	projectID, err := paramID(c, "id")
	if err != nil {
		return err
	}
	messageID := c.Params("mid")
	if messageID == "" {
		return apperr.MissingField("mid")
	}

	existing, err := h.mappings.GetActive(c.Context(), userID, messageID)
	if err != nil {
		return err
	}
	if existing == nil || existing.ProjectID != projectID {
		return apperr.NotFound("mapping")
	}

	corr, err := h.corrections.Unassign(c.Context(), userID, messageID, c.Query("reason"))
	if err != nil {
		return err
	}
	return response.OK(c, corr)
}

// Merge folds this project into the target named by the query param.
// POST /api/v1/projects/:id/merge?target=123
func (h *ProjectHandler) Merge(c *fiber.Ctx) error {
	userID, err := UserID(c)
	if err != nil {
		return err
	}
	sourceID, err := paramID(c, "id")
	if err != nil {
		return err
	}
	targetID := int64(c.QueryInt("target", 0))
	if targetID <= 0 {
		return apperr.InvalidInput("target", "must be a positive integer id")
	}

	corr, err := h.corrections.Merge(c.Context(), userID, sourceID, targetID, c.Query("reason"))
	if err != nil {
		return err
	}
	return response.OK(c, corr)
}

type splitRequest struct {
	MessageIDs []string `json:"message_ids"`
	NewName    string   `json:"new_name"`
	Reason     string   `json:"reason,omitempty"`
}

// Split carves the given messages out into a new project.
// POST /api/v1/projects/:id/split
func (h *ProjectHandler) Split(c *fiber.Ctx) error {
	userID, err := UserID(c)
	if err != nil {
		return err
	}
	projectID, err := paramID(c, "id")
	if err != nil {
		return err
	}

	var req splitRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("invalid request body")
	}

	corr, err := h.corrections.Split(c.Context(), userID, projectID, req.MessageIDs, req.NewName, req.Reason)
	if err != nil {
		return err
	}
	return response.Created(c, corr)
}

// Events returns the recent resolution event feed.
// GET /api/v1/events?limit=50
func (h *ProjectHandler) Events(c *fiber.Ctx) error {
	userID, err := UserID(c)
	if err != nil {
		return err
	}
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}
	events, err := h.events.ListRecent(c.Context(), userID, limit)
	if err != nil {
		return err
	}
	return response.OK(c, events)
}
