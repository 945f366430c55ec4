package http

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/GPEire/Tradie-GSuite/core/domain"
	"github.com/GPEire/Tradie-GSuite/core/port/out"
	"github.com/GPEire/Tradie-GSuite/core/service/scanning"
	"github.com/GPEire/Tradie-GSuite/core/service/watch"
	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
	"github.com/GPEire/Tradie-GSuite/pkg/response"
)

// ScanHandler serves scan kickoff, the per-user scan window config,
// and watch lifecycle management.
type ScanHandler struct {
	scanner  *scanning.Scanner
	watch    *watch.Manager
	users    out.UserRepository
	batchMax int
}

func NewScanHandler(scanner *scanning.Scanner, watchMgr *watch.Manager, users out.UserRepository, batchMax int) *ScanHandler {
	if batchMax <= 0 {
		batchMax = 100
	}
	return &ScanHandler{scanner: scanner, watch: watchMgr, users: users, batchMax: batchMax}
}

func (h *ScanHandler) Register(router fiber.Router) {
	scan := router.Group("/scan")
	scan.Post("/ondemand", h.OnDemand)
	scan.Post("/retroactive", h.Retroactive)
	scan.Get("/config", h.GetConfig)
	scan.Put("/config", h.PutConfig)

	router.Post("/watch", h.StartWatch)
	router.Delete("/watch", h.StopWatch)
}

// OnDemand enqueues up to N recent messages for immediate processing.
// POST /api/v1/scan/ondemand?limit=50
func (h *ScanHandler) OnDemand(c *fiber.Ctx) error {
	userID, err := UserID(c)
	if err != nil {
		return err
	}
	limit := c.QueryInt("limit", h.batchMax)
	if limit < 1 || limit > h.batchMax {
		limit = h.batchMax
	}

	queued, err := h.scanner.OnDemandRecent(c.Context(), userID, limit)
	if err != nil {
		return err
	}
	return response.Accepted(c, fiber.Map{"queued": queued})
}

type retroactiveRequest struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Retroactive kicks off a sliced historical scan. Without an explicit
// window the user's configured scan_from applies.
// POST /api/v1/scan/retroactive
func (h *ScanHandler) Retroactive(c *fiber.Ctx) error {
	userID, err := UserID(c)
	if err != nil {
		return err
	}

	var req retroactiveRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return apperr.BadRequest("invalid request body")
		}
	}

	var slices int
	if req.Start == "" {
		slices, err = h.scanner.StartRetroactive(c.Context(), userID)
	} else {
		start, perr := parseDate(req.Start)
		if perr != nil {
			return apperr.InvalidInput("start", "expected RFC3339 or YYYY-MM-DD")
		}
		end := time.Now().UTC()
		if req.End != "" {
			end, perr = parseDate(req.End)
			if perr != nil {
				return apperr.InvalidInput("end", "expected RFC3339 or YYYY-MM-DD")
			}
		}
		slices, err = h.scanner.StartWindow(c.Context(), userID, start, end)
	}
	if err != nil {
		return err
	}
	return response.Accepted(c, fiber.Map{"slices": slices})
}

// GetConfig returns the caller's scan window and exclusions.
// GET /api/v1/scan/config
func (h *ScanHandler) GetConfig(c *fiber.Ctx) error {
	userID, err := UserID(c)
	if err != nil {
		return err
	}
	sc, err := h.users.GetScanConfig(c.Context(), userID)
	if err != nil {
		return err
	}
	if sc == nil {
		sc = &domain.ScanConfig{UserID: userID}
	}
	return response.OK(c, sc)
}

type scanConfigRequest struct {
	ScanFrom       string   `json:"scan_from"`
	ExcludedLabels []string `json:"excluded_labels,omitempty"`
}

// PutConfig replaces the caller's scan window and exclusions.
// PUT /api/v1/scan/config
func (h *ScanHandler) PutConfig(c *fiber.Ctx) error {
	userID, err := UserID(c)
	if err != nil {
		return err
	}

	var req scanConfigRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("invalid request body")
	}
	if req.ScanFrom == "" {
		return apperr.MissingField("scan_from")
	}
	scanFrom, err := parseDate(req.ScanFrom)
	if err != nil {
		return apperr.InvalidInput("scan_from", "expected RFC3339 or YYYY-MM-DD")
	}
	if scanFrom.After(time.Now().UTC()) {
		return apperr.InvalidInput("scan_from", "cannot be in the future")
	}

	sc := &domain.ScanConfig{
		UserID:         userID,
		ScanFrom:       scanFrom,
		ExcludedLabels: req.ExcludedLabels,
	}
	if err := h.users.SaveScanConfig(c.Context(), sc); err != nil {
		return err
	}
	return response.OK(c, sc)
}

// StartWatch ensures change detection is running for the caller: push
// when available, polling otherwise.
// POST /api/v1/watch
func (h *ScanHandler) StartWatch(c *fiber.Ctx) error {
	userID, err := UserID(c)
	if err != nil {
		return err
	}
	sub, err := h.watch.Ensure(c.Context(), userID)
	if err != nil {
		return err
	}
	return response.OK(c, sub)
}

// StopWatch tears down the caller's change detection.
// DELETE /api/v1/watch
func (h *ScanHandler) StopWatch(c *fiber.Ctx) error {
	userID, err := UserID(c)
	if err != nil {
		return err
	}
	if err := h.watch.Stop(c.Context(), userID); err != nil {
		return err
	}
	return response.NoContent(c)
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
