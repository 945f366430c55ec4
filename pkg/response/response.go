// Package response provides the API response envelope.
package response

import (
	"github.com/gofiber/fiber/v2"

	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
)

// Response is the standard API response structure.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// ErrorInfo contains error details.
type ErrorInfo struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Meta contains pagination metadata.
type Meta struct {
	Total    int  `json:"total,omitempty"`
	Page     int  `json:"page,omitempty"`
	PageSize int  `json:"page_size,omitempty"`
	HasMore  bool `json:"has_more,omitempty"`
}

func OK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(Response{Success: true, Data: data})
}

func OKWithMeta(c *fiber.Ctx, data interface{}, meta *Meta) error {
	return c.JSON(Response{Success: true, Data: data, Meta: meta})
}

func Created(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusCreated).JSON(Response{Success: true, Data: data})
}

func Accepted(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusAccepted).JSON(Response{Success: true, Data: data})
}

func NoContent(c *fiber.Ctx) error {
	return c.SendStatus(fiber.StatusNoContent)
}

func Error(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(Response{
		Success: false,
		Error:   &ErrorInfo{Code: code, Message: message},
	})
}

// AppError translates an error through the apperr taxonomy. Internal
// detail never leaks: unclassified errors become a bare 500.
func AppError(c *fiber.Ctx, err error) error {
	appErr := apperr.AsAppError(err)
	info := &ErrorInfo{Code: appErr.Code, Message: appErr.Message}
	if appErr.Status < 500 {
		info.Details = appErr.Details
	} else {
		info.Message = "internal server error"
	}
	return c.Status(appErr.Status).JSON(Response{Success: false, Error: info})
}

// PaginationParams extracts pagination parameters from a request.
type PaginationParams struct {
	Page     int
	PageSize int
	Offset   int
	Limit    int
}

func GetPagination(c *fiber.Ctx, defaultPageSize, maxPageSize int) *PaginationParams {
	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	pageSize := c.QueryInt("page_size", defaultPageSize)
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	limit := c.QueryInt("limit", pageSize)
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset := c.QueryInt("offset", (page-1)*pageSize)

	return &PaginationParams{Page: page, PageSize: pageSize, Offset: offset, Limit: limit}
}
