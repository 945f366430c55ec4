package http

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
)

// UserID extracts the authenticated user id set by the JWT middleware.
func UserID(c *fiber.Ctx) (string, error) {
	id, ok := c.Locals("user_id").(string)
	if !ok || id == "" {
		return "", apperr.Unauthorized("")
	}
	return id, nil
}

func paramID(c *fiber.Ctx, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Params(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.InvalidInput(name, "must be a positive integer id")
	}
	return id, nil
}

func queryBool(c *fiber.Ctx, key string) *bool {
	val := c.Query(key)
	if val == "" {
		return nil
	}
	b := val == "true" || val == "1"
	return &b
}
