package devicelog

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
)

const defaultRecent = 20

func RegisterRoutes(r fiber.Router, svc *Service) {
	r.Post("/diagnostic-logs", func(c *fiber.Ctx) error {
		var sum Summary
		if err := json.Unmarshal(c.Body(), &sum); err != nil || sum.DeviceID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing device ID"})
		}
		if err := svc.Store(c.UserContext(), sum, c.Body()); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to save diagnostic logs"})
		}
		return c.SendStatus(fiber.StatusOK)
	})

	r.Get("/diagnostic-logs/:deviceID", func(c *fiber.Ctx) error {
		limit := c.QueryInt("limit", defaultRecent)
		if limit <= 0 {
			limit = defaultRecent
		}
		records, err := svc.Recent(c.UserContext(), c.Params("deviceID"), limit)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(records)
	})
}
