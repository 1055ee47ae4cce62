package tracking

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, svc *Service) {
	r.Post("/location-update", func(c *fiber.Ctx) error {
		var req LocationUpdate
		if err := json.Unmarshal(c.Body(), &req); err != nil || !svc.Valid(req) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":    "Missing required data",
				"required": []string{"id", "latitude", "longitude"},
				"received": received(c.Body()),
			})
		}
		if _, err := svc.UpdateLocation(c.UserContext(), req); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.SendStatus(fiber.StatusOK)
	})

	r.Post("/location-batch", func(c *fiber.Ctx) error {
		var req struct {
			Locations []json.RawMessage `json:"locations"`
		}
		if err := json.Unmarshal(c.Body(), &req); err != nil || len(req.Locations) == 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid location batch data"})
		}

		// entries that do not decode are skipped like any other invalid entry
		updates := make([]LocationUpdate, 0, len(req.Locations))
		for _, raw := range req.Locations {
			var u LocationUpdate
			if err := json.Unmarshal(raw, &u); err != nil {
				updates = append(updates, LocationUpdate{})
				continue
			}
			updates = append(updates, u)
		}
		if _, err := svc.ProcessBatch(c.UserContext(), updates); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.SendStatus(fiber.StatusOK)
	})

	r.Post("/tracking-status", func(c *fiber.Ctx) error {
		var req StatusRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		req.ID = strings.TrimSpace(req.ID)
		if req.ID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing tracker ID"})
		}
		if err := svc.SetStatus(c.UserContext(), req.ID, req.Action); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.SendStatus(fiber.StatusOK)
	})

	r.Get("/locations", func(c *fiber.Ctx) error {
		all, err := svc.All(c.UserContext())
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(all)
	})

	r.Get("/locations/:id", func(c *fiber.Ctx) error {
		view, err := svc.Tracker(c.UserContext(), c.Params("id"))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(view)
	})

	r.Delete("/locations/:id", func(c *fiber.Ctx) error {
		err := svc.Delete(c.UserContext(), c.Params("id"))
		if errors.Is(err, ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Tracker not found"})
		}
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.SendStatus(fiber.StatusOK)
	})

	r.Post("/update-tracking-id", func(c *fiber.Ctx) error {
		var req RenameRequest
		if err := c.BodyParser(&req); err != nil || req.OldID == "" || req.NewID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing ID information"})
		}
		err := svc.Rename(c.UserContext(), req.OldID, req.NewID)
		if errors.Is(err, ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Original tracking ID not found"})
		}
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.SendStatus(fiber.StatusOK)
	})
}

// received echoes the request body back in validation errors.
func received(body []byte) any {
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	return string(body)
}
