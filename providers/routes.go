package providers

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/orchestra-mcp/madonna/src/obs"
	"github.com/orchestra-mcp/madonna/src/session"
	"github.com/orchestra-mcp/madonna/src/types"
)

func (a *App) newRouter() *fiber.App {
	app := fiber.New(fiber.Config{AppName: "madonna " + Version})
	a.RegisterRoutes(app)
	return app
}

// Router returns the Fiber app serving the status routes.
func (a *App) Router() *fiber.App { return a.http }

// RegisterRoutes registers the session and realtime status routes.
func (a *App) RegisterRoutes(group fiber.Router) {
	group.Get("/healthz", a.handleHealth)
	group.Get("/session", a.handleSession)
	group.Get("/session/persisted", a.handlePersisted)
	group.Post("/session/check", a.handleCheck)
	group.Post("/session/login", a.handleLogin)
	group.Post("/session/team", a.handleSelectTeam)
	group.Post("/session/logout", a.handleLogout)
	group.Get("/realtime/info", a.handleRealtimeInfo)
	group.Post("/realtime/send", a.handleRealtimeSend)
	group.Get("/metrics", adaptor.HTTPHandler(obs.Handler()))
}

func (a *App) handleHealth(c fiber.Ctx) error {
	s := a.lifecycle.Snapshot()
	return c.JSON(fiber.Map{
		"status":  "ok",
		"version": Version,
		"loaded":  s.IsLoaded,
		"ready":   s.KickoffReady,
	})
}

func (a *App) handleSession(c fiber.Ctx) error {
	return c.JSON(a.lifecycle.Snapshot())
}

// handlePersisted returns the last snapshot written to the store, which may
// predate this process.
func (a *App) handlePersisted(c fiber.Ctx) error {
	if a.store == nil || !a.cfg.Session.Persist {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "session persistence is disabled"})
	}
	ctx, cancel := context.WithTimeout(c.Context(), a.cfg.Session.CheckTimeout)
	defer cancel()
	s, ok, err := a.store.Load(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("load persisted snapshot failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no persisted session"})
	}
	return c.JSON(s)
}

func (a *App) handleCheck(c fiber.Ctx) error {
	a.lifecycle.CheckSession()
	return c.SendStatus(fiber.StatusAccepted)
}

func (a *App) handleLogin(c fiber.Ctx) error {
	a.lifecycle.Login()
	return c.SendStatus(fiber.StatusAccepted)
}

func (a *App) handleSelectTeam(c fiber.Ctx) error {
	var req struct {
		TeamID string `json:"team_id"`
	}
	if err := json.Unmarshal(c.Body(), &req); err != nil || req.TeamID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "invalid_request",
			"message": "team_id is required",
		})
	}
	ctx, cancel := context.WithTimeout(c.Context(), a.cfg.Session.CheckTimeout)
	defer cancel()
	if err := a.lifecycle.SelectTeam(ctx, req.TeamID); err != nil {
		status := fiber.StatusInternalServerError
		if errors.Is(err, session.ErrUnknownTeam) {
			status = fiber.StatusNotFound
		}
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(a.lifecycle.Snapshot())
}

func (a *App) handleLogout(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), a.cfg.Session.CheckTimeout)
	defer cancel()
	if err := a.lifecycle.Logout(ctx); err != nil {
		a.logger.Error().Err(err).Msg("logout failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(a.lifecycle.Snapshot())
}

func (a *App) handleRealtimeInfo(c fiber.Ctx) error {
	ch, ok := a.channelStarted()
	if !ok {
		return c.JSON(fiber.Map{
			"started":   false,
			"transport": a.cfg.Realtime.Transport,
			"state":     types.StateClosed,
		})
	}
	return c.JSON(fiber.Map{
		"started":   true,
		"transport": a.cfg.Realtime.Transport,
		"info":      ch.Info(),
	})
}

func (a *App) handleRealtimeSend(c fiber.Ctx) error {
	var msg types.Message
	if err := json.Unmarshal(c.Body(), &msg); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "invalid_frame",
			"message": err.Error(),
		})
	}
	svc := a.Service()
	if err := svc.Send(msg); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"action": msg.Action,
		"queued": svc.Info().QueueLength,
	})
}
