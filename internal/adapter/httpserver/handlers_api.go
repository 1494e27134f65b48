package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	apperrors "github.com/pscheid92/sessionlock/internal/platform/errors"
	"github.com/pscheid92/sessionlock/internal/sessionlock"
)

const maxSessionIDLength = 256

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

type visibilityRequest struct {
	Visible *bool `json:"visible"`
}

type checkResponse struct {
	ForeignActive bool               `json:"foreign_active"`
	Status        sessionlock.Status `json:"status"`
}

func (s *Server) registerAPIRoutes(api *echo.Group) {
	api.GET("/status", s.handleStatus)
	api.PUT("/session", s.handleSetSession)
	api.DELETE("/session", s.handleClearSession)
	api.POST("/check", s.handleCheck)
	api.POST("/lifecycle/visibility", s.handleVisibility)
	api.POST("/lifecycle/pagehide", s.handlePageHide)
	api.POST("/lifecycle/pageshow", s.handlePageShow)
}

func (s *Server) writeStatus(c echo.Context) error {
	if err := c.JSON(http.StatusOK, s.coord.Status()); err != nil {
		return fmt.Errorf("failed to write status response: %w", err)
	}
	return nil
}

func (s *Server) handleStatus(c echo.Context) error {
	return s.writeStatus(c)
}

func (s *Server) handleSetSession(c echo.Context) error {
	var req sessionRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		return apperrors.ValidationError("session_id is required")
	}
	if len(id) > maxSessionIDLength {
		return apperrors.ValidationError("session_id is too long").WithField("max_length", maxSessionIDLength)
	}

	s.coord.SetSessionID(c.Request().Context(), id)
	return s.writeStatus(c)
}

func (s *Server) handleClearSession(c echo.Context) error {
	s.coord.ClearSessionID(c.Request().Context())
	return s.writeStatus(c)
}

// handleCheck runs one consistency check. Concurrent requests share a single
// evaluation.
func (s *Server) handleCheck(c echo.Context) error {
	ctx := context.WithoutCancel(c.Request().Context())
	v, _, _ := s.checks.Do("check", func() (any, error) {
		return s.coord.CheckConsistencyNow(ctx), nil
	})
	foreign, _ := v.(bool)

	if err := c.JSON(http.StatusOK, checkResponse{ForeignActive: foreign, Status: s.coord.Status()}); err != nil {
		return fmt.Errorf("failed to write check response: %w", err)
	}
	return nil
}

func (s *Server) handleVisibility(c echo.Context) error {
	var req visibilityRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if req.Visible == nil {
		return apperrors.ValidationError("visible is required")
	}

	s.coord.SetVisible(c.Request().Context(), *req.Visible)
	return s.writeStatus(c)
}

func (s *Server) handlePageHide(c echo.Context) error {
	s.coord.PageHide(c.Request().Context())
	return s.writeStatus(c)
}

func (s *Server) handlePageShow(c echo.Context) error {
	s.coord.PageShow(c.Request().Context())
	return s.writeStatus(c)
}
