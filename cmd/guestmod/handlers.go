package main

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/guestbook-social/guestbook/moderation"
	"github.com/guestbook-social/guestbook/queue"

	"github.com/PuerkitoBio/purell"
	"github.com/labstack/echo/v4"
	"github.com/rivo/uniseg"
)

// in user-perceived characters
const maxCommentLength = 5000

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

type SubmitCommentRequest struct {
	Item   string `json:"item"`
	Author string `json:"author"`
	Email  string `json:"email"`
	Text   string `json:"text"`
	// page the comment was posted on
	Permalink string `json:"permalink"`
	// optional uploaded photo; the name is only used for its extension
	PhotoName string `json:"photoName,omitempty"`
	Photo     []byte `json:"photo,omitempty"`
}

type CommentView struct {
	ID            uint       `json:"id"`
	Item          string     `json:"item"`
	Author        string     `json:"author"`
	Email         string     `json:"email"`
	Text          string     `json:"text"`
	PhotoFilename string     `json:"photoFilename,omitempty"`
	State         string     `json:"state"`
	CreatedAt     time.Time  `json:"createdAt"`
	OptimizedAt   *time.Time `json:"optimizedAt,omitempty"`
	Version       int64      `json:"version"`
}

func commentView(c *moderation.Comment) CommentView {
	return CommentView{
		ID:            c.ID,
		Item:          c.ItemSlug,
		Author:        c.Author,
		Email:         c.Email,
		Text:          c.Text,
		PhotoFilename: c.PhotoFilename,
		State:         c.State.String(),
		CreatedAt:     c.CreatedAt,
		OptimizedAt:   c.OptimizedAt,
		Version:       c.Version,
	}
}

type RequeueResult struct {
	Requeued int `json:"requeued"`
}

func (s *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	var errorMessage string
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		errorMessage = fmt.Sprintf("%s", he.Message)
	}
	if code >= 500 {
		s.logger.Warn("guestmod-http-internal-error", "err", err)
	}
	c.JSON(code, GenericStatus{Status: "error", Daemon: "guestmod", Message: errorMessage})
}

func (s *Server) checkAdminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(e echo.Context) error {
		if s.adminToken == "" {
			return echo.ErrForbidden
		}
		authheader := e.Request().Header.Get("Authorization")
		pref := "Bearer "
		if !strings.HasPrefix(authheader, pref) {
			return echo.ErrForbidden
		}
		token := authheader[len(pref):]
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			return echo.ErrForbidden
		}
		return next(e)
	}
}

func (s *Server) HandleHealthCheck(c echo.Context) error {
	return c.JSON(200, GenericStatus{Status: "ok", Daemon: "guestmod"})
}

func (s *Server) HandleSubmitComment(c echo.Context) error {
	ctx := c.Request().Context()

	var body SubmitCommentRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid comment body")
	}
	if body.Item == "" || body.Author == "" || body.Email == "" || body.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "item, author, email and text are required")
	}
	if graphemeCount(body.Text) > maxCommentLength {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("comment text is limited to %d characters", maxCommentLength))
	}
	if !s.allowSubmission(c.RealIP()) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many comments, try again later")
	}

	req := moderation.SubmitRequest{
		ItemSlug: body.Item,
		Author:   body.Author,
		Email:    body.Email,
		Text:     body.Text,
		Context: moderation.MessageContext{
			UserIP:    c.RealIP(),
			UserAgent: c.Request().UserAgent(),
			Referrer:  c.Request().Referer(),
			Permalink: normalizePermalink(body.Permalink),
		},
	}
	if len(body.Photo) > 0 {
		name, err := s.storePhoto(body.PhotoName, body.Photo)
		if err != nil {
			return fmt.Errorf("storing photo: %w", err)
		}
		req.PhotoFilename = name
	}

	comment, err := s.submitter.Submit(ctx, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, commentView(comment))
}

func graphemeCount(s string) int {
	n := 0
	gr := uniseg.NewGraphemes(s)
	for gr.Next() {
		n++
	}
	return n
}

func normalizePermalink(raw string) string {
	if raw == "" {
		return ""
	}
	clean, err := purell.NormalizeURLString(raw, purell.FlagsSafe|purell.FlagRemoveFragment|purell.FlagRemoveDuplicateSlashes)
	if err != nil {
		return raw
	}
	return clean
}

func (s *Server) storePhoto(uploadName string, data []byte) (string, error) {
	if s.photoDir == "" {
		return "", fmt.Errorf("photo uploads not configured")
	}
	name, err := moderation.NewPhotoFilename(uploadName)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(s.photoDir, name), data, 0o644); err != nil {
		return "", err
	}
	return name, nil
}

func parseCommentID(c echo.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid comment id")
	}
	return uint(id), nil
}

func (s *Server) HandleGetComment(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := parseCommentID(c)
	if err != nil {
		return err
	}
	comment, err := s.store.Load(ctx, id)
	if errors.Is(err, moderation.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "comment not found")
	} else if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, commentView(comment))
}

func (s *Server) HandleReviewComment(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := parseCommentID(c)
	if err != nil {
		return err
	}
	comment, err := s.reviewer.Publish(ctx, id)
	switch {
	case errors.Is(err, moderation.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "comment not found")
	case moderation.IsReviewConflict(err):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil && comment != nil:
		// published, but the follow-up message was lost
		s.logger.Error("failed to enqueue message for reviewed comment", "comment", id, "err", err)
		return c.JSON(http.StatusAccepted, commentView(comment))
	case err != nil:
		return err
	}
	return c.JSON(http.StatusOK, commentView(comment))
}

func (s *Server) HandleListDeadLetters(c echo.Context) error {
	dead, err := s.consumer.DeadLetters(c.Request().Context())
	if err != nil {
		return err
	}
	if dead == nil {
		dead = []queue.DeadLetter{}
	}
	return c.JSON(http.StatusOK, dead)
}

func (s *Server) HandleRequeueDeadLetters(c echo.Context) error {
	n, err := s.consumer.RequeueDead(c.Request().Context())
	if err != nil {
		return err
	}
	s.logger.Info("requeued dead-lettered moderation messages", "count", n)
	return c.JSON(http.StatusOK, RequeueResult{Requeued: n})
}

func (s *Server) HandleRedrive(c echo.Context) error {
	if s.redriver == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "comment store cannot list unsettled comments")
	}
	n, err := s.redriver.Redrive(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, RequeueResult{Requeued: n})
}
