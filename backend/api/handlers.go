package api

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/andi/barkest/backend/logview"
	"github.com/andi/barkest/backend/models"
	"github.com/andi/barkest/backend/runner"
	"github.com/gofiber/fiber/v2"
)

// ============== Page Rendering ==============

func (s *Server) renderIndex(c *fiber.Ctx) error {
	tasks := make([]models.TaskInfo, 0)
	for _, def := range s.registry.List() {
		tasks = append(tasks, def.Info())
	}

	return c.Render("index", fiber.Map{
		"Title":   "Barkest - System Tasks",
		"Tasks":   tasks,
		"Status":  s.runner.Manager().Current(),
		"Version": s.opts.Version,
	})
}

func (s *Server) renderStatus(c *fiber.Ctx) error {
	id, err := s.sessionID(c)
	if err != nil {
		return err
	}
	completion, err := s.runner.Completion(id)
	if err != nil {
		return err
	}

	return c.Render("status", fiber.Map{
		"Title":      "Barkest - Current Status",
		"Completion": withCompletionDefaults(completion),
	})
}

// ============== Status Handlers ==============

func (s *Server) getStatus(c *fiber.Ctx) error {
	return c.JSON(s.runner.Manager().Current())
}

func (s *Server) pollFirst(c *fiber.Ctx) error {
	id, err := s.sessionID(c)
	if err != nil {
		return err
	}
	poll, err := s.runner.First(id)
	if err != nil {
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}
	return c.JSON(poll)
}

func (s *Server) pollMore(c *fiber.Ctx) error {
	id, err := s.sessionID(c)
	if err != nil {
		return err
	}
	poll, err := s.runner.More(id)
	if err != nil {
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}
	return c.JSON(poll)
}

func (s *Server) getCompletion(c *fiber.Ctx) error {
	id, err := s.sessionID(c)
	if err != nil {
		return err
	}
	completion, err := s.runner.Completion(id)
	if err != nil {
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}
	return c.JSON(withCompletionDefaults(completion))
}

func withCompletionDefaults(c models.Completion) models.Completion {
	if c.RedirectURL == "" {
		c.RedirectURL = "/"
	}
	if c.ButtonLabel == "" {
		c.ButtonLabel = "Continue"
	}
	return c
}

// ============== Task Handlers ==============

// StartTaskRequest is the optional body of a task start request
type StartTaskRequest struct {
	RedirectURL string `json:"redirect_url" form:"redirect_url"`
	ButtonLabel string `json:"button_label" form:"button_label"`
}

// StartTaskResponse is returned when a task was launched
type StartTaskResponse struct {
	RunID    string `json:"run_id"`
	Location string `json:"location"`
}

func (s *Server) listTasks(c *fiber.Ctx) error {
	tasks := make([]models.TaskInfo, 0)
	for _, def := range s.registry.List() {
		tasks = append(tasks, def.Info())
	}
	return c.JSON(tasks)
}

func (s *Server) listHistory(c *fiber.Ctx) error {
	if s.history == nil {
		return c.Status(503).JSON(ErrorResponse{Error: "Task history is not available"})
	}

	name := c.Query("name", "")
	limit, _ := strconv.Atoi(c.Query("limit", strconv.Itoa(s.opts.HistoryLimit)))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))

	if limit <= 0 {
		limit = s.opts.HistoryLimit
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	runs, err := s.history.List(name, limit, offset)
	if err != nil {
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}

	count, err := s.history.Count(name)
	if err != nil {
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}

	return c.JSON(fiber.Map{
		"runs":   runs,
		"total":  count,
		"limit":  limit,
		"offset": offset,
	})
}

// launch starts the named task for the caller's session
func (s *Server) launch(c *fiber.Ctx) (string, error) {
	def, err := s.registry.Get(c.Params("name"))
	if err != nil {
		return "", err
	}

	var req StartTaskRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return "", fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
		}
	}

	id, err := s.sessionID(c)
	if err != nil {
		return "", err
	}

	return s.runner.Start(def, id, models.Completion{
		RedirectURL: req.RedirectURL,
		ButtonLabel: req.ButtonLabel,
	})
}

func (s *Server) startTask(c *fiber.Ctx) error {
	runID, err := s.launch(c)
	if errors.Is(err, runner.ErrUnknownTask) {
		return c.Status(404).JSON(ErrorResponse{Error: "Task not found"})
	}
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusAccepted).JSON(StartTaskResponse{
		RunID:    runID,
		Location: StatusPage,
	})
}

func (s *Server) startTaskForm(c *fiber.Ctx) error {
	_, err := s.launch(c)
	if errors.Is(err, runner.ErrUnknownTask) {
		return fiber.NewError(fiber.StatusNotFound, "Task not found")
	}
	if err != nil {
		return err
	}
	return c.Redirect(StatusPage, fiber.StatusSeeOther)
}

// ============== Log Viewer Handlers ==============

func (s *Server) listLogEntries(c *fiber.Ctx) error {
	filter := logview.Filter{
		Search: c.Query("q", ""),
		Regex:  c.QueryBool("regex", false),
	}

	var err error
	if level := c.Query("level", ""); level != "" {
		if filter.MinLevel, err = logview.ParseThreshold(level); err != nil {
			return c.Status(400).JSON(ErrorResponse{Error: err.Error()})
		}
	}

	if filter.Since, err = parseTimeParam(c.Query("since", "")); err != nil {
		return c.Status(400).JSON(ErrorResponse{Error: "Invalid since: " + err.Error()})
	}
	if filter.Until, err = parseTimeParam(c.Query("until", "")); err != nil {
		return c.Status(400).JSON(ErrorResponse{Error: "Invalid until: " + err.Error()})
	}

	filter.Limit, _ = strconv.Atoi(c.Query("limit", "200"))
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 1000
	}

	entries, err := logview.ReadLog(s.opts.AppLog)
	if err != nil {
		return c.Status(500).JSON(ErrorResponse{Error: err.Error()})
	}
	total := len(entries)

	entries, err = filter.Apply(entries)
	if err != nil {
		return c.Status(400).JSON(ErrorResponse{Error: err.Error()})
	}

	return c.JSON(fiber.Map{
		"entries": entries,
		"total":   total,
	})
}

func parseTimeParam(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
