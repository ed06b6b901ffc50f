package proxyvisor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultLogLimit  = 200
	shutdownTimeout  = 5 * time.Second
	errQueueRejected = "command not queued: queue full or supervisor shutting down"
)

// startRequest is the body of POST /instances/:name/start. Argv, when set,
// bypasses argument construction.
type startRequest struct {
	ArgSpec
	Argv []string `json:"argv,omitempty"`
}

// LogPage is the response of GET /logs.
type LogPage struct {
	Latest  int64       `json:"latest"`
	Entries []TailEntry `json:"entries"`
}

// Accepted is the response to a queued command.
type Accepted struct {
	Status   string `json:"status"`
	Action   Action `json:"action"`
	Instance string `json:"instance"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Server exposes the supervisor over HTTP.
type Server struct {
	app    *fiber.App
	sup    *Supervisor
	tail   *LogTail
	logger *slog.Logger
}

func NewServer(sup *Supervisor, tail *LogTail, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if tail == nil {
		tail = NewLogTail(defaultTailSize)
	}
	s := &Server{
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			AppName:               "proxyvisor",
		}),
		sup:    sup,
		tail:   tail,
		logger: logger,
	}
	s.app.Use(recover.New())
	s.routes()
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) routes() {
	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	s.app.Get("/instances", s.listInstances)
	s.app.Get("/instances/:name", s.getInstance)
	s.app.Post("/instances/stop", s.stopAll)
	s.app.Post("/instances/:name/start", s.startInstance)
	s.app.Post("/instances/:name/restart", s.restartInstance)
	s.app.Post("/instances/:name/stop", s.stopInstance)
	s.app.Get("/logs", s.logs)
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.Info("Server: control API listening", slog.String("addr", addr))
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(shutdownTimeout)
}

func (s *Server) listInstances(c *fiber.Ctx) error {
	return c.JSON(s.sup.Instances())
}

func (s *Server) getInstance(c *fiber.Ctx) error {
	info, ok := s.sup.Instance(c.Params("name"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(errorBody{Error: "instance is not running"})
	}
	return c.JSON(info)
}

func (s *Server) startInstance(c *fiber.Ctx) error {
	name := SanitizeName(c.Params("name"))
	if name == AllInstances {
		return c.Status(fiber.StatusBadRequest).JSON(errorBody{Error: fmt.Sprintf("%v: %q", ErrReservedName, name)})
	}
	var req startRequest
	if body := c.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(errorBody{Error: "invalid body: " + err.Error()})
		}
	}
	cmd := Command{Action: ActionStart, Instance: name}
	if len(req.Argv) > 0 {
		cmd.Argv = req.Argv
	} else {
		switch req.Mode {
		case "", ModeSimple, ModeCmdline, ModeConfig:
		default:
			return c.Status(fiber.StatusBadRequest).JSON(errorBody{Error: fmt.Sprintf("%v: %q", ErrUnknownMode, req.Mode)})
		}
		spec := req.ArgSpec
		cmd.Spec = &spec
	}
	return s.dispatch(c, cmd)
}

func (s *Server) restartInstance(c *fiber.Ctx) error {
	return s.dispatch(c, Command{Action: ActionRestart, Instance: SanitizeName(c.Params("name")), Reason: "api"})
}

func (s *Server) stopInstance(c *fiber.Ctx) error {
	name := c.Params("name")
	if name != AllInstances {
		name = SanitizeName(name)
	}
	return s.dispatch(c, Command{Action: ActionStop, Instance: name})
}

func (s *Server) stopAll(c *fiber.Ctx) error {
	return s.dispatch(c, Command{Action: ActionStop, Instance: AllInstances})
}

func (s *Server) dispatch(c *fiber.Ctx, cmd Command) error {
	if !s.sup.Dispatch(cmd) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(errorBody{Error: errQueueRejected})
	}
	return c.Status(fiber.StatusAccepted).JSON(Accepted{Status: "accepted", Action: cmd.Action, Instance: cmd.Instance})
}

func (s *Server) logs(c *fiber.Ctx) error {
	since, err := queryInt(c, "since", 0)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorBody{Error: err.Error()})
	}
	limit, err := queryInt(c, "limit", defaultLogLimit)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorBody{Error: err.Error()})
	}
	instance := c.Query("instance")
	if instance != "" {
		instance = SanitizeName(instance)
	}
	page := LogPage{Latest: s.tail.LatestID()}
	if since == 0 {
		page.Entries = s.tail.Latest(int(limit), instance)
	} else {
		page.Entries = s.tail.Since(since, instance, int(limit))
	}
	return c.JSON(page)
}

func queryInt(c *fiber.Ctx, key string, def int64) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return v, nil
}
