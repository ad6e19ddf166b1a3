// Package api serves the fleet status board over HTTP and accepts stop
// requests for the running mission.
package api

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/tiiuae/fleetcoordinator/internal/log"
	"github.com/tiiuae/fleetcoordinator/internal/status"
	"github.com/tiiuae/fleetcoordinator/internal/types"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	address string
	board   *status.Board
	log     log.Logger
	app     *fiber.App

	mu   sync.Mutex
	post types.PostFn
}

func NewServer(address string, board *status.Board, logger log.Logger) *Server {
	s := &Server{
		address: address,
		board:   board,
		log:     logger.WithField("component", "api"),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "fleetcoordinator",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})
	s.app.Use(recover.New())

	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy"})
	})

	v1 := s.app.Group("/api/v1")
	v1.Get("/fleet", s.handleGetFleet)
	v1.Get("/vehicles/:name", s.handleGetVehicle)
	v1.Post("/stop", s.handleStop)

	return s
}

func (s *Server) App() *fiber.App {
	return s.app
}

// Run serves until ctx is cancelled. Stop requests are only accepted while
// the server is attached to the bus.
func (s *Server) Run(ctx context.Context, wg *sync.WaitGroup, post types.PostFn) {
	wg.Add(1)
	defer wg.Done()

	s.setPost(post)
	defer s.setPost(nil)

	go func() {
		s.log.Infof("HTTP API listening on %s", s.address)
		if err := s.app.Listen(s.address); err != nil {
			s.log.Errorf("HTTP API stopped: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
		s.log.Warnf("HTTP API shutdown: %v", err)
	}
}

func (s *Server) Receive(message types.Message) {}

func (s *Server) setPost(post types.PostFn) {
	s.mu.Lock()
	s.post = post
	s.mu.Unlock()
}

func (s *Server) handleGetFleet(c *fiber.Ctx) error {
	return c.JSON(s.board.Snapshot())
}

func (s *Server) handleGetVehicle(c *fiber.Ctx) error {
	name := c.Params("name")
	vs, ok := s.board.Vehicle(name)
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "unknown vehicle "+name)
	}
	return c.JSON(vs)
}

type stopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleStop(c *fiber.Ctx) error {
	var req stopRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid stop request: "+err.Error())
		}
	}
	if req.Reason == "" {
		req.Reason = "requested over http"
	}

	s.mu.Lock()
	post := s.post
	s.mu.Unlock()
	if post == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "coordinator not running")
	}

	s.log.Infof("Stop requested from %s: %s", c.IP(), req.Reason)
	post(types.CreateMessage(types.MessageTypeStopRequested, "api", "coordinator", types.StopRequested{Reason: req.Reason}))
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "stopping"})
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
