package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const commandPollWait = 25 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The relay binds to loopback; the agent is local by definition.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Server exposes the relay endpoints the agent talks to.
type Server struct {
	driver *Driver
	srv    *http.Server
}

// NewServer wires the relay routes for a driver on a gin engine.
func NewServer(driver *Driver, listen string) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{driver: driver}
	group := engine.Group("/relay")
	group.GET("/commands", s.handleCommands)
	group.POST("/result", s.handleResult)
	group.POST("/state", s.handleState)
	group.GET("/ws", s.handleWS)

	s.srv = &http.Server{Addr: listen, Handler: engine}
	return s
}

// Start serves until Shutdown. It blocks.
func (s *Server) Start() error {
	log.Infof("relay listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleCommands long-polls the command queue: the agent gets every queued
// command, or an empty list after the poll window passes.
func (s *Server) handleCommands(c *gin.Context) {
	commands := s.driver.takeCommands(c.Request.Context(), commandPollWait)
	if commands == nil {
		commands = []Command{}
	}
	c.JSON(http.StatusOK, gin.H{"commands": commands})
}

func (s *Server) handleResult(c *gin.Context) {
	var result Result
	if err := c.ShouldBindJSON(&result); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.driver.resolve(result) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown command id"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleState(c *gin.Context) {
	var observation Observation
	if err := c.ShouldBindJSON(&observation); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.driver.observe(observation)
	c.Status(http.StatusNoContent)
}

// handleWS accepts a websocket over which the agent streams observations as
// JSON messages, replacing repeated POST /relay/state calls.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("relay: websocket upgrade failed")
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	log.Debug("relay: agent observation stream connected")
	for {
		var observation Observation
		if err = conn.ReadJSON(&observation); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("relay: observation stream closed")
			}
			return
		}
		s.driver.observe(observation)
	}
}
