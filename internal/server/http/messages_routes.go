package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/cuihairu/infopopup/internal/audit/chain"
	"github.com/cuihairu/infopopup/internal/messages"
	"github.com/cuihairu/infopopup/internal/visibility"
	"github.com/gin-gonic/gin"
)

const maxBodyBytes = 256 << 10

type messageRequest struct {
	Title         string   `json:"title"`
	Body          string   `json:"body"`
	TargetUserIDs []string `json:"target_user_ids"`
}

type idsRequest struct {
	IDs []string `json:"ids" binding:"required,min=1,dive,required"`
}

func (s *Server) registerMessageRoutes(g *gin.RouterGroup) {
	g.GET("/messages", s.handleListMessages)
	g.GET("/messages/:id", s.handleGetMessage)
	g.POST("/messages", s.handleCreateMessage)
	g.PUT("/messages/:id", s.handleUpdateMessage)
	g.DELETE("/messages", s.handleDeleteMessages)
	g.GET("/popup-data", s.handlePopupData)
	g.GET("/unseen", s.handleUnseen)
	g.POST("/seen", s.handleMarkSeen)
	g.GET("/stream", s.handleStream)
}

// internalError logs the cause and answers without leaking it.
func (s *Server) internalError(c *gin.Context, msg string, err error) {
	s.logger.Error(msg, "path", c.Request.URL.Path, "error", err)
	s.respondError(c, http.StatusInternalServerError, "internal_error", "internal error")
}

func (s *Server) handleListMessages(c *gin.Context) {
	id, ok := s.require(c, false)
	if !ok {
		return
	}
	all, err := s.repo.ListAll(c)
	if err != nil {
		s.internalError(c, "list messages", err)
		return
	}
	s.JSON(c, http.StatusOK, visibility.List(id.UserID, id.IsAdmin, all))
}

func (s *Server) handleGetMessage(c *gin.Context) {
	id, ok := s.require(c, false)
	if !ok {
		return
	}
	m, err := s.repo.GetByID(c, c.Param("id"))
	if errors.Is(err, messages.ErrNotFound) || (err == nil && !visibility.CanView(id.UserID, id.IsAdmin, m)) {
		s.respondError(c, http.StatusNotFound, "not_found", "message not found")
		return
	}
	if err != nil {
		s.internalError(c, "get message", err)
		return
	}
	s.JSON(c, http.StatusOK, visibility.ToDetail(m))
}

func (s *Server) handleCreateMessage(c *gin.Context) {
	id, ok := s.require(c, true)
	if !ok {
		return
	}
	var in messageRequest
	if err := bindJSON(c, &in); err != nil {
		s.respondError(c, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	m, err := s.repo.Create(c, in.Title, in.Body, id.UserID, in.TargetUserIDs)
	if s.writeFailed(c, "create message", err) {
		return
	}
	s.auditLog(chain.KindMessageCreate, id.UserID, m.ID, map[string]string{
		"ip":      c.ClientIP(),
		"title":   m.Title,
		"targets": strconv.Itoa(len(m.TargetUserIDs)),
	})
	if s.metrics != nil {
		s.metrics.MessageWrite(c, "create", 1)
	}
	s.msgNotify()
	c.Header("Location", fmt.Sprintf("%s/messages/%s", s.basePath, m.ID))
	s.JSON(c, http.StatusCreated, visibility.ToDetail(m))
}

func (s *Server) handleUpdateMessage(c *gin.Context) {
	id, ok := s.require(c, true)
	if !ok {
		return
	}
	var in messageRequest
	if err := bindJSON(c, &in); err != nil {
		s.respondError(c, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	m, found, err := s.repo.Update(c, c.Param("id"), in.Title, in.Body, in.TargetUserIDs)
	if s.writeFailed(c, "update message", err) {
		return
	}
	if !found {
		s.respondError(c, http.StatusNotFound, "not_found", "message not found")
		return
	}
	s.auditLog(chain.KindMessageUpdate, id.UserID, m.ID, map[string]string{
		"ip":      c.ClientIP(),
		"title":   m.Title,
		"targets": strconv.Itoa(len(m.TargetUserIDs)),
	})
	if s.metrics != nil {
		s.metrics.MessageWrite(c, "update", 1)
	}
	s.msgNotify()
	s.JSON(c, http.StatusOK, visibility.ToDetail(m))
}

func (s *Server) handleDeleteMessages(c *gin.Context) {
	id, ok := s.require(c, true)
	if !ok {
		return
	}
	var in idsRequest
	if err := bindJSON(c, &in); err != nil {
		s.respondError(c, http.StatusBadRequest, "bad_request", "ids must be a non-empty list")
		return
	}
	removed, err := s.repo.DeleteMany(c, in.IDs)
	if s.writeFailed(c, "delete messages", err) {
		return
	}
	n := len(removed)
	if n > 0 {
		for _, mid := range removed {
			s.auditLog(chain.KindMessageDelete, id.UserID, mid, map[string]string{"ip": c.ClientIP()})
		}
		if s.metrics != nil {
			s.metrics.MessageWrite(c, "delete", n)
		}
		s.msgNotify()
	}
	s.JSON(c, http.StatusOK, gin.H{"deleted": n})
}

// writeFailed maps repository write errors; validation is a client error,
// anything else is internal.
func (s *Server) writeFailed(c *gin.Context, op string, err error) bool {
	if err == nil {
		return false
	}
	var ve *messages.ValidationError
	if errors.As(err, &ve) {
		s.respondError(c, http.StatusBadRequest, "bad_request", ve.Error())
		return true
	}
	s.internalError(c, op, err)
	return true
}

func (s *Server) handlePopupData(c *gin.Context) {
	id, ok := s.require(c, false)
	if !ok {
		return
	}
	all, err := s.repo.ListAll(c)
	if err != nil {
		s.internalError(c, "popup data", err)
		return
	}
	p := visibility.Partition(c, id.UserID, all, s.ledger)
	if s.metrics != nil {
		s.metrics.PopupServed(c, len(p.Unseen))
	}
	s.JSON(c, http.StatusOK, p)
}

func (s *Server) handleUnseen(c *gin.Context) {
	id, ok := s.require(c, false)
	if !ok {
		return
	}
	all, err := s.repo.ListAll(c)
	if err != nil {
		s.internalError(c, "unseen", err)
		return
	}
	s.JSON(c, http.StatusOK, visibility.Unseen(c, id.UserID, all, s.ledger))
}

func (s *Server) handleMarkSeen(c *gin.Context) {
	id, ok := s.require(c, false)
	if !ok {
		return
	}
	var in idsRequest
	if err := bindJSON(c, &in); err != nil {
		s.respondError(c, http.StatusBadRequest, "bad_request", "ids must be a non-empty list")
		return
	}
	existing, err := s.repo.IDs(c)
	if err != nil {
		s.internalError(c, "mark seen", err)
		return
	}
	if err := s.ledger.MarkSeen(c, id.UserID, in.IDs, existing); err != nil {
		s.internalError(c, "mark seen", err)
		return
	}
	s.msgNotify()
	c.Status(http.StatusNoContent)
}

// handleStream pushes the caller's unseen count whenever messages or seen
// state change.
func (s *Server) handleStream(c *gin.Context) {
	user, _, ok := s.auth(c.Request, true)
	if !ok {
		s.respondError(c, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	c.Set("user", user)
	w := c.Writer
	flusher, okf := w.(http.Flusher)
	if !okf {
		s.respondError(c, http.StatusInternalServerError, "internal_error", "stream unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := s.msgAddSub()
	defer s.msgRemoveSub(sub)
	send := func() {
		all, err := s.repo.ListAll(c)
		if err != nil {
			s.logger.Warn("stream: list messages", "error", err)
			return
		}
		n := len(visibility.Unseen(c, user, all, s.ledger))
		fmt.Fprintf(w, "event: unseen\n")
		fmt.Fprintf(w, "data: {\"count\": %d}\n\n", n)
		flusher.Flush()
	}
	send()
	done := c.Request.Context().Done()
	for {
		select {
		case <-done:
			return
		case <-sub:
			send()
		}
	}
}
