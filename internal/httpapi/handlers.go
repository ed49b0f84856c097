package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"autobot/internal/autoreply"
	"autobot/internal/contacts"
	"autobot/internal/dispatch"
	"autobot/internal/transport"
)

var errNoAutoReply = errors.New("auto-reply not configured")

// writeError maps domain errors to status codes. Unknown errors are 500.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dispatch.ErrInvalidRequest),
		errors.Is(err, dispatch.ErrInvalidSchedule),
		errors.Is(err, contacts.ErrInvalidContact),
		errors.Is(err, autoreply.ErrInvalidRule):
		status = http.StatusBadRequest
	case errors.Is(err, dispatch.ErrNotFound),
		errors.Is(err, contacts.ErrNotFound),
		errors.Is(err, autoreply.ErrRuleNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dispatch.ErrNotPending):
		status = http.StatusConflict
	case errors.Is(err, dispatch.ErrQueueFull):
		status = http.StatusTooManyRequests
	case errors.Is(err, dispatch.ErrStopped), errors.Is(err, errNoAutoReply):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status >= 500 {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "requisição inválida: " + err.Error()})
}

// contacts

type contactRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Group string `json:"group"`
}

func (r contactRequest) contact() contacts.Contact {
	return contacts.Contact{Name: r.Name, Phone: r.Phone, Group: r.Group}
}

func (s *Server) listContacts(c *gin.Context) {
	list := s.deps.Contacts.List()
	if g := strings.TrimSpace(c.Query("group")); g != "" {
		filtered := list[:0:0]
		for _, ct := range list {
			if ct.Group == g {
				filtered = append(filtered, ct)
			}
		}
		list = filtered
	}
	c.JSON(http.StatusOK, gin.H{"contacts": list})
}

func (s *Server) addContact(c *gin.Context) {
	var req contactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ct, err := s.deps.Contacts.Add(c.Request.Context(), req.contact())
	s.audit(c, "contact.add", ct.ID, 0, 0, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ct)
}

func (s *Server) updateContact(c *gin.Context) {
	var req contactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id := c.Param("id")
	ct, err := s.deps.Contacts.Update(c.Request.Context(), id, req.contact())
	s.audit(c, "contact.update", id, 0, 0, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ct)
}

func (s *Server) removeContact(c *gin.Context) {
	id := c.Param("id")
	err := s.deps.Contacts.Remove(c.Request.Context(), id)
	s.audit(c, "contact.remove", id, 0, 0, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) listGroups(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"groups": s.deps.Contacts.Groups()})
}

// broadcasts

type broadcastRequest struct {
	Group       string     `json:"group"`
	Message     string     `json:"message"`
	ScheduledAt *time.Time `json:"scheduledAt"`
}

// sendBroadcast answers 200 with the report once an immediate broadcast has
// run, or 202 with the id of a scheduled one.
func (s *Server) sendBroadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.deps.Dispatcher.SendToGroup(c.Request.Context(), req.Group, req.Message, req.ScheduledAt)
	if err != nil {
		s.audit(c, "broadcast.send", req.Group, 0, 0, err)
		writeError(c, err)
		return
	}
	if res.Scheduled {
		s.audit(c, "broadcast.schedule", req.Group, 0, 0, nil)
		c.JSON(http.StatusAccepted, gin.H{
			"success":     true,
			"scheduledId": res.BroadcastID,
			"scheduledAt": res.ScheduledAt,
		})
		return
	}
	rep := res.Report
	s.audit(c, "broadcast.send", req.Group, rep.Sent, rep.Failed+rep.Blocked, nil)
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"broadcastId": res.BroadcastID,
		"report":      rep,
	})
}

func (s *Server) listScheduled(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"scheduled": s.deps.Dispatcher.Pending()})
}

func (s *Server) cancelBroadcast(c *gin.Context) {
	id := c.Param("id")
	err := s.deps.Dispatcher.CancelScheduled(id)
	s.audit(c, "broadcast.cancel", id, 0, 0, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type hoursView struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type settingsView struct {
	DelayBetweenMessages int64     `json:"delayBetweenMessages"`
	MaxMessagesPerMinute int       `json:"maxMessagesPerMinute"`
	AllowedHours         hoursView `json:"allowedHours"`
	MaxRetries           int       `json:"maxRetries"`
	CooldownPeriod       int64     `json:"cooldownPeriod"`
	Timezone             string    `json:"timezone"`
}

// securitySettings reports the throttling rules; durations are milliseconds.
func (s *Server) securitySettings(c *gin.Context) {
	st := s.deps.Dispatcher.Settings()
	c.JSON(http.StatusOK, settingsView{
		DelayBetweenMessages: st.DelayBetweenMessages.Milliseconds(),
		MaxMessagesPerMinute: st.MaxMessagesPerMinute,
		AllowedHours:         hoursView{Start: st.AllowedHours.Start, End: st.AllowedHours.End},
		MaxRetries:           st.MaxRetries,
		CooldownPeriod:       st.CooldownPeriod.Milliseconds(),
		Timezone:             st.Location.String(),
	})
}

// auto-replies

func (s *Server) replies(c *gin.Context) (AutoReplies, bool) {
	if s.deps.Replies == nil {
		writeError(c, errNoAutoReply)
		return nil, false
	}
	return s.deps.Replies, true
}

func (s *Server) listRules(c *gin.Context) {
	r, ok := s.replies(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": r.Rules(), "isAIEnabled": r.AIEnabled()})
}

func (s *Server) addRule(c *gin.Context) {
	r, ok := s.replies(c)
	if !ok {
		return
	}
	var req autoreply.Rule
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rule, err := r.AddRule(c.Request.Context(), req)
	s.audit(c, "rule.add", rule.ID, 0, 0, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "message": rule})
}

func (s *Server) updateRule(c *gin.Context) {
	r, ok := s.replies(c)
	if !ok {
		return
	}
	var req autoreply.Rule
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id := c.Param("id")
	rule, err := r.UpdateRule(c.Request.Context(), id, req)
	s.audit(c, "rule.update", id, 0, 0, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": rule})
}

func (s *Server) deleteRule(c *gin.Context) {
	r, ok := s.replies(c)
	if !ok {
		return
	}
	id := c.Param("id")
	err := r.DeleteRule(c.Request.Context(), id)
	s.audit(c, "rule.delete", id, 0, 0, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) aiStatus(c *gin.Context) {
	r, ok := s.replies(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"isAIEnabled": r.AIEnabled()})
}

func (s *Server) setAIStatus(c *gin.Context) {
	r, ok := s.replies(c)
	if !ok {
		return
	}
	var req struct {
		IsAIEnabled *bool `json:"isAIEnabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.IsAIEnabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Valor inválido para isAIEnabled. Deve ser um booleano."})
		return
	}
	on := *req.IsAIEnabled
	err := r.SetAIEnabled(c.Request.Context(), on)
	s.audit(c, "ai.toggle", "", 0, 0, err)
	if err != nil {
		writeError(c, err)
		return
	}
	msg := "IA desativada com sucesso"
	if on {
		msg = "IA ativada com sucesso"
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msg, "isAIEnabled": on})
}

// inbound is the bridge webhook for customer messages.
func (s *Server) inbound(c *gin.Context) {
	r, ok := s.replies(c)
	if !ok {
		return
	}
	var msg transport.InboundMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		badRequest(c, err)
		return
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	if s.deps.Replier == nil {
		writeError(c, errNoAutoReply)
		return
	}
	replied, err := r.Respond(c.Request.Context(), msg, s.deps.Replier)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"replied": replied})
}
