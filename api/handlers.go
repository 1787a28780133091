package api

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/becomeliminal/chatrag/core"
	"github.com/becomeliminal/chatrag/ingest"
	"github.com/becomeliminal/chatrag/rag"
)

// AskRequest is the body of POST /api/ask.
type AskRequest struct {
	GroupID  string     `json:"group_id" binding:"required"`
	Question string     `json:"question" binding:"required"`
	Start    *time.Time `json:"start,omitempty"`
	End      *time.Time `json:"end,omitempty"`
}

// SummarizeRequest is the body of POST /api/summarize.
type SummarizeRequest struct {
	GroupID string     `json:"group_id" binding:"required"`
	Start   *time.Time `json:"start,omitempty"`
	End     *time.Time `json:"end,omitempty"`
}

// AnswerResponse is returned by ask and summarize.
type AnswerResponse struct {
	Answer        string    `json:"answer"`
	CitedChunkIDs []string  `json:"cited_chunk_ids"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// GroupResponse is one entry of GET /api/groups.
type GroupResponse struct {
	GroupJID  string `json:"group_jid"`
	GroupName string `json:"group_name"`
	Managed   bool   `json:"managed"`
}

// GroupUpdate is one entry of POST /api/groups/update.
type GroupUpdate struct {
	GroupJID string `json:"group_jid" binding:"required"`
	Managed  bool   `json:"managed"`
}

// PutGroupRequest is the body of PUT /api/groups/:id.
type PutGroupRequest struct {
	Name    *string `json:"name,omitempty"`
	Managed bool    `json:"managed"`
}

// TopicRequest is one entry of POST /load_custom_topics.
type TopicRequest struct {
	Subject string `json:"subject" binding:"required"`
	Summary string `json:"summary" binding:"required"`
}

func timeRange(start, end *time.Time) (*core.TimeRange, error) {
	if start == nil && end == nil {
		return nil, nil
	}
	r := &core.TimeRange{}
	if start != nil {
		r.Start = *start
	}
	if end != nil {
		r.End = *end
	}
	if !r.Start.IsZero() && !r.End.IsZero() && r.End.Before(r.Start) {
		return nil, errors.New("end is before start")
	}
	return r, nil
}

func toResponse(a *core.Answer) AnswerResponse {
	return AnswerResponse{
		Answer:        a.Text,
		CitedChunkIDs: a.CitedChunkIDs,
		CreatedAt:     a.CreatedAt,
		ExpiresAt:     a.ExpiresAt,
	}
}

func (s *Server) ask(c *gin.Context) {
	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "%v", err)
		return
	}
	tr, err := timeRange(req.Start, req.End)
	if err != nil {
		badRequest(c, "%v", err)
		return
	}

	answer, err := s.service.Ask(c.Request.Context(), core.Query{
		GroupID:   req.GroupID,
		Question:  req.Question,
		TimeRange: tr,
		IssuedAt:  time.Now(),
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(answer))
}

func (s *Server) summarize(c *gin.Context) {
	var req SummarizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "%v", err)
		return
	}
	tr, err := timeRange(req.Start, req.End)
	if err != nil {
		badRequest(c, "%v", err)
		return
	}

	answer, err := s.service.Summarize(c.Request.Context(), req.GroupID, tr)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(answer))
}

// messages is the push webhook. It takes a single message or an array.
func (s *Server) messages(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 8<<20))
	if err != nil {
		badRequest(c, "read body: %v", err)
		return
	}
	msgs, err := ingest.DecodeMessages(body)
	if err != nil {
		fail(c, err)
		return
	}

	res, err := s.service.Ingest(c.Request.Context(), msgs)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (s *Server) loadTopics(c *gin.Context) {
	var req []TopicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "%v", err)
		return
	}
	topics := make([]core.Topic, len(req))
	for i, t := range req {
		topics[i] = core.Topic{Subject: t.Subject, Summary: t.Summary}
	}

	res, err := s.service.LoadTopics(c.Request.Context(), topics)
	if errors.Is(err, rag.ErrNoManagedGroups) {
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "No managed groups found"})
		return
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "count": res.Records, "topics": res.Topics, "groups": res.Groups})
}

func (s *Server) deleteChunks(c *gin.Context) {
	before, err := time.Parse(time.RFC3339, c.Query("before"))
	if err != nil {
		badRequest(c, "before must be an RFC3339 timestamp")
		return
	}
	n, err := s.service.Retain(c.Request.Context(), c.Param("id"), before)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (s *Server) listGroups(c *gin.Context) {
	if !s.requireGroups(c) {
		return
	}
	groups, err := s.groups.ListGroups(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })

	out := make([]GroupResponse, len(groups))
	for i, g := range groups {
		out[i] = GroupResponse{GroupJID: g.ID, GroupName: g.Name, Managed: g.Managed}
	}
	c.JSON(http.StatusOK, out)
}

// updateGroups sets the managed flag of several groups. Unknown groups are
// skipped.
func (s *Server) updateGroups(c *gin.Context) {
	if !s.requireGroups(c) {
		return
	}
	var updates []GroupUpdate
	if err := c.ShouldBindJSON(&updates); err != nil {
		badRequest(c, "%v", err)
		return
	}

	ctx := c.Request.Context()
	for _, u := range updates {
		g, err := s.groups.GetGroup(ctx, u.GroupJID)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			fail(c, err)
			return
		}
		g.Managed = u.Managed
		if err := s.groups.UpsertGroup(ctx, g); err != nil {
			fail(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "updated": len(updates)})
}

// putGroup registers a group or changes its name and managed flag.
func (s *Server) putGroup(c *gin.Context) {
	if !s.requireGroups(c) {
		return
	}
	var req PutGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "%v", err)
		return
	}

	ctx := c.Request.Context()
	g, err := s.groups.GetGroup(ctx, c.Param("id"))
	if errors.Is(err, core.ErrNotFound) {
		g = core.Group{ID: c.Param("id")}
	} else if err != nil {
		fail(c, err)
		return
	}
	if req.Name != nil {
		g.Name = *req.Name
	}
	g.Managed = req.Managed
	if err := s.groups.UpsertGroup(ctx, g); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, GroupResponse{GroupJID: g.ID, GroupName: g.Name, Managed: g.Managed})
}

func (s *Server) toggleGroup(c *gin.Context) {
	if !s.requireGroups(c) {
		return
	}
	ctx := c.Request.Context()
	g, err := s.groups.GetGroup(ctx, c.Param("id"))
	if errors.Is(err, core.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Group not found"})
		return
	}
	if err != nil {
		fail(c, err)
		return
	}
	g.Managed = !g.Managed
	if err := s.groups.UpsertGroup(ctx, g); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, GroupResponse{GroupJID: g.ID, GroupName: g.Name, Managed: g.Managed})
}

func (s *Server) requireGroups(c *gin.Context) bool {
	if s.groups == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "group registry not configured"})
		return false
	}
	return true
}
