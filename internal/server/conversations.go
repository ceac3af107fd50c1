package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	convdomain "github.com/wisdar/engine/internal/conversation/domain"
	"github.com/wisdar/engine/internal/provider"
	"github.com/wisdar/engine/pkg/db/option"
	"github.com/wisdar/engine/pkg/db/pagination"
)

type createConversationRequest struct {
	Title           string        `json:"title"`
	Provider        string        `json:"provider"`
	ServiceType     string        `json:"service_type" binding:"required"`
	Model           string        `json:"model"`
	MediaContextURL string        `json:"media_context_url"`
	AgentID         *snowflake.ID `json:"agent_id"`
}

var serviceTypes = map[string]bool{
	convdomain.ServiceChat:          true,
	convdomain.ServiceImage:         true,
	convdomain.ServiceTTS:           true,
	convdomain.ServiceVideo:         true,
	convdomain.ServiceTranscription: true,
}

func (s *Server) CreateConversation(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if !serviceTypes[req.ServiceType] {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if req.Provider == "" {
		req.Provider = provider.NameOpenAI
	}
	if req.Title == "" {
		req.Title = "New Conversation"
	}

	conv := &convdomain.Conversation{
		ID:              s.genID.Generate(),
		AccountID:       accountID(c),
		Title:           req.Title,
		Provider:        req.Provider,
		ServiceType:     req.ServiceType,
		Model:           req.Model,
		MediaContextURL: req.MediaContextURL,
		AgentID:         req.AgentID,
	}
	if err := s.repo.CreateConversation(c.Request.Context(), conv); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (s *Server) ListConversations(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	convs, err := s.repo.ListConversations(c.Request.Context(), accountID(c),
		option.ApplyPagination(page))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, convs)
}

func (s *Server) ListMessages(c *gin.Context) {
	conv, err := s.conversationFromPath(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	msgs, err := s.repo.ListMessages(c.Request.Context(), conv.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) GetCredits(c *gin.Context) {
	balance, err := s.credits.Balance(c.Request.Context(), accountID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance.String()})
}

// conversationFromPath loads the :id conversation scoped to the caller.
func (s *Server) conversationFromPath(c *gin.Context) (*convdomain.Conversation, error) {
	raw := strings.TrimSpace(c.Param("id"))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, ErrInvalidRequest
	}
	return s.repo.FindConversation(c.Request.Context(), accountID(c), snowflake.ID(id))
}
