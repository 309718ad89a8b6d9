// Conversation history HTTP handlers.
//
// This file exposes the locally persisted message ledger, as opposed to the
// live gateway reads in session_handler.go:
//   - GET /chat-sessions/:id/messages   (paginated history)
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wahadesk/go-wahadesk-backend/internal/domain"
	"github.com/wahadesk/go-wahadesk-backend/internal/repo"
	"github.com/wahadesk/go-wahadesk-backend/internal/utils"
)

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ChatHistoryResponse wraps a page of persisted messages.
type ChatHistoryResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.ClampInt(utils.AtoiDefault(c.Query("page_size"), defaultPageSize), 1, maxPageSize)
	return
}

// clampLimit bounds a limit query parameter between 1 and max.
func clampLimit(s string, def, max int) int {
	return utils.ClampInt(utils.AtoiDefault(s, def), 1, max)
}

// ChatHistory godoc
// @ID          chatHistory
// @Summary     List persisted messages of a conversation (paginated)
// @Description Returns messages from the local ledger in chronological order.
// @Tags        Conversations
// @Produce     json
//
// @Param       X-Organization-ID  header  string  false "Organization ID"  example(org-acme)
// @Param       id         path   string  true  "Chat session ID"
// @Param       page       query  int     false "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object}  handlers.ChatHistoryResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /chat-sessions/{id}/messages [get]
func (h *Handlers) ChatHistory(c *gin.Context) {
	ctx := c.Request.Context()
	org := orgID(c)
	threadID := c.Param("id")
	page, pageSize := clampPagination(c)

	if _, err := repo.GetChatSessionByID(ctx, h.db, org, threadID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	total, err := repo.CountMessages(ctx, h.db, org, threadID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	items, err := repo.ListMessagesPage(ctx, h.db, org, threadID, (page-1)*pageSize, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ChatHistoryResponse{
		Messages: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}
