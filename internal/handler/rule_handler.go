package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"studyplan/internal/model"
)

// ruleService *service.RulesStore 满足此接口
type ruleService interface {
	Get(ctx context.Context, id string) (*model.DecisionRuleSet, error)
	Update(ctx context.Context, id, path string, value float64) (*model.DecisionRuleSet, error)
	History(ctx context.Context, id string, limit int) ([]model.RuleSetHistory, error)
}

type RuleHandler struct {
	rules ruleService
}

func NewRuleHandler(rules ruleService) *RuleHandler {
	return &RuleHandler{rules: rules}
}

func (h *RuleHandler) GetRules(c *gin.Context) {
	rs, err := h.rules.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rs})
}

// UpdateRule 按路径修改单个字段，校验失败返回 400 且规则不变
func (h *RuleHandler) UpdateRule(c *gin.Context) {
	var req struct {
		Path  string   `json:"path" binding:"required"`
		Value *float64 `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rs, err := h.rules.Update(c.Request.Context(), c.Param("id"), req.Path, *req.Value)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rs})
}

func (h *RuleHandler) GetHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	history, err := h.rules.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}
