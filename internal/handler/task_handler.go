package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"studyplan/internal/service"
)

// evaluator *service.TaskEngine 满足此接口
type evaluator interface {
	Evaluate(ctx context.Context, sub *service.Submission) (*service.Evaluation, error)
}

type TaskHandler struct {
	engine evaluator
}

func NewTaskHandler(engine evaluator) *TaskHandler {
	return &TaskHandler{engine: engine}
}

// SubmitPerformance 提交任务表现并返回难度调整结果
func (h *TaskHandler) SubmitPerformance(c *gin.Context) {
	var req service.Submission
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	evaluation, err := h.engine.Evaluate(c.Request.Context(), &req)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"evaluation": evaluation,
	})
}
