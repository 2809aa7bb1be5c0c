package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"studyplan/internal/model"
	"studyplan/internal/service"
)

// planService *service.Pipeline 满足此接口
type planService interface {
	Run(ctx context.Context, req service.RunRequest) (*service.RunResult, error)
	GetPlan(ctx context.Context, studentID, date string) (*model.DailyPlan, error)
	ListPlans(ctx context.Context, studentID string, limit int) ([]model.DailyPlan, error)
	CompleteTask(ctx context.Context, studentID, date, taskID string, completed bool) (*model.DailyPlan, error)
	Progress(ctx context.Context, studentID string, limit int) (*service.ProgressStats, error)
}

type PlanHandler struct {
	plans planService
}

func NewPlanHandler(plans planService) *PlanHandler {
	return &PlanHandler{plans: plans}
}

// GeneratePlan 按需生成（或返回已有的）当日计划
func (h *PlanHandler) GeneratePlan(c *gin.Context) {
	var req struct {
		StudentID       string `json:"studentId" binding:"required"`
		Date            string `json:"date" binding:"required"`
		ForceRegenerate bool   `json:"forceRegenerate"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.plans.Run(c.Request.Context(), service.RunRequest{
		StudentID: req.StudentID,
		Date:      req.Date,
		Trigger:   service.TriggerOnDemand,
		Force:     req.ForceRegenerate,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"plan":   res.Plan,
		"reused": res.Reused,
	})
}

// GetPlan 读取某天的计划
func (h *PlanHandler) GetPlan(c *gin.Context) {
	plan, err := h.plans.GetPlan(c.Request.Context(), c.Param("studentId"), c.Param("date"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": plan})
}

func queryLimit(c *gin.Context) (int, bool) {
	l := c.Query("limit")
	if l == "" {
		return 0, true
	}
	n, err := strconv.Atoi(l)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return n, true
}

// ListPlans 学员最近的计划
func (h *PlanHandler) ListPlans(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}

	plans, err := h.plans.ListPlans(c.Request.Context(), c.Param("studentId"), limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

// CompleteTask 标记任务完成；body 可选 {"completed": false} 取消
func (h *PlanHandler) CompleteTask(c *gin.Context) {
	req := struct {
		Completed *bool `json:"completed"`
	}{}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	completed := req.Completed == nil || *req.Completed

	plan, err := h.plans.CompleteTask(c.Request.Context(), c.Param("studentId"), c.Param("date"), c.Param("taskId"), completed)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": plan})
}

// Progress 最近计划的完成率统计
func (h *PlanHandler) Progress(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	stats, err := h.plans.Progress(c.Request.Context(), c.Param("studentId"), limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"progress": stats})
}
