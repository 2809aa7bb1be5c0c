package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"studyplan/internal/model"
	"studyplan/internal/service"
)

// statusFor 服务层错误映射到 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRunRequest),
		errors.Is(err, service.ErrInvalidRuleUpdate),
		errors.Is(err, service.ErrInvalidPerformanceSubmission):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrContextUnavailable),
		errors.Is(err, service.ErrPlanNotFound),
		errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}
