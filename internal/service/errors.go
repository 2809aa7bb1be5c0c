package service

import (
	"errors"

	"studyplan/internal/provider"
)

var (
	// ErrContextUnavailable 学员档案读取失败，本次运行无法落地
	ErrContextUnavailable = errors.New("context unavailable")
	// ErrInvalidRuleUpdate 规则更新违反不变量，旧版本保持不变
	ErrInvalidRuleUpdate = errors.New("invalid rule update")
	// ErrInvalidPerformanceSubmission 表现提交未通过校验，什么都不写
	ErrInvalidPerformanceSubmission = errors.New("invalid performance submission")
	ErrPlanNotFound                 = errors.New("plan not found")
	ErrInvalidRunRequest            = errors.New("invalid run request")
)

// 提供方错误分类，供上层 errors.Is 判断
var (
	ErrProviderRateLimited    = provider.ErrRateLimited
	ErrProviderQuotaExceeded  = provider.ErrQuotaExceeded
	ErrProviderInvalidRequest = provider.ErrInvalidRequest
	ErrProviderTransient      = provider.ErrTransient
)
