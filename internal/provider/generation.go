package provider

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Block 提供方返回的一个主题块
type Block struct {
	Subject          string   `json:"subject"`
	Topic            string   `json:"topic"`
	AllocatedMinutes int      `json:"allocatedMinutes"`
	DifficultyLevel  string   `json:"difficultyLevel"`
	Objectives       []string `json:"objectives"`
}

// Generation 所有提供方统一的生成结果
type Generation struct {
	Blocks     []Block  `json:"blocks"`
	Motivation string   `json:"motivation"`
	StudyTips  []string `json:"studyTips"`
}

var errMalformed = errors.New("malformed generation")

// ParseGeneration 解析并校验提供方输出。
// 未知字段、缺失必填字段都算格式错误，返回 Malformed 的 transient 错误，不做静默修正。
func ParseGeneration(provider, raw string) (*Generation, error) {
	text := stripCodeFence(raw)
	if text == "" {
		return nil, malformed(provider, fmt.Errorf("%w: empty output", errMalformed))
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.DisallowUnknownFields()
	var gen Generation
	if err := dec.Decode(&gen); err != nil {
		return nil, malformed(provider, fmt.Errorf("%w: %v", errMalformed, err))
	}

	if len(gen.Blocks) == 0 {
		return nil, malformed(provider, fmt.Errorf("%w: no blocks", errMalformed))
	}
	for i, b := range gen.Blocks {
		switch {
		case strings.TrimSpace(b.Subject) == "":
			return nil, malformed(provider, fmt.Errorf("%w: blocks[%d].subject missing", errMalformed, i))
		case strings.TrimSpace(b.Topic) == "":
			return nil, malformed(provider, fmt.Errorf("%w: blocks[%d].topic missing", errMalformed, i))
		case b.AllocatedMinutes <= 0:
			return nil, malformed(provider, fmt.Errorf("%w: blocks[%d].allocatedMinutes must be positive", errMalformed, i))
		}
		switch strings.ToLower(b.DifficultyLevel) {
		case "beginner", "intermediate", "advanced":
			gen.Blocks[i].DifficultyLevel = strings.ToLower(b.DifficultyLevel)
		default:
			return nil, malformed(provider, fmt.Errorf("%w: blocks[%d].difficultyLevel %q", errMalformed, i, b.DifficultyLevel))
		}
	}
	return &gen, nil
}

func malformed(provider string, err error) *Error {
	return &Error{Provider: provider, Code: CodeTransient, Malformed: true, Err: err}
}

// IsMalformed 判断错误是否来自输出格式校验
func IsMalformed(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Malformed
}

// stripCodeFence 去掉模型常见的 ```json 包裹
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
