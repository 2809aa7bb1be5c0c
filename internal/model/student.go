package model

import (
	"errors"
	"time"
)

// ErrNotFound 存储层统一的“记录不存在”错误（各仓储把 gorm.ErrRecordNotFound 转成它）
var ErrNotFound = errors.New("record not found")

// Student 学员档案（账户子系统所有，本流水线只读）
type Student struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name string `gorm:"type:varchar(200)" json:"name"`

	// 每日可用学习时长（分钟）
	DailyStudyMinutes int `gorm:"default:120" json:"daily_study_minutes"`
	// 精力偏好：morning/afternoon/evening
	EnergyPreference string `gorm:"type:varchar(20)" json:"energy_preference"`
	// 偏好的开始学习时间（0-23），<0 表示未设置
	PreferredStartHour int `gorm:"default:-1" json:"preferred_start_hour"`
	// 连续学习多少分钟后插入休息
	BreakIntervalMinutes int `gorm:"default:50" json:"break_interval_minutes"`
	// 科目优先级：subject -> 1..5
	SubjectPriorities map[string]int `gorm:"serializer:json;type:text" json:"subject_priorities"`
	// 学员指定的生成式模型提供方（为空使用默认主提供方）
	PreferredProvider string `gorm:"type:varchar(50)" json:"preferred_provider"`
	TimeZone          string `gorm:"type:varchar(64);index" json:"time_zone"`
	Active            bool   `gorm:"default:true;index" json:"active"`
}

// Enrollment 学员与课程的关联（只读）
type Enrollment struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	StudentID string  `gorm:"type:varchar(64);not null;index" json:"student_id"`
	CourseID  string  `gorm:"type:varchar(64);not null" json:"course_id"`
	Subject   string  `gorm:"type:varchar(100);not null" json:"subject"`
	Progress  float64 `json:"progress"` // 0-100
	// 当前学习位置（课时/知识点）
	CurrentLesson string `gorm:"type:varchar(200)" json:"current_lesson"`
	CurrentTopic  string `gorm:"type:varchar(200)" json:"current_topic"`
	Active        bool   `gorm:"default:true" json:"active"`
}

// Deadline 规划窗口内的截止事项（考试、作业）
type Deadline struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	StudentID string    `gorm:"type:varchar(64);not null;index" json:"student_id"`
	Subject   string    `gorm:"type:varchar(100)" json:"subject"`
	Topic     string    `gorm:"type:varchar(200)" json:"topic"`
	Title     string    `gorm:"type:varchar(200)" json:"title"`
	DueAt     time.Time `gorm:"index" json:"due_at"`
}

// Commitment 学员当天已有的固定安排，智能排程用来做冲突检测
type Commitment struct {
	ID        uint   `gorm:"primarykey" json:"id"`
	StudentID string `gorm:"type:varchar(64);not null;index:idx_commitment_student_date,priority:1" json:"student_id"`
	Date      string `gorm:"type:varchar(10);not null;index:idx_commitment_student_date,priority:2" json:"date"`
	Start     string `gorm:"type:varchar(5);not null" json:"start"` // HH:MM
	End       string `gorm:"type:varchar(5);not null" json:"end"`   // HH:MM
	Title     string `gorm:"type:varchar(200)" json:"title"`
}

// TestResult 已批改的练习测验分析结果（只读）
type TestResult struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	StudentID string    `gorm:"type:varchar(64);not null;index" json:"student_id"`
	Subject   string    `gorm:"type:varchar(100);not null" json:"subject"`
	TakenAt   time.Time `gorm:"index" json:"taken_at"`
	Score     float64   `json:"score"`
	// 本次测验暴露出的薄弱知识点（每出现一次视为一次失分）
	WeakTopics []string `gorm:"serializer:json;type:text" json:"weak_topics"`
}
