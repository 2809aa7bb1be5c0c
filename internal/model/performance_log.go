package model

import (
	"fmt"
	"time"
)

// PerformanceLog 任务表现日志：只追加、不修改，是下一轮薄弱点排序与难度种子的唯一反馈来源
type PerformanceLog struct {
	ID        string    `gorm:"primaryKey;type:varchar(100)" json:"id"` // {studentId}_{timestampNanos}
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	StudentID string `gorm:"type:varchar(64);not null;index" json:"student_id"`
	TaskID    string `gorm:"type:varchar(64);not null;index" json:"task_id"`
	PlanID    string `gorm:"type:varchar(100);index" json:"plan_id"`
	Subject   string `gorm:"type:varchar(100);not null" json:"subject"`
	Topic     string `gorm:"type:varchar(200);not null" json:"topic"`

	Timestamp            time.Time `json:"timestamp"`
	Score                float64   `json:"score"`             // 0-100，判定用分数
	PerformanceScore     float64   `json:"performance_score"` // 准确率/信心/时间效率的加权分
	TimeSpentMinutes     int       `json:"time_spent_minutes"`
	Accuracy             float64   `json:"accuracy"`   // 0-1
	Confidence           int       `json:"confidence"` // 1-5
	DifficultyPerception string    `gorm:"type:varchar(20)" json:"difficulty_perception"`

	Effectiveness      string  `gorm:"type:varchar(30)" json:"effectiveness"`
	Adjustment         string  `gorm:"type:varchar(10)" json:"adjustment"` // increase/decrease/maintain
	PreviousDifficulty float64 `json:"previous_difficulty"`
	NextDifficulty     float64 `json:"next_difficulty"`
}

func PerformanceLogKey(studentID string, ts time.Time) string {
	return fmt.Sprintf("%s_%d", studentID, ts.UnixNano())
}

// TopicKey 科目+知识点的归并键，也是薄弱点排序的确定性 tie-break 依据
func TopicKey(subject, topic string) string {
	return subject + "/" + topic
}
