package db

import (
	"context"
	"time"

	"gorm.io/gorm"

	"studyplan/internal/model"
)

// ProfileRepository 读取档案/选课/截止事项/固定安排/测验结果（本流水线只读）
type ProfileRepository struct {
	db *gorm.DB
}

func NewProfileRepository(db *gorm.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

func (r *ProfileRepository) GetStudent(ctx context.Context, studentID string) (*model.Student, error) {
	var s model.Student
	if err := r.db.WithContext(ctx).First(&s, "id = ?", studentID).Error; err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (r *ProfileRepository) ListEnrollments(ctx context.Context, studentID string) ([]model.Enrollment, error) {
	var out []model.Enrollment
	err := r.db.WithContext(ctx).
		Where("student_id = ? AND active = ?", studentID, true).
		Order("id").
		Find(&out).Error
	return out, err
}

// ListDeadlines [from, to) 区间内的截止事项，按到期时间升序
func (r *ProfileRepository) ListDeadlines(ctx context.Context, studentID string, from, to time.Time) ([]model.Deadline, error) {
	var out []model.Deadline
	err := r.db.WithContext(ctx).
		Where("student_id = ? AND due_at >= ? AND due_at < ?", studentID, from, to).
		Order("due_at").
		Find(&out).Error
	return out, err
}

func (r *ProfileRepository) ListCommitments(ctx context.Context, studentID, date string) ([]model.Commitment, error) {
	var out []model.Commitment
	err := r.db.WithContext(ctx).
		Where("student_id = ? AND date = ?", studentID, date).
		Order("start").
		Find(&out).Error
	return out, err
}

func (r *ProfileRepository) ListRecentTestResults(ctx context.Context, studentID string, limit int) ([]model.TestResult, error) {
	var out []model.TestResult
	err := r.db.WithContext(ctx).
		Where("student_id = ?", studentID).
		Order("taken_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListActiveStudentIDs 某个时区的活跃学员；timeZone 为空返回全部活跃学员
func (r *ProfileRepository) ListActiveStudentIDs(ctx context.Context, timeZone string) ([]string, error) {
	q := r.db.WithContext(ctx).Model(&model.Student{}).Where("active = ?", true)
	if timeZone != "" {
		q = q.Where("time_zone = ?", timeZone)
	}
	var ids []string
	err := q.Order("id").Pluck("id", &ids).Error
	return ids, err
}
