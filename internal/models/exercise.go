package models

import "time"

// Exercise is a teacher-authored assignment with an optional reference correction.
type Exercise struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TeacherID  uint      `gorm:"not null;index" json:"teacher_id"`
	Title      string    `gorm:"size:255;not null" json:"title"`
	Content    string    `gorm:"type:text" json:"content"`
	Correction *string   `gorm:"type:text" json:"correction"`
	CreatedAt  time.Time `json:"created_at"`
}

// ReferenceCorrection returns the correction text, empty when none was written.
func (e Exercise) ReferenceCorrection() string {
	if e.Correction == nil {
		return ""
	}
	return *e.Correction
}
