package models

import "time"

// User roles recognised by the service.
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
)

// User is an account owned by the authentication collaborator. The grading
// core only reads the email for submission listings.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Email     string    `gorm:"size:255;uniqueIndex;not null" json:"email"`
	Role      string    `gorm:"size:32;not null" json:"role"`
	CreatedAt time.Time `json:"created_at"`
}
