package domain

import "time"

// Student is a registered account. PasswordHash never leaves the store layer
// in API responses.
type Student struct {
	ID           int64     `json:"id"`
	RollNo       string    `json:"roll_no"`
	PasswordHash string    `json:"-"`
	Name         string    `json:"name"`
	Department   string    `json:"department"`
	Branch       string    `json:"branch"`
	Semester     string    `json:"semester"`
	CreatedAt    time.Time `json:"created_at"`
}

// StudentContext is the request-scoped identity derived from a credential.
type StudentContext struct {
	StudentID  int64  `json:"student_id"`
	RollNo     string `json:"roll_no"`
	Name       string `json:"name"`
	Department string `json:"department"`
	Branch     string `json:"branch"`
	Semester   string `json:"semester"`
}

// Context returns the request-scoped view of the account.
func (s Student) Context() StudentContext {
	return StudentContext{
		StudentID:  s.ID,
		RollNo:     s.RollNo,
		Name:       s.Name,
		Department: s.Department,
		Branch:     s.Branch,
		Semester:   s.Semester,
	}
}

// QueryRecord is one row of the chat query log.
type QueryRecord struct {
	ID        int64     `json:"id"`
	StudentID int64     `json:"student_id"`
	Question  string    `json:"question"`
	Route     Route     `json:"route"`
	Reason    string    `json:"reason"`
	Sources   []string  `json:"sources"`
	LatencyMs int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}
