package member

import (
	"database/sql"
	"time"
)

// Role is the platform role of a user.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleDistributor Role = "distributor"
	RoleMember      Role = "member"
)

// Member is a platform user eligible for deal notifications.
type Member struct {
	ID        string
	Email     string
	Name      string
	Phone     sql.NullString // Optional; SMS is only attempted when set
	Role      Role
	IsBlocked bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasPhone reports whether the member can receive SMS.
func (m *Member) HasPhone() bool {
	return m.Phone.Valid && m.Phone.String != ""
}
