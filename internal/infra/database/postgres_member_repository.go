package database

import (
	"context"
	"database/sql"
	"fmt"

	"deal_expiration_notifier/internal/domain/member"
)

type PostgresMemberRepository struct {
	db *sql.DB
}

func NewPostgresMemberRepository(db *sql.DB) *PostgresMemberRepository {
	return &PostgresMemberRepository{db: db}
}

func (r *PostgresMemberRepository) FindByRoleAndNotBlocked(ctx context.Context, role member.Role) ([]*member.Member, error) {
	query := `SELECT id, email, name, phone, role, is_blocked, created_at, updated_at
               FROM users WHERE role = $1 AND is_blocked = FALSE ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, role)
	if err != nil {
		return nil, fmt.Errorf("error listing %s users: %w", role, err)
	}
	defer rows.Close()

	members := make([]*member.Member, 0)
	for rows.Next() {
		m := &member.Member{}
		if err := rows.Scan(&m.ID, &m.Email, &m.Name, &m.Phone, &m.Role, &m.IsBlocked, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("error scanning member: %w", err)
		}
		members = append(members, m)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating members: %w", err)
	}
	return members, nil
}
