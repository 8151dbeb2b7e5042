package party

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested party does not exist.
var ErrNotFound = errors.New("party: not found")

// Repository provides read access to party profiles.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a party profile with its rating aggregate.
func (r *Repository) GetByID(ctx context.Context, id string) (Profile, error) {
	const query = `
		SELECT u.id, u.full_name, u.role, COUNT(rt.id), COALESCE(AVG(rt.score), 0), u.created_at
		FROM users u
		LEFT JOIN ratings rt ON rt.rated_user_id = u.id
		WHERE u.id = $1
		GROUP BY u.id
	`

	var profile Profile
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&profile.ID,
		&profile.FullName,
		&profile.Role,
		&profile.RatingCount,
		&profile.RatingAverage,
		&profile.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("party: query by id: %w", err)
	}

	return profile, nil
}

// List fetches up to limit party profiles ordered by name.
func (r *Repository) List(ctx context.Context, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT u.id, u.full_name, u.role, COUNT(rt.id), COALESCE(AVG(rt.score), 0), u.created_at
		FROM users u
		LEFT JOIN ratings rt ON rt.rated_user_id = u.id
		GROUP BY u.id
		ORDER BY u.full_name ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("party: list: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0, limit)
	for rows.Next() {
		var profile Profile
		if err := rows.Scan(&profile.ID, &profile.FullName, &profile.Role, &profile.RatingCount, &profile.RatingAverage, &profile.CreatedAt); err != nil {
			return nil, fmt.Errorf("party: scan profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("party: iterate profiles: %w", err)
	}

	return profiles, nil
}
