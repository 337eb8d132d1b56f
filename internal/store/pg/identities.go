package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"helpdesk.org/internal/auth"
	"helpdesk.org/internal/ids"
)

const identityColumns = `id, username, email, password_hash, active, role, group_name, approved,
	approved_by, approved_at, first_name, last_name, phone, created_at, updated_at`

type identities struct{ s *Store }

func (r *identities) Create(ctx context.Context, id *auth.Identity) error {
	if id.ID == "" {
		id.ID = ids.NewAt(id.CreatedAt)
	}
	_, err := r.s.q.ExecContext(ctx, `
		insert into identities (`+identityColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, id.ID, id.Username, id.Email, id.PasswordHash, id.Active, string(id.Role), id.Group, id.Approved,
		nullIfEmpty(id.ApprovedBy), nullTime(id.ApprovedAt), id.Profile.FirstName, id.Profile.LastName,
		id.Profile.Phone, id.CreatedAt, id.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return auth.ErrDuplicateIdentity
		}
		return err
	}
	return r.writeOrganizations(ctx, id)
}

func (r *identities) Find(ctx context.Context, identityID string) (*auth.Identity, error) {
	row := r.s.q.QueryRowContext(ctx, r.s.forUpdate(`select `+identityColumns+` from identities where id = $1`), identityID)
	id, err := r.scan(ctx, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	return id, err
}

func (r *identities) FindByLogin(ctx context.Context, login string) (*auth.Identity, bool, error) {
	row := r.s.q.QueryRowContext(ctx, `
		select `+identityColumns+` from identities
		where lower(username) = lower($1) or lower(email) = lower($1)
		order by created_at
		limit 1
	`, strings.TrimSpace(login))
	return r.found(ctx, row)
}

func (r *identities) FindByEmail(ctx context.Context, email string) (*auth.Identity, bool, error) {
	row := r.s.q.QueryRowContext(ctx, `
		select `+identityColumns+` from identities where lower(email) = lower($1)
	`, strings.TrimSpace(email))
	return r.found(ctx, row)
}

func (r *identities) found(ctx context.Context, row *sql.Row) (*auth.Identity, bool, error) {
	id, err := r.scan(ctx, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return id, true, nil
}

func (r *identities) Taken(ctx context.Context, username, email string) (bool, error) {
	var taken bool
	err := r.s.q.QueryRowContext(ctx, `
		select exists(
			select 1 from identities
			where lower(username) = lower($1) or lower(email) = lower($2)
		)
	`, strings.TrimSpace(username), strings.TrimSpace(email)).Scan(&taken)
	return taken, err
}

func (r *identities) Update(ctx context.Context, id *auth.Identity) error {
	res, err := r.s.q.ExecContext(ctx, `
		update identities set
			username = $2, email = $3, password_hash = $4, active = $5, role = $6,
			group_name = $7, approved = $8, approved_by = $9, approved_at = $10,
			first_name = $11, last_name = $12, phone = $13, updated_at = $14
		where id = $1
	`, id.ID, id.Username, id.Email, id.PasswordHash, id.Active, string(id.Role), id.Group, id.Approved,
		nullIfEmpty(id.ApprovedBy), nullTime(id.ApprovedAt), id.Profile.FirstName, id.Profile.LastName,
		id.Profile.Phone, id.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return auth.ErrDuplicateIdentity
		}
		return err
	}
	if ok, err := affected(res); err != nil {
		return err
	} else if !ok {
		return auth.ErrNotFound
	}
	if _, err := r.s.q.ExecContext(ctx, `delete from identity_organizations where identity_id = $1`, id.ID); err != nil {
		return err
	}
	return r.writeOrganizations(ctx, id)
}

func (r *identities) writeOrganizations(ctx context.Context, id *auth.Identity) error {
	for pos, orgID := range id.Organizations {
		if _, err := r.s.q.ExecContext(ctx, `
			insert into identity_organizations (identity_id, organization_id, position)
			values ($1, $2, $3)
		`, id.ID, orgID, pos); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return fmt.Errorf("%w: unknown organization %q", auth.ErrInvalidInput, orgID)
			}
			return err
		}
	}
	return nil
}

func (r *identities) Delete(ctx context.Context, identityID string) error {
	if _, err := r.s.q.ExecContext(ctx, `delete from identity_organizations where identity_id = $1`, identityID); err != nil {
		return err
	}
	res, err := r.s.q.ExecContext(ctx, `delete from identities where id = $1`, identityID)
	if err != nil {
		return err
	}
	if ok, err := affected(res); err != nil {
		return err
	} else if !ok {
		return auth.ErrNotFound
	}
	return nil
}

func (r *identities) Orphans(ctx context.Context) ([]string, error) {
	rows, err := r.s.q.QueryContext(ctx, `
		select i.id
		from identities i
		left join email_verifications v on v.identity_id = i.id
		left join login_security l on l.identity_id = i.id
		where v.identity_id is null or l.identity_id is null
		order by i.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *identities) scan(ctx context.Context, row *sql.Row) (*auth.Identity, error) {
	var (
		id         auth.Identity
		role       string
		approvedBy sql.NullString
		approvedAt sql.NullTime
	)
	if err := row.Scan(&id.ID, &id.Username, &id.Email, &id.PasswordHash, &id.Active, &role, &id.Group,
		&id.Approved, &approvedBy, &approvedAt, &id.Profile.FirstName, &id.Profile.LastName,
		&id.Profile.Phone, &id.CreatedAt, &id.UpdatedAt); err != nil {
		return nil, err
	}
	id.Role = auth.Role(role)
	id.ApprovedBy = approvedBy.String
	id.ApprovedAt = timePtr(approvedAt)

	rows, err := r.s.q.QueryContext(ctx, `
		select organization_id from identity_organizations
		where identity_id = $1
		order by position
	`, id.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var org string
		if err := rows.Scan(&org); err != nil {
			return nil, err
		}
		id.Organizations = append(id.Organizations, org)
	}
	return &id, rows.Err()
}

// Organizations ---------------------------------------------------------------
type organizations struct{ s *Store }

func (r *organizations) Create(ctx context.Context, org *auth.Organization) error {
	if org.ID == "" {
		org.ID = ids.NewAt(org.CreatedAt)
	}
	err := r.s.q.QueryRowContext(ctx, `
		insert into organizations (id, name)
		values ($1, $2)
		returning created_at
	`, org.ID, org.Name).Scan(&org.CreatedAt)
	if isUniqueViolation(err) {
		return auth.ErrDuplicateIdentity
	}
	return err
}

func (r *organizations) Find(ctx context.Context, id string) (*auth.Organization, bool, error) {
	var org auth.Organization
	err := r.s.q.QueryRowContext(ctx, `
		select id, name, created_at from organizations where id = $1
	`, id).Scan(&org.ID, &org.Name, &org.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &org, true, nil
}

func (r *organizations) List(ctx context.Context) ([]*auth.Organization, error) {
	rows, err := r.s.q.QueryContext(ctx, `
		select id, name, created_at
		from organizations
		order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*auth.Organization
	for rows.Next() {
		var org auth.Organization
		if err := rows.Scan(&org.ID, &org.Name, &org.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, &org)
	}
	return result, rows.Err()
}

// Groups ----------------------------------------------------------------------
type groups struct{ s *Store }

func (r *groups) Ensure(ctx context.Context, list []auth.Group) error {
	for _, g := range list {
		if _, err := r.s.q.ExecContext(ctx, `
			insert into groups (name, role, allow_multiple_organizations)
			values ($1, $2, $3)
			on conflict (name) do update
			set role = excluded.role, allow_multiple_organizations = excluded.allow_multiple_organizations
		`, g.Name, string(g.Role), g.AllowMultipleOrganizations); err != nil {
			return err
		}
	}
	return nil
}

func (r *groups) Find(ctx context.Context, name string) (auth.Group, bool, error) {
	var (
		g    auth.Group
		role string
	)
	err := r.s.q.QueryRowContext(ctx, `
		select name, role, allow_multiple_organizations from groups where name = $1
	`, name).Scan(&g.Name, &role, &g.AllowMultipleOrganizations)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Group{}, false, nil
	}
	if err != nil {
		return auth.Group{}, false, err
	}
	g.Role = auth.Role(role)
	return g, true, nil
}

func (r *groups) List(ctx context.Context) ([]auth.Group, error) {
	rows, err := r.s.q.QueryContext(ctx, `
		select name, role, allow_multiple_organizations from groups order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Group
	for rows.Next() {
		var (
			g    auth.Group
			role string
		)
		if err := rows.Scan(&g.Name, &role, &g.AllowMultipleOrganizations); err != nil {
			return nil, err
		}
		g.Role = auth.Role(role)
		out = append(out, g)
	}
	return out, rows.Err()
}
