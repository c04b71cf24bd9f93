package conventions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/conventions/libs/db"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/events"
)

// PostgresRepository stores the convention snapshot as a JSON document next
// to the columns the service filters on.
type PostgresRepository struct {
	pool *db.Pool
}

func NewPostgresRepository(pool *db.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Get(ctx context.Context, tx db.Tx, id string) (events.Convention, error) {
	var raw []byte
	err := tx.QueryRow(ctx, `
		SELECT document FROM conventions WHERE id = $1 FOR UPDATE
	`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return events.Convention{}, fmt.Errorf("%w: %s", ErrConventionNotFound, id)
	}
	if err != nil {
		return events.Convention{}, err
	}
	var c events.Convention
	if err := json.Unmarshal(raw, &c); err != nil {
		return events.Convention{}, fmt.Errorf("decode convention %s: %w", id, err)
	}
	return c, nil
}

func (r *PostgresRepository) Insert(ctx context.Context, tx db.Tx, c events.Convention) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO conventions (id, agency_id, status, document)
		VALUES ($1, $2, $3, $4)
	`, c.ID, c.AgencyID, c.Status, doc)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrConventionExists, c.ID)
	}
	return err
}

func (r *PostgresRepository) Update(ctx context.Context, tx db.Tx, c events.Convention) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE conventions
		SET agency_id = $2, status = $3, document = $4, updated_at = now()
		WHERE id = $1
	`, c.ID, c.AgencyID, c.Status, doc)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrConventionNotFound, c.ID)
	}
	return nil
}

func (r *PostgresRepository) SaveAgency(ctx context.Context, tx db.Tx, a events.Agency) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO agencies (id, name, address, counsellor_emails, validator_emails)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			address = EXCLUDED.address,
			counsellor_emails = EXCLUDED.counsellor_emails,
			validator_emails = EXCLUDED.validator_emails,
			updated_at = now()
	`, a.ID, a.Name, a.Address, nonNil(a.CounsellorEmails), nonNil(a.ValidatorEmails))
	return err
}

// Agency reads outside any transaction; notification handlers use it as
// their agency directory.
func (r *PostgresRepository) Agency(ctx context.Context, id string) (events.Agency, error) {
	var a events.Agency
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, address, counsellor_emails, validator_emails
		FROM agencies WHERE id = $1
	`, id).Scan(&a.ID, &a.Name, &a.Address, &a.CounsellorEmails, &a.ValidatorEmails)
	if errors.Is(err, pgx.ErrNoRows) {
		return events.Agency{}, fmt.Errorf("%w: %s", ErrAgencyNotFound, id)
	}
	return a, err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
