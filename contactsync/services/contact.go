package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"github.com/natserract/dataverse/contactsync/schema/postgres"
	"github.com/natserract/dataverse/pkg/dataverse"
)

// Contact is a staged row waiting to be exported to the remote contacts
// entity set.
type Contact struct {
	ContactID uuid.UUID
	FirstName string
	LastName  string
}

// ContactMapping binds Contact to the remote "contacts" entity set.
var ContactMapping = dataverse.MustMapping[Contact]("contacts",
	func(c Contact) uuid.UUID { return c.ContactID },
	dataverse.UUIDColumn("contactid", true,
		func(c Contact) uuid.UUID { return c.ContactID },
		func(c *Contact, v uuid.UUID) { c.ContactID = v },
	),
	dataverse.StringColumn("firstname", true,
		func(c Contact) string { return c.FirstName },
		func(c *Contact, v string) { c.FirstName = v },
	),
	dataverse.StringColumn("lastname", true,
		func(c Contact) string { return c.LastName },
		func(c *Contact, v string) { c.LastName = v },
	),
)

// ContactService handles contact staging table operations
type ContactService struct {
	db     *postgres.DB
	logger *zap.Logger
}

// NewContactService creates a new contact service
func NewContactService(db *postgres.DB, logger *zap.Logger) *ContactService {
	return &ContactService{
		db:     db,
		logger: logger,
	}
}

// Stage inserts a contact into the staging table. Re-staging an existing
// contact refreshes its name columns and clears any previous sync state.
func (s *ContactService) Stage(ctx context.Context, c Contact) error {
	_, err := s.db.Pool().Exec(ctx, `
INSERT INTO contacts (contact_id, firstname, lastname)
VALUES ($1, $2, $3)`,
		c.ContactID, c.FirstName, c.LastName)

	if isUniqueViolation(err) {
		_, err = s.db.Pool().Exec(ctx, `
UPDATE contacts
SET firstname = $2, lastname = $3, synced_at = NULL, sync_error = NULL
WHERE contact_id = $1`,
			c.ContactID, c.FirstName, c.LastName)
	}
	if err != nil {
		return fmt.Errorf("failed to stage contact %s: %w", c.ContactID, err)
	}
	return nil
}

// Get returns a single staged contact by id.
func (s *ContactService) Get(ctx context.Context, id uuid.UUID) (Contact, error) {
	var c Contact
	err := s.db.Pool().QueryRow(ctx, `
SELECT contact_id, firstname, lastname
FROM contacts
WHERE contact_id = $1`, id).Scan(&c.ContactID, &c.FirstName, &c.LastName)
	if err != nil {
		return Contact{}, fmt.Errorf("failed to load contact %s: %w", id, err)
	}
	return c, nil
}

// ListUnsynced returns staged contacts that have not been exported yet.
// A limit of zero means no limit.
func (s *ContactService) ListUnsynced(ctx context.Context, limit int) ([]Contact, error) {
	query := `
SELECT contact_id, firstname, lastname
FROM contacts
WHERE synced_at IS NULL
ORDER BY staged_at, contact_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsynced contacts: %w", err)
	}
	defer rows.Close()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ContactID, &c.FirstName, &c.LastName); err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate contacts: %w", err)
	}

	return contacts, nil
}

// MarkSynced records a successful export for the contact.
func (s *ContactService) MarkSynced(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Pool().Exec(ctx, `
UPDATE contacts
SET synced_at = now(), sync_error = NULL
WHERE contact_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark contact %s synced: %w", id, err)
	}
	return nil
}

// MarkFailed records an export failure for the contact. The contact stays
// unsynced so the next run picks it up again.
func (s *ContactService) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	syncError := pgtype.Text{String: reason, Valid: reason != ""}

	_, err := s.db.Pool().Exec(ctx, `
UPDATE contacts
SET sync_error = $2
WHERE contact_id = $1`, id, syncError)
	if err != nil {
		return fmt.Errorf("failed to mark contact %s failed: %w", id, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
