package store

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"prism-backend/internal/metadata"
)

// Bootstrap creates the system tables and seed rows on first start. Every
// step is idempotent.
func (s *Store) Bootstrap(ctx context.Context) error {
	for _, stmt := range splitStatements(s.Dialect.SystemTablesSQL()) {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap system tables: %w", err)
		}
	}
	if err := s.seedGroups(ctx); err != nil {
		return fmt.Errorf("seed groups: %w", err)
	}
	if err := s.seedAdminUser(ctx); err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}
	if err := s.seedSchemaState(ctx); err != nil {
		return fmt.Errorf("seed schema state: %w", err)
	}
	return nil
}

// splitStatements breaks a DDL blob into single statements; the pgx stdlib
// driver prepares queries and rejects multi-statement strings.
func splitStatements(blob string) []string {
	parts := strings.Split(blob, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if stmt := strings.TrimSpace(p); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func (s *Store) seedGroups(ctx context.Context) error {
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM _groups").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	pb := s.Dialect.NewParamBuilder()
	stmt := fmt.Sprintf(
		"INSERT INTO _groups (id, name, description, admin) VALUES (%s, %s, %s, %s)",
		pb.Add(metadata.AdminGroupID), pb.Add("Administrators"),
		pb.Add("Full access to every collection and the schema itself"), pb.Add(true),
	)
	if _, err := s.DB.ExecContext(ctx, stmt, pb.Params()...); err != nil {
		return err
	}

	pb = s.Dialect.NewParamBuilder()
	stmt = fmt.Sprintf(
		"INSERT INTO _groups (id, name, description, admin) VALUES (%s, %s, %s, %s)",
		pb.Add(metadata.PublicGroupID), pb.Add("Public"),
		pb.Add("Default group for new users; no grants until permissions are added"), pb.Add(false),
	)
	_, err := s.DB.ExecContext(ctx, stmt, pb.Params()...)
	return err
}

func (s *Store) seedAdminUser(ctx context.Context) error {
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM _users").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hashBytes, err := bcrypt.GenerateFromPassword([]byte("changeme"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	pb := s.Dialect.NewParamBuilder()
	stmt := fmt.Sprintf(
		"INSERT INTO _users (id, email, password_hash, group_id) VALUES (%s, %s, %s, %s)",
		pb.Add(uuid.New().String()), pb.Add("admin@localhost"),
		pb.Add(string(hashBytes)), pb.Add(metadata.AdminGroupID),
	)
	if _, err := s.DB.ExecContext(ctx, stmt, pb.Params()...); err != nil {
		return err
	}

	log.Println("WARNING: Default admin user created (admin@localhost / changeme) — change the password immediately.")
	return nil
}

func (s *Store) seedSchemaState(ctx context.Context) error {
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM _schema_state").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	pb := s.Dialect.NewParamBuilder()
	stmt := fmt.Sprintf(
		"INSERT INTO _schema_state (id, version) VALUES (1, %s)",
		pb.Add(uuid.New().String()),
	)
	_, err := s.DB.ExecContext(ctx, stmt, pb.Params()...)
	return err
}
