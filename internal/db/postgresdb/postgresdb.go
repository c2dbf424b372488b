// Package postgresdb provides the PostgreSQL-based implementation of the
// storage contract: users, the unlabeled dataset, per-user labels and the
// revoked tokens set. Uniqueness rules (one user per username, one label
// per user and item) are enforced by database constraints, not by
// read-then-write checks.
package postgresdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pressly/goose/v3"
	"github.com/thoas/go-funk"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/akarpenko/pairlabel/internal/models"
	"github.com/akarpenko/pairlabel/internal/user"
)

const (
	pgUniqueViolationCode     = "23505"
	pgForeignKeyViolationCode = "23503"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresDB is a PostgreSQL-backed implementation of the storage contract.
type PostgresDB struct {
	database          *sql.DB
	connectionTimeout time.Duration
}

type initOptions struct {
	DBPreReset bool
}

// InitOption defines a functional option for configuring database initialization.
type InitOption func(*initOptions)

// WithDBPreReset enables dropping all public tables before running migrations.
// It is meant for test setups only.
func WithDBPreReset(value bool) InitOption {
	return func(options *initOptions) {
		options.DBPreReset = value
	}
}

// New establishes a connection to the PostgreSQL database,
// runs schema migrations, and returns a configured PostgresDB instance.
func New(
	ctx context.Context,
	databaseDSN string,
	connectionTimeout time.Duration,
	migrationsDir string,
	optionsProto ...InitOption,
) (*PostgresDB, error) {
	options := &initOptions{}
	for _, protoOption := range optionsProto {
		protoOption(options)
	}

	database, err := sql.Open("pgx", databaseDSN)
	if err != nil {
		return nil, err
	}

	result := &PostgresDB{
		database:          database,
		connectionTimeout: connectionTimeout,
	}

	if options.DBPreReset {
		if err := result.resetDB(ctx); err != nil {
			return nil,
				fmt.Errorf(
					"in internal/db/postgresdb/postgresdb.go/New(): error while `result.resetDB()` calling: %w",
					err,
				)
		}
	}

	if err := goose.SetDialect("postgres"); err != nil {
		return nil,
			fmt.Errorf(
				"in internal/db/postgresdb/postgresdb.go/New(): error while `goose.SetDialect()` calling: %w",
				err,
			)
	}

	if err := goose.Up(result.database, migrationsDir); err != nil {
		return nil,
			fmt.Errorf(
				"in internal/db/postgresdb/postgresdb.go/New(): error while `goose.Up()` calling: %w",
				err,
			)
	}

	return result, nil
}

// CreateUser inserts a new user row and returns the created user.
// A username collision is reported as models.ErrUsernameTaken.
func (db *PostgresDB) CreateUser(ctx context.Context, username, passwordHash string) (*user.User, error) {
	row := db.database.QueryRowContext(
		ctx,
		`INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id`,
		username,
		passwordHash,
	)

	var userID int
	if err := row.Scan(&userID); err != nil {
		if isPgErrorCode(err, pgUniqueViolationCode) {
			return nil, models.ErrUsernameTaken
		}
		return nil, err
	}

	return &user.User{
		ID:           userID,
		Username:     username,
		PasswordHash: passwordHash,
	}, nil
}

// FindUserByUsername fetches a user by name.
// The second return value reports whether the user exists.
func (db *PostgresDB) FindUserByUsername(ctx context.Context, username string) (*user.User, bool, error) {
	row := db.database.QueryRowContext(
		ctx,
		`SELECT id, username, password_hash FROM users WHERE username = $1`,
		username,
	)

	usr := &user.User{}
	err := row.Scan(&usr.ID, &usr.Username, &usr.PasswordHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}

	return usr, true, nil
}

// GetUsernames returns the names of all registered users in insertion order.
func (db *PostgresDB) GetUsernames(ctx context.Context) ([]string, error) {
	rows, err := db.database.QueryContext(
		ctx,
		`SELECT username FROM users ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []string{}
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, err
		}
		result = append(result, username)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// DeleteAllUsers removes every user row and returns the number of removed rows.
// Dependent labels are removed by the ON DELETE CASCADE constraint.
func (db *PostgresDB) DeleteAllUsers(ctx context.Context) (int64, error) {
	result, err := db.database.ExecContext(ctx, `DELETE FROM users`)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// GetAllItems returns the full unlabeled dataset in insertion order.
func (db *PostgresDB) GetAllItems(ctx context.Context) ([]models.DatasetItem, error) {
	return db.queryItems(
		ctx,
		`SELECT id, item_1, item_2 FROM unlabeled_dataset ORDER BY id`,
	)
}

// GetUnlabeledFor returns every dataset item the given user has not labeled yet.
// The remainder is computed as a full set difference in SQL, never a sampled subset.
func (db *PostgresDB) GetUnlabeledFor(ctx context.Context, userID int) ([]models.DatasetItem, error) {
	return db.queryItems(
		ctx,
		`
			SELECT id, item_1, item_2
				FROM unlabeled_dataset
				WHERE id NOT IN (
					SELECT unlabeled_dataset_id
						FROM labeled_dataset
						WHERE user_id = $1
				)
				ORDER BY id
		`,
		userID,
	)
}

func (db *PostgresDB) queryItems(ctx context.Context, query string, args ...any) ([]models.DatasetItem, error) {
	rows, err := db.database.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []models.DatasetItem{}
	for rows.Next() {
		item := models.DatasetItem{}
		if err := rows.Scan(&item.ID, &item.Item1, &item.Item2); err != nil {
			return nil, err
		}
		result = append(result, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// InsertLabel records the label the user gave to a dataset item.
// A second label for the same (item, user) pair is rejected with
// models.ErrLabelExists by the unique constraint; dangling references
// surface as models.ErrUnknownItem or models.ErrUserNotFound.
func (db *PostgresDB) InsertLabel(ctx context.Context, itemID, userID, label int) error {
	_, err := db.database.ExecContext(
		ctx,
		`INSERT INTO labeled_dataset (unlabeled_dataset_id, user_id, label) VALUES ($1, $2, $3)`,
		itemID,
		userID,
		label,
	)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolationCode:
			return models.ErrLabelExists
		case pgForeignKeyViolationCode:
			if strings.Contains(pgErr.ConstraintName, "user") {
				return models.ErrUserNotFound
			}
			return models.ErrUnknownItem
		}
	}

	return err
}

// BulkInsertItems inserts item pairs into the given table within a single
// transaction. The whole batch is rolled back when any row does not have
// exactly two fields. Returns the number of inserted rows.
func (db *PostgresDB) BulkInsertItems(ctx context.Context, rows [][]string, table string) (int64, error) {
	if !identifierPattern.MatchString(table) {
		return 0, fmt.Errorf("invalid destination table name: %q", table)
	}

	if len(rows) == 0 {
		return 0, nil
	}

	transaction, err := db.database.Begin()
	if err != nil {
		return 0, err
	}

	for _, row := range rows {
		if len(row) != 2 {
			if err := transaction.Rollback(); err != nil {
				return 0, err
			}
			return 0, fmt.Errorf("invalid row data: %v", row)
		}
	}

	placeholders := make([]string, len(rows))
	for i := range placeholders {
		placeholders[i] = fmt.Sprintf("($%d, $%d)", i*2+1, i*2+2)
	}
	queryParams := funk.Flatten(rows).([]string)

	result, err := transaction.ExecContext(
		ctx,
		fmt.Sprintf(
			`INSERT INTO "%s" (item_1, item_2) VALUES %s`,
			table,
			strings.Join(placeholders, ","),
		),
		func(strSlice []string) []interface{} {
			args := make([]interface{}, len(strSlice))
			for i, v := range strSlice {
				args[i] = v
			}

			return args
		}(queryParams)...,
	)
	if err != nil {
		if err2 := transaction.Rollback(); err2 != nil {
			return 0, err2
		}
		return 0, err
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		if err2 := transaction.Rollback(); err2 != nil {
			return 0, err2
		}
		return 0, err
	}

	if err := transaction.Commit(); err != nil {
		return 0, err
	}

	return inserted, nil
}

// RevokeToken marks the token identifier as revoked. Revoking the same jti
// twice is not an error. The token expiry is stored so the revocation row
// can be pruned once the token would be rejected anyway.
func (db *PostgresDB) RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := db.database.ExecContext(
		ctx,
		`
			INSERT INTO revoked_tokens (jti, expires_at)
				VALUES ($1, $2)
				ON CONFLICT (jti) DO NOTHING
		`,
		jti,
		expiresAt,
	)

	return err
}

// IsTokenRevoked reports whether the token identifier is in the revocation set.
func (db *PostgresDB) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	row := db.database.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM revoked_tokens WHERE jti = $1`,
		jti,
	)

	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}

	return count > 0, nil
}

// DeleteExpiredRevocations removes revocation rows whose token expiry has
// passed and returns the number of removed rows.
func (db *PostgresDB) DeleteExpiredRevocations(ctx context.Context, now time.Time) (int64, error) {
	result, err := db.database.ExecContext(
		ctx,
		`DELETE FROM revoked_tokens WHERE expires_at < $1`,
		now,
	)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// Ping verifies connectivity with the PostgreSQL database within the configured timeout.
func (db *PostgresDB) Ping(ctx context.Context) error {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, db.connectionTimeout)
	defer cancel()

	return db.database.PingContext(ctxWithTimeout)
}

// Close closes the database connection and releases any associated resources.
func (db *PostgresDB) Close() error {
	return db.database.Close()
}

func isPgErrorCode(err error, code string) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == code
}

func (db *PostgresDB) resetDB(ctx context.Context) error {
	_, err := db.database.ExecContext(
		ctx,
		`
			DO $$
			DECLARE
				r RECORD;
			BEGIN
				FOR r IN (SELECT tablename FROM pg_tables WHERE schemaname = 'public') LOOP
					EXECUTE 'DROP TABLE IF EXISTS ' || quote_ident(r.tablename) || ' CASCADE';
				END LOOP;
			END $$;
		`,
	)
	if err != nil {
		return fmt.Errorf(
			"in internal/db/postgresdb/postgresdb.go/resetDB(): error while `db.database.ExecContext()` calling: %w",
			err,
		)
	}

	return nil
}
