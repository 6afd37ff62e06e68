// Package pgcopy takes and restores same-server copies of a PostgreSQL
// database. The copy of <name> is always <name>-backup; restoring
// renames it into place rather than copying it back.
package pgcopy

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/go-kit/kit/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"

	pipeerr "github.com/pipewright/pipewright/pkg/errors"
	"github.com/pipewright/pipewright/pkg/store"
)

const (
	KindDatabaseNotFound = "DatabaseNotFound"
	KindBackupNotFound   = "DatabaseBackupNotFound"
	KindDatabaseBusy     = "DatabaseInUse"
	KindInvalidName      = "InvalidDatabaseName"
	KindBackupMismatch   = "DatabaseBackupMismatch"
)

// PostgreSQL truncates identifiers longer than this.
const maxIdentifierLength = 63

const (
	backupSuffix  = "-backup"
	discardSuffix = "-discard"
)

// SQLSTATE object_in_use: the database has other sessions.
const codeObjectInUse = "55006"

// Copy names a database and its backup. Token identifies the backup
// CreateCopy took; it is written on the backup as its comment, which
// follows the database through renames.
type Copy struct {
	Name       string `json:"name"`
	BackupName string `json:"backupName"`
	Token      string `json:"token,omitempty"`
}

func CopyOf(name string) Copy {
	return Copy{Name: name, BackupName: BackupName(name)}
}

func BackupName(name string) string  { return name + backupSuffix }
func marker(token string) string     { return "pipewright backup " + token }
func DiscardName(name string) string { return name + discardSuffix }

// Open connects to the maintenance database with the pgx driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening maintenance connection")
	}
	return db, nil
}

type Controller struct {
	db       *sql.DB
	journal  *store.Journal
	logger   log.Logger
	newToken func() string
}

// NewController works through db, which must be connected to a
// database other than the ones it copies (e.g., "postgres"). Rollback
// progress goes to journal, which should be scoped to that server.
func NewController(db *sql.DB, journal *store.Journal, logger log.Logger) *Controller {
	return &Controller{
		db:       db,
		journal:  journal,
		logger:   logger,
		newToken: func() string { return uuid.New().String() },
	}
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func validate(name string) error {
	if name == "" || len(DiscardName(name)) > maxIdentifierLength {
		return pipeerr.Newf(pipeerr.User, KindInvalidName,
			"database name %q must be between 1 and %d bytes", name, maxIdentifierLength-len(discardSuffix))
	}
	return nil
}

// classify turns "database is being accessed by other users" into
// NotReady, so the caller tries again after new sessions have been
// turned away.
func classify(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeObjectInUse {
		return pipeerr.New(pipeerr.NotReady, KindDatabaseBusy, errors.Wrapf(err, format, args...))
	}
	return pipeerr.New(pipeerr.External, pipeerr.KindExternalAPI, errors.Wrapf(err, format, args...))
}

func (c *Controller) Exists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := c.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_catalog.pg_database WHERE datname = $1)`, name).Scan(&exists)
	if err != nil {
		return false, classify(err, "checking for database %s", name)
	}
	return exists, nil
}

// comment returns the comment on name, empty if it has none or does
// not exist.
func (c *Controller) comment(ctx context.Context, name string) (string, error) {
	var comment sql.NullString
	err := c.db.QueryRowContext(ctx,
		`SELECT pg_catalog.shobj_description(oid, 'pg_database') FROM pg_catalog.pg_database WHERE datname = $1`, name).Scan(&comment)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", classify(err, "reading comment of %s", name)
	}
	return comment.String, nil
}

func (c *Controller) holds(ctx context.Context, name string, cp Copy) (bool, error) {
	comment, err := c.comment(ctx, name)
	return comment == marker(cp.Token), err
}

func (c *Controller) owner(ctx context.Context, name string) (string, error) {
	var owner string
	err := c.db.QueryRowContext(ctx,
		`SELECT pg_catalog.pg_get_userbyid(datdba) FROM pg_catalog.pg_database WHERE datname = $1`, name).Scan(&owner)
	if err != nil {
		return "", classify(err, "looking up owner of %s", name)
	}
	return owner, nil
}

// terminate disconnects every other session on name.
func (c *Controller) terminate(ctx context.Context, name string) error {
	_, err := c.db.ExecContext(ctx,
		`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`, name)
	return classify(err, "terminating connections to %s", name)
}

func (c *Controller) drop(ctx context.Context, name string) error {
	_, err := c.db.ExecContext(ctx, `DROP DATABASE IF EXISTS `+quote(name))
	return classify(err, "dropping %s", name)
}

func (c *Controller) rename(ctx context.Context, from, to string) error {
	_, err := c.db.ExecContext(ctx, `ALTER DATABASE `+quote(from)+` RENAME TO `+quote(to))
	if err != nil {
		return classify(err, "renaming %s to %s", from, to)
	}
	_ = c.logger.Log("database", from, "renamed", to)
	return nil
}

// CreateCopy replaces <name>-backup with a fresh copy of name, owned by
// the same role as name.
func (c *Controller) CreateCopy(ctx context.Context, name string) (Copy, error) {
	if err := validate(name); err != nil {
		return Copy{}, err
	}
	exists, err := c.Exists(ctx, name)
	if err != nil {
		return Copy{}, err
	}
	if !exists {
		return Copy{}, pipeerr.Newf(pipeerr.Missing, KindDatabaseNotFound, "database %s does not exist", name)
	}
	owner, err := c.owner(ctx, name)
	if err != nil {
		return Copy{}, err
	}

	cp := CopyOf(name)
	if err := c.drop(ctx, cp.BackupName); err != nil {
		return cp, err
	}
	if err := c.terminate(ctx, name); err != nil {
		return cp, err
	}
	_, err = c.db.ExecContext(ctx,
		`CREATE DATABASE `+quote(cp.BackupName)+` WITH TEMPLATE `+quote(name)+` OWNER `+quote(owner))
	if err != nil {
		return cp, classify(err, "copying %s to %s", name, cp.BackupName)
	}
	cp.Token = c.newToken()
	// COMMENT takes no parameters; the token is a generated UUID.
	_, err = c.db.ExecContext(ctx, `COMMENT ON DATABASE `+quote(cp.BackupName)+` IS '`+marker(cp.Token)+`'`)
	if err != nil {
		return cp, classify(err, "marking %s", cp.BackupName)
	}
	_ = c.logger.Log("database", name, "action", "copy", "backup", cp.BackupName, "owner", owner, "token", cp.Token)
	return cp, nil
}

// Steps of a rollback, as recorded in the journal.
const (
	stepStart = iota
	stepAsideDone
	stepRestored
)

// RollbackCopy puts the backup cp names back in place of cp.Name. The
// current database is moved aside to <name>-discard and dropped once
// the backup has taken its place. Progress is journaled per backup, so
// an interrupted rollback picks up where it stopped; a record the
// databases contradict is dropped and the rollback starts over. A
// backup not carrying cp's token is never renamed into place.
func (c *Controller) RollbackCopy(ctx context.Context, cp Copy) error {
	name := cp.Name
	if err := validate(name); err != nil {
		return err
	}
	if cp.Token == "" {
		return pipeerr.Newf(pipeerr.Failed, KindBackupMismatch, "no backup token for %s", name)
	}
	cp.BackupName = BackupName(name)
	discard := DiscardName(name)
	key := name + "/" + cp.Token

	rec, err := c.journal.Load(ctx, key)
	if err != nil {
		return err
	}
	startOver := func() error {
		_ = c.logger.Log("database", name, "token", cp.Token, "step", rec.Step,
			"info", "rollback record does not match the databases, starting over")
		if err := c.journal.Clear(ctx, key); err != nil {
			return err
		}
		return c.RollbackCopy(ctx, cp)
	}
	mismatch := func(db string) error {
		return pipeerr.Newf(pipeerr.Failed, KindBackupMismatch, "%s is not the backup taken as %s", db, cp.Token)
	}

	if rec.Step == stepStart {
		hasBackup, err := c.Exists(ctx, cp.BackupName)
		if err != nil {
			return err
		}
		if !hasBackup {
			return pipeerr.Newf(pipeerr.Missing, KindBackupNotFound, "backup %s does not exist", cp.BackupName)
		}
		if ok, err := c.holds(ctx, cp.BackupName, cp); err != nil {
			return err
		} else if !ok {
			return mismatch(cp.BackupName)
		}
		hasCurrent, err := c.Exists(ctx, name)
		if err != nil {
			return err
		}
		if hasCurrent {
			if err := c.drop(ctx, discard); err != nil {
				return err
			}
			if err := c.terminate(ctx, name); err != nil {
				return err
			}
			if err := c.rename(ctx, name, discard); err != nil {
				return err
			}
		} else {
			_ = c.logger.Log("database", name, "info", "database to roll back is absent, restoring backup in its place")
		}
		if err := c.journal.Advance(ctx, &rec, stepAsideDone); err != nil {
			return err
		}
	}

	if rec.Step == stepAsideDone {
		hasBackup, err := c.Exists(ctx, cp.BackupName)
		if err != nil {
			return err
		}
		if hasBackup {
			if ok, err := c.holds(ctx, cp.BackupName, cp); err != nil {
				return err
			} else if !ok {
				return mismatch(cp.BackupName)
			}
			if hasCurrent, err := c.Exists(ctx, name); err != nil {
				return err
			} else if hasCurrent {
				// the current database was never moved aside
				return startOver()
			}
			if err := c.terminate(ctx, cp.BackupName); err != nil {
				return err
			}
			if err := c.rename(ctx, cp.BackupName, name); err != nil {
				return err
			}
		} else if ok, err := c.holds(ctx, name, cp); err != nil {
			return err
		} else if !ok {
			return pipeerr.Newf(pipeerr.Missing, KindBackupNotFound, "backup %s does not exist and %s is not it", cp.BackupName, name)
		}
		if err := c.journal.Advance(ctx, &rec, stepRestored); err != nil {
			return err
		}
	} else if rec.Step == stepRestored {
		if ok, err := c.holds(ctx, name, cp); err != nil {
			return err
		} else if !ok {
			return startOver()
		}
	}

	if err := c.terminate(ctx, discard); err != nil {
		return err
	}
	if err := c.drop(ctx, discard); err != nil {
		return err
	}
	_ = c.logger.Log("database", name, "action", "rollback", "restored_from", cp.BackupName, "token", cp.Token)
	return c.journal.Clear(ctx, key)
}
