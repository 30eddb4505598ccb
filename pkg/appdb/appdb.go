// Package appdb is a read-only adapter over app.db, the inherited web
// UI's own settings database (§6 "app.db: read-mostly; the core
// consults it only to enumerate users with auto-send enabled and to
// resolve a user's delivery addresses"). The core never writes to this
// schema — it belongs entirely to the excluded web UI — so this
// package opens the file in SQLite's read-only mode and exposes only
// the two narrow queries the automation core actually needs.
//
// The UI's `user` table layout is not specified by spec.md beyond the
// two facts above; this package treats the column set it depends on
// (`id`, `name`, `kindle_mail`, `auto_send`) as a named, documented
// assumption rather than guessing further detail from inherited
// source, the same way pkg/sidecar documents its staged-cover-path
// convention.
package appdb

import (
	"context"
	"database/sql"
	"database/sql/driver"

	"github.com/pkg/errors"
	"github.com/uptrace/bun/driver/sqliteshim"

	"github.com/crocodilestick/cwa-core/pkg/errcodes"
)

// Recipient is one auto-send-enabled user as read from app.db.
type Recipient struct {
	UserID   int
	Username string
}

// Reader is a read-only handle on app.db.
type Reader struct {
	db *sql.DB
}

// Open opens app.db read-only. A missing or unreadable file is not
// fatal to the caller's own process (app.db is an optional
// collaborator, absent e.g. in a test harness that never exercises
// auto-send); callers should treat an Open error as "auto-send
// disabled" rather than crash the loop, per §7's Config tier.
func Open(path string) (*Reader, error) {
	if path == "" {
		return nil, errcodes.ConfigError("app database path is not configured")
	}

	drv, ok := sqliteshim.Driver().(interface {
		OpenConnector(name string) (driver.Connector, error)
	})
	if !ok {
		return nil, errors.New("sqlite driver does not support OpenConnector")
	}
	connector, err := drv.OpenConnector(path + "?mode=ro")
	if err != nil {
		return nil, errors.WithStack(err)
	}

	db := sql.OpenDB(connector)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "failed to open app database %s read-only", path)
	}

	return &Reader{db: db}, nil
}

// Close releases the underlying connection.
func (r *Reader) Close() error {
	return errors.WithStack(r.db.Close())
}

// ListAutoSendEnabledUsers enumerates every user with auto-send turned
// on, for the ingest processor's post-import fan-out (§4.E "for each
// user with auto-send enabled, schedule an auto-send job via G").
func (r *Reader) ListAutoSendEnabledUsers(ctx context.Context) ([]Recipient, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name FROM user WHERE auto_send = 1`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query auto-send-enabled users")
	}
	defer rows.Close() //nolint:errcheck

	var out []Recipient
	for rows.Next() {
		var rec Recipient
		if err := rows.Scan(&rec.UserID, &rec.Username); err != nil {
			return nil, errors.WithStack(err)
		}
		out = append(out, rec)
	}
	return out, errors.WithStack(rows.Err())
}

// DeliveryAddress resolves a user's current delivery address (their
// registered Kindle/send-to-device email), re-read at dispatch time
// because it may have changed since the job was scheduled (§4.G
// "auto-send ... re-read the user's delivery settings").
func (r *Reader) DeliveryAddress(ctx context.Context, userID int) (string, error) {
	var addr string
	err := r.db.QueryRowContext(ctx, `SELECT kindle_mail FROM user WHERE id = ?`, userID).Scan(&addr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", errcodes.NotFound("user")
		}
		return "", errors.WithStack(err)
	}
	if addr == "" {
		return "", errcodes.PerItem("no_delivery_address", "user has no delivery address configured")
	}
	return addr, nil
}
