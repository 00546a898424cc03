package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	_ "modernc.org/sqlite"

	"github.com/datallboy/nzbengine/internal/nntp"
)

var ErrNotFound = errors.New("catalog record not found")

// Flags describe a record beyond its overview fields.
type Flags uint8

const (
	FlagBinary Flags = 1 << iota
	FlagBroken
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

// Record is one stored overview line.
type Record struct {
	Index int64
	nntp.Overview
	Flags Flags
}

// Catalog is an append-only index of article headers per newsgroup.
// Records are addressed by their position in the group.
type Catalog struct {
	db *sql.DB
}

func Open(dbPath string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Ping makes sure the file is actually accessible and the DSN is valid
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}

	c := &Catalog{db: db}
	if err := c.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not migrate catalog: %w", err)
	}

	return c, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

// "(12/345)" part counters mark binary posts, a part beyond the total
// marks a broken one.
var partCounter = regexp.MustCompile(`\((\d+)/(\d+)\)`)

func classify(ov nntp.Overview) Flags {
	m := partCounter.FindStringSubmatch(ov.Subject)
	if m == nil {
		return 0
	}
	flags := FlagBinary
	var part, total int
	fmt.Sscan(m[1], &part)
	fmt.Sscan(m[2], &total)
	if total == 0 || part > total {
		flags |= FlagBroken
	}
	return flags
}

// Append stores records at the end of group and returns the index of the
// first one.
func (c *Catalog) Append(ctx context.Context, group string, records []nntp.Overview) (int64, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(idx) + 1, 0) FROM overview_records WHERE grp = ?`, group).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to find catalog end: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO overview_records
		(grp, idx, number, subject, author, posted, message_id, refs, bytes, lines, xref, flags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for i, ov := range records {
		_, err := stmt.ExecContext(ctx,
			group,
			next+int64(i),
			ov.Number,
			ov.Subject,
			ov.Author,
			ov.Date,
			ov.MessageID,
			ov.References,
			ov.Bytes,
			ov.Lines,
			ov.Xref,
			classify(ov),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to append record %d: %w", ov.Number, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

// Record looks up the record at index in group.
func (c *Catalog) Record(ctx context.Context, group string, index int64) (Record, error) {
	query := `
		SELECT idx, number, subject, author, posted, message_id, refs, bytes, lines, xref, flags
		FROM overview_records
		WHERE grp = ? AND idx = ? LIMIT 1`

	var r Record
	err := c.db.QueryRowContext(ctx, query, group, index).Scan(
		&r.Index, &r.Number, &r.Subject, &r.Author, &r.Date, &r.MessageID,
		&r.References, &r.Bytes, &r.Lines, &r.Xref, &r.Flags,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("failed to fetch record: %w", err)
	}
	return r, nil
}

// Count returns the number of records stored for group.
func (c *Catalog) Count(ctx context.Context, group string) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM overview_records WHERE grp = ?`, group).Scan(&n)
	return n, err
}

// Numbers returns the lowest and highest article number stored for group,
// both zero when the group is empty.
func (c *Catalog) Numbers(ctx context.Context, group string) (first, last uint64, err error) {
	err = c.db.QueryRowContext(ctx,
		`SELECT COALESCE(MIN(number), 0), COALESCE(MAX(number), 0) FROM overview_records WHERE grp = ?`,
		group).Scan(&first, &last)
	return first, last, err
}
