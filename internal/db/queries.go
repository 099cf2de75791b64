package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
)

// Queries wraps database queries
type Queries struct {
	db DBTX
}

// NewQueries creates a new Queries instance
func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

// NewID returns a lexically sortable identifier
func NewID() string {
	return ulid.Make().String()
}

// InTx runs fn inside a transaction. A non-empty lockKey takes a
// transaction-scoped advisory lock first, serializing callers that share it.
func (q *Queries) InTx(ctx context.Context, lockKey string, fn func(*Queries) error) error {
	tx, err := q.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if lockKey != "" {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", lockKey); err != nil {
			return fmt.Errorf("failed to acquire lock: %w", err)
		}
	}

	if err := fn(&Queries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Form represents a form row
type Form struct {
	ID             string
	Key            string
	Name           string
	HelpText       string
	Record         string
	LoginRequired  bool
	AllowChanges   bool
	MaxSubmissions int
	Honeypot       bool
	SaveToDatabase bool
	EmailTemplate  string
	EmailSender    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const formColumns = `id, key, name, help_text, record, login_required, allow_changes,
	max_submissions, honeypot, save_to_database, email_template, email_sender,
	created_at, updated_at`

func scanForm(row pgx.Row) (Form, error) {
	var f Form
	err := row.Scan(
		&f.ID, &f.Key, &f.Name, &f.HelpText, &f.Record, &f.LoginRequired, &f.AllowChanges,
		&f.MaxSubmissions, &f.Honeypot, &f.SaveToDatabase, &f.EmailTemplate, &f.EmailSender,
		&f.CreatedAt, &f.UpdatedAt,
	)
	return f, err
}

// Form queries
func (q *Queries) GetFormByKey(ctx context.Context, key string) (Form, error) {
	return scanForm(q.db.QueryRow(ctx,
		"SELECT "+formColumns+" FROM forms WHERE key = $1",
		key,
	))
}

type UpsertFormParams struct {
	Key            string
	Name           string
	HelpText       string
	Record         string
	LoginRequired  bool
	AllowChanges   bool
	MaxSubmissions int
	Honeypot       bool
	SaveToDatabase bool
	EmailTemplate  string
	EmailSender    string
}

// UpsertForm creates the form or updates it in place, keeping its id
func (q *Queries) UpsertForm(ctx context.Context, p UpsertFormParams) (Form, error) {
	return scanForm(q.db.QueryRow(ctx,
		`INSERT INTO forms (
			id, key, name, help_text, record, login_required, allow_changes,
			max_submissions, honeypot, save_to_database, email_template, email_sender
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (key) DO UPDATE SET
			name = EXCLUDED.name,
			help_text = EXCLUDED.help_text,
			record = EXCLUDED.record,
			login_required = EXCLUDED.login_required,
			allow_changes = EXCLUDED.allow_changes,
			max_submissions = EXCLUDED.max_submissions,
			honeypot = EXCLUDED.honeypot,
			save_to_database = EXCLUDED.save_to_database,
			email_template = EXCLUDED.email_template,
			email_sender = EXCLUDED.email_sender,
			updated_at = NOW()
		RETURNING `+formColumns,
		NewID(), p.Key, p.Name, p.HelpText, p.Record, p.LoginRequired, p.AllowChanges,
		p.MaxSubmissions, p.Honeypot, p.SaveToDatabase, p.EmailTemplate, p.EmailSender,
	))
}

// Field represents a field row
type Field struct {
	ID        string
	FormID    string
	Key       string
	Label     string
	HelpText  string
	Required  bool
	Multiple  bool
	Position  int
	CreatedAt time.Time
}

const fieldColumns = "id, form_id, key, label, help_text, required, multiple, position, created_at"

func scanField(row pgx.Row) (Field, error) {
	var f Field
	err := row.Scan(&f.ID, &f.FormID, &f.Key, &f.Label, &f.HelpText, &f.Required, &f.Multiple, &f.Position, &f.CreatedAt)
	return f, err
}

// ListFields returns the fields of a form in display order
func (q *Queries) ListFields(ctx context.Context, formID string) ([]Field, error) {
	rows, err := q.db.Query(ctx,
		"SELECT "+fieldColumns+" FROM fields WHERE form_id = $1 ORDER BY position, id",
		formID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fields []Field
	for rows.Next() {
		f, err := scanField(rows)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

type UpsertFieldParams struct {
	FormID   string
	Key      string
	Label    string
	HelpText string
	Required bool
	Multiple bool
	Position int
}

func (q *Queries) UpsertField(ctx context.Context, p UpsertFieldParams) (Field, error) {
	return scanField(q.db.QueryRow(ctx,
		`INSERT INTO fields (id, form_id, key, label, help_text, required, multiple, position)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (form_id, key) DO UPDATE SET
			label = EXCLUDED.label,
			help_text = EXCLUDED.help_text,
			required = EXCLUDED.required,
			multiple = EXCLUDED.multiple,
			position = EXCLUDED.position
		RETURNING `+fieldColumns,
		NewID(), p.FormID, p.Key, p.Label, p.HelpText, p.Required, p.Multiple, p.Position,
	))
}

// DeleteFieldsExcept removes every field of the form whose key is not in keep.
// Stored values of removed fields go with them.
func (q *Queries) DeleteFieldsExcept(ctx context.Context, formID string, keep []string) (int64, error) {
	if keep == nil {
		// a nil slice encodes as NULL, which would match nothing
		keep = []string{}
	}
	tag, err := q.db.Exec(ctx,
		"DELETE FROM fields WHERE form_id = $1 AND NOT (key = ANY($2))",
		formID, keep,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Choice represents a field choice row
type Choice struct {
	ID          string
	FieldID     string
	Key         string
	VerboseName string
	Position    int
}

// ListChoicesByForm returns the choices of every field of a form in display order
func (q *Queries) ListChoicesByForm(ctx context.Context, formID string) ([]Choice, error) {
	rows, err := q.db.Query(ctx,
		`SELECT c.id, c.field_id, c.key, c.verbose_name, c.position
		FROM field_choices c
		JOIN fields f ON f.id = c.field_id
		WHERE f.form_id = $1
		ORDER BY c.position, c.id`,
		formID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var choices []Choice
	for rows.Next() {
		var c Choice
		if err := rows.Scan(&c.ID, &c.FieldID, &c.Key, &c.VerboseName, &c.Position); err != nil {
			return nil, err
		}
		choices = append(choices, c)
	}
	return choices, rows.Err()
}

type ChoiceParams struct {
	Key         string
	VerboseName string
	Position    int
}

// ReplaceChoices swaps the full choice list of a field
func (q *Queries) ReplaceChoices(ctx context.Context, fieldID string, choices []ChoiceParams) error {
	if _, err := q.db.Exec(ctx, "DELETE FROM field_choices WHERE field_id = $1", fieldID); err != nil {
		return err
	}
	for _, c := range choices {
		_, err := q.db.Exec(ctx,
			"INSERT INTO field_choices (id, field_id, key, verbose_name, position) VALUES ($1, $2, $3, $4, $5)",
			NewID(), fieldID, c.Key, c.VerboseName, c.Position,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// User represents a user row
type User struct {
	ID       string
	Username string
	FullName string
	Email    string
}

// User queries
func (q *Queries) UpsertUser(ctx context.Context, username, fullName, email string) (User, error) {
	var u User
	err := q.db.QueryRow(ctx,
		`INSERT INTO users (id, username, full_name, email) VALUES ($1, $2, $3, $4)
		ON CONFLICT (username) DO UPDATE SET full_name = EXCLUDED.full_name, email = EXCLUDED.email
		RETURNING id, username, full_name, email`,
		NewID(), username, fullName, email,
	).Scan(&u.ID, &u.Username, &u.FullName, &u.Email)
	return u, err
}

// Group represents a group row
type Group struct {
	ID   string
	Name string
}

func (q *Queries) UpsertGroup(ctx context.Context, name string) (Group, error) {
	var g Group
	err := q.db.QueryRow(ctx,
		`INSERT INTO groups (id, name) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name`,
		NewID(), name,
	).Scan(&g.ID, &g.Name)
	return g, err
}

// SetGroupMembers replaces the membership of a group. Unknown usernames are ignored.
func (q *Queries) SetGroupMembers(ctx context.Context, groupID string, usernames []string) error {
	if _, err := q.db.Exec(ctx, "DELETE FROM group_members WHERE group_id = $1", groupID); err != nil {
		return err
	}
	_, err := q.db.Exec(ctx,
		"INSERT INTO group_members (group_id, user_id) SELECT $1, id FROM users WHERE username = ANY($2)",
		groupID, usernames,
	)
	return err
}

// SetFormRecipients replaces the users and groups notified about a form
func (q *Queries) SetFormRecipients(ctx context.Context, formID string, usernames, groups []string) error {
	if _, err := q.db.Exec(ctx, "DELETE FROM form_email_users WHERE form_id = $1", formID); err != nil {
		return err
	}
	if _, err := q.db.Exec(ctx, "DELETE FROM form_email_groups WHERE form_id = $1", formID); err != nil {
		return err
	}
	if _, err := q.db.Exec(ctx,
		"INSERT INTO form_email_users (form_id, user_id) SELECT $1, id FROM users WHERE username = ANY($2)",
		formID, usernames,
	); err != nil {
		return err
	}
	_, err := q.db.Exec(ctx,
		"INSERT INTO form_email_groups (form_id, group_id) SELECT $1, id FROM groups WHERE name = ANY($2)",
		formID, groups,
	)
	return err
}

// ListRecipientEmails returns the distinct addresses of users listed on the
// form directly or through one of its groups
func (q *Queries) ListRecipientEmails(ctx context.Context, formID string) ([]string, error) {
	rows, err := q.db.Query(ctx,
		`SELECT DISTINCT u.email FROM users u
		WHERE u.email <> '' AND (
			u.id IN (SELECT user_id FROM form_email_users WHERE form_id = $1)
			OR u.id IN (
				SELECT gm.user_id FROM group_members gm
				JOIN form_email_groups feg ON feg.group_id = gm.group_id
				WHERE feg.form_id = $1
			)
		)
		ORDER BY u.email`,
		formID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		emails = append(emails, email)
	}
	return emails, rows.Err()
}

// ResultRow represents a result row
type ResultRow struct {
	ID          string
	FormID      string
	SubmittedAt time.Time
	UserID      *string
	IPAddress   *string
	Cookie      *string
}

const rowColumns = "id, form_id, submitted_at, user_id, ip_address, cookie"

func scanRow(row pgx.Row) (ResultRow, error) {
	var r ResultRow
	err := row.Scan(&r.ID, &r.FormID, &r.SubmittedAt, &r.UserID, &r.IPAddress, &r.Cookie)
	return r, err
}

// identityColumn maps an identity kind to the result_rows column recording it
func identityColumn(kind string) (string, error) {
	switch kind {
	case "user":
		return "user_id", nil
	case "ip":
		return "ip_address", nil
	case "cookie":
		return "cookie", nil
	}
	return "", fmt.Errorf("unknown identity kind %q", kind)
}

// CountRows counts the rows recorded for an identity on a form
func (q *Queries) CountRows(ctx context.Context, formID, kind, value string) (int, error) {
	col, err := identityColumn(kind)
	if err != nil {
		return 0, err
	}
	var n int
	err = q.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM result_rows WHERE form_id = $1 AND "+col+" = $2",
		formID, value,
	).Scan(&n)
	return n, err
}

// LatestRow returns the most recent row recorded for an identity on a form
func (q *Queries) LatestRow(ctx context.Context, formID, kind, value string) (ResultRow, error) {
	col, err := identityColumn(kind)
	if err != nil {
		return ResultRow{}, err
	}
	return scanRow(q.db.QueryRow(ctx,
		"SELECT "+rowColumns+" FROM result_rows WHERE form_id = $1 AND "+col+" = $2 ORDER BY submitted_at DESC, id DESC LIMIT 1",
		formID, value,
	))
}

type CreateRowParams struct {
	ID          string
	FormID      string
	SubmittedAt time.Time
	UserID      *string
	IPAddress   *string
	Cookie      *string
}

func (q *Queries) CreateRow(ctx context.Context, p CreateRowParams) (ResultRow, error) {
	return scanRow(q.db.QueryRow(ctx,
		"INSERT INTO result_rows ("+rowColumns+") VALUES ($1, $2, $3, $4, $5, $6) RETURNING "+rowColumns,
		p.ID, p.FormID, p.SubmittedAt, p.UserID, p.IPAddress, p.Cookie,
	))
}

// TouchRow moves the submission time of an existing row
func (q *Queries) TouchRow(ctx context.Context, id string, submittedAt time.Time) (ResultRow, error) {
	r, err := scanRow(q.db.QueryRow(ctx,
		"UPDATE result_rows SET submitted_at = $2 WHERE id = $1 RETURNING "+rowColumns,
		id, submittedAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return r, fmt.Errorf("row %s: %w", id, err)
	}
	return r, err
}

// FieldValue represents a stored answer
type FieldValue struct {
	FieldID string
	RowID   string
	Value   []byte
}

// ErrFieldFormMismatch is returned when a value would pair a field with a
// row of another form
var ErrFieldFormMismatch = errors.New("field and row belong to different forms")

// UpsertFieldValue writes the value for (field, row), replacing any previous one
func (q *Queries) UpsertFieldValue(ctx context.Context, fieldID, rowID string, value []byte) error {
	tag, err := q.db.Exec(ctx,
		`INSERT INTO field_values (field_id, row_id, value)
		SELECT f.id, r.id, $3::jsonb
		FROM fields f
		JOIN result_rows r ON r.form_id = f.form_id
		WHERE f.id = $1 AND r.id = $2
		ON CONFLICT (field_id, row_id) DO UPDATE SET value = EXCLUDED.value`,
		fieldID, rowID, string(value),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("field %s, row %s: %w", fieldID, rowID, ErrFieldFormMismatch)
	}
	return nil
}

func (q *Queries) scanValues(rows pgx.Rows) ([]FieldValue, error) {
	defer rows.Close()

	var values []FieldValue
	for rows.Next() {
		var v FieldValue
		var raw string
		if err := rows.Scan(&v.FieldID, &v.RowID, &raw); err != nil {
			return nil, err
		}
		v.Value = []byte(raw)
		values = append(values, v)
	}
	return values, rows.Err()
}

// ListRowValues returns every stored answer of a row
func (q *Queries) ListRowValues(ctx context.Context, rowID string) ([]FieldValue, error) {
	rows, err := q.db.Query(ctx,
		"SELECT field_id, row_id, value::text FROM field_values WHERE row_id = $1",
		rowID,
	)
	if err != nil {
		return nil, err
	}
	return q.scanValues(rows)
}

// ListFormValues returns every stored answer of every row of a form
func (q *Queries) ListFormValues(ctx context.Context, formID string) ([]FieldValue, error) {
	rows, err := q.db.Query(ctx,
		`SELECT v.field_id, v.row_id, v.value::text
		FROM field_values v
		JOIN result_rows r ON r.id = v.row_id
		WHERE r.form_id = $1`,
		formID,
	)
	if err != nil {
		return nil, err
	}
	return q.scanValues(rows)
}

// ResultSort selects the ordering column of ListResults
type ResultSort string

const (
	SortSubmitter ResultSort = "submitter"
	SortSubmitted ResultSort = "submitted"
)

// ResultRowView is a result row with the submitter resolved for display
type ResultRowView struct {
	ResultRow
	Submitter string
}

// ListResults returns the rows of a form with a display name for each submitter
func (q *Queries) ListResults(ctx context.Context, formID string, sort ResultSort, desc bool) ([]ResultRowView, error) {
	const submitter = "COALESCE(NULLIF(u.full_name, ''), u.username, r.user_id, r.ip_address, r.cookie, '')"

	orderBy := "r.submitted_at"
	if sort == SortSubmitter {
		orderBy = submitter
	}
	dir := "ASC"
	if desc {
		dir = "DESC"
	}

	rows, err := q.db.Query(ctx,
		`SELECT r.id, r.form_id, r.submitted_at, r.user_id, r.ip_address, r.cookie, `+submitter+`
		FROM result_rows r
		LEFT JOIN users u ON u.username = r.user_id
		WHERE r.form_id = $1
		ORDER BY `+orderBy+" "+dir+", r.id "+dir,
		formID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ResultRowView
	for rows.Next() {
		var v ResultRowView
		if err := rows.Scan(&v.ID, &v.FormID, &v.SubmittedAt, &v.UserID, &v.IPAddress, &v.Cookie, &v.Submitter); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
