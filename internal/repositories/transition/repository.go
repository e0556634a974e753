package transition

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Store is the persistence boundary for deferred price transitions
type Store interface {
	ReplaceForArticle(ctx context.Context, t *models.Transition) error
	DeleteForArticle(ctx context.Context, key models.PriceKey) error
	DueStarts(ctx context.Context, cutoff time.Time) (Cursor, error)
	DueEnds(ctx context.Context, cutoff time.Time) (Cursor, error)
	Advance(ctx context.Context, transitions []*models.Transition, now time.Time) (int, error)
}

// Cursor streams transitions row by row. Next returns nil when exhausted.
type Cursor interface {
	Next() (*models.Transition, error)
	Close() error
}

const tableName = "price_transitions"

var columns = []string{"id", "channel", "store", "sku", "valid_from", "valid_to", "payload", "status", "version", "created_at"}

// Repository handles transition persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new transition repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type transitionRow struct {
	ID        string                  `db:"id"`
	Channel   string                  `db:"channel"`
	Store     string                  `db:"store"`
	SKU       string                  `db:"sku"`
	ValidFrom *time.Time              `db:"valid_from"`
	ValidTo   *time.Time              `db:"valid_to"`
	Payload   json.RawMessage         `db:"payload"`
	Status    models.TransitionStatus `db:"status"`
	Version   time.Time               `db:"version"`
	CreatedAt time.Time               `db:"created_at"`
}

func (row *transitionRow) toModel() (*models.Transition, error) {
	t := &models.Transition{
		ID:        row.ID,
		Channel:   row.Channel,
		Store:     row.Store,
		SKU:       row.SKU,
		ValidFrom: row.ValidFrom,
		ValidTo:   row.ValidTo,
		Status:    row.Status,
		Version:   row.Version,
		CreatedAt: row.CreatedAt,
	}
	if err := t.UnmarshalPayload(row.Payload); err != nil {
		return nil, err
	}
	return t, nil
}

// ReplaceForArticle removes any prior transition for the article and inserts
// the new one, atomically. At most one live transition exists per article.
func (r *Repository) ReplaceForArticle(ctx context.Context, t *models.Transition) error {
	ctx, span := tracing.StartSpan(ctx, "transition.Repository.ReplaceForArticle")
	defer span.End()

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	payload, err := t.MarshalPayload()
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to encode transition payload")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to encode transition payload")
	}

	txCtx, tx, err := r.db.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to open transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	db.DeleteFrom(tableName)
	db.Where(
		db.Equal("channel", t.Channel),
		db.Equal("store", t.Store),
		db.Equal("sku", t.SKU),
	)
	query, args := db.Build()
	if _, err := tx.ExecContext(txCtx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to clear prior transition")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to clear prior transition")
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(tableName)
	ib.Cols(columns...)
	ib.Values(t.ID, t.Channel, t.Store, t.SKU, t.ValidFrom, t.ValidTo, payload, t.Status, t.Version, t.CreatedAt)
	query, args = ib.Build()
	if _, err := tx.ExecContext(txCtx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to insert transition")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert transition")
	}

	if err := tx.Commit(ctx); err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit transition replace")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"key": t.Key().String(), "status": t.Status}).Debug("Stored transition")
	return nil
}

// DeleteForArticle removes the live transition for the article, if any
func (r *Repository) DeleteForArticle(ctx context.Context, key models.PriceKey) error {
	ctx, span := tracing.StartSpan(ctx, "transition.Repository.DeleteForArticle")
	defer span.End()

	db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	db.DeleteFrom(tableName)
	db.Where(
		db.Equal("channel", key.Channel),
		db.Equal("store", key.Store),
		db.Equal("sku", key.SKU),
	)

	query, args := db.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to delete transition")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete transition")
	}
	return nil
}

type rowCursor struct {
	rows interface {
		Next() bool
		StructScan(dest any) error
		Err() error
		Close() error
	}
}

func (c *rowCursor) Next() (*models.Transition, error) {
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	var row transitionRow
	if err := c.rows.StructScan(&row); err != nil {
		return nil, err
	}
	return row.toModel()
}

func (c *rowCursor) Close() error {
	return c.rows.Close()
}

func (r *Repository) dueByBoundary(ctx context.Context, boundary string, status models.TransitionStatus, cutoff time.Time) (Cursor, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	sb.Where(
		sb.Equal("status", status),
		sb.IsNotNull(boundary),
		sb.LessThan(boundary, cutoff),
	)
	sb.OrderBy(boundary + " ASC")

	query, args := sb.Build()
	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("Failed to query due transitions by %s", boundary)
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to query due transitions")
	}
	return &rowCursor{rows: rows}, nil
}

// DueStarts streams transitions whose window opening has passed
func (r *Repository) DueStarts(ctx context.Context, cutoff time.Time) (Cursor, error) {
	ctx, span := tracing.StartSpan(ctx, "transition.Repository.DueStarts")
	defer span.End()

	return r.dueByBoundary(ctx, "valid_from", models.TransitionPendingStart, cutoff)
}

// DueEnds streams transitions whose window closing has passed
func (r *Repository) DueEnds(ctx context.Context, cutoff time.Time) (Cursor, error) {
	ctx, span := tracing.StartSpan(ctx, "transition.Repository.DueEnds")
	defer span.End()

	return r.dueByBoundary(ctx, "valid_to", models.TransitionPendingEnd, cutoff)
}

// Advance moves acknowledged transitions to their next state: pending_start
// rows become pending_end with a fresh version, pending_end rows are removed.
// Only rows whose (key, version) still match are touched, so an entry replaced
// mid-flight keeps its newer schedule and unacked entries stay due. Returns
// the number of rows advanced.
func (r *Repository) Advance(ctx context.Context, transitions []*models.Transition, now time.Time) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "transition.Repository.Advance")
	defer span.End()

	if len(transitions) == 0 {
		return 0, nil
	}

	txCtx, tx, err := r.db.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to open transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	advanced := 0
	for _, t := range transitions {
		var result sql.Result
		switch t.Status {
		case models.TransitionPendingStart:
			ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
			ub.Update(tableName)
			ub.Set(
				ub.Assign("status", models.TransitionPendingEnd),
				ub.Assign("version", now),
			)
			ub.Where(
				ub.Equal("channel", t.Channel),
				ub.Equal("store", t.Store),
				ub.Equal("sku", t.SKU),
				ub.Equal("version", t.Version),
			)
			query, args := ub.Build()
			result, err = tx.ExecContext(txCtx, query, args...)
		case models.TransitionPendingEnd:
			db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
			db.DeleteFrom(tableName)
			db.Where(
				db.Equal("channel", t.Channel),
				db.Equal("store", t.Store),
				db.Equal("sku", t.SKU),
				db.Equal("version", t.Version),
			)
			query, args := db.Build()
			result, err = tx.ExecContext(txCtx, query, args...)
		default:
			continue
		}
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to advance transition")
			return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to advance transitions")
		}
		rows, _ := result.RowsAffected()
		advanced += int(rows)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit transition advance")
	}

	return advanced, nil
}
