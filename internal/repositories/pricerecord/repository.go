package pricerecord

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

var (
	// ErrNotFound is returned when no record exists for the key
	ErrNotFound = errors.New("price record not found")
	// ErrDuplicateKey is returned when an insert races a concurrent create
	ErrDuplicateKey = errors.New("price record already exists")
	// ErrVersionConflict is returned when a guarded write lost the version race
	ErrVersionConflict = errors.New("price record version conflict")
)

// Store is the persistence boundary for consolidated price records
type Store interface {
	Find(ctx context.Context, key models.PriceKey) (*models.PriceRecord, error)
	FindMany(ctx context.Context, keys []models.PriceKey) ([]*models.PriceRecord, error)
	Insert(ctx context.Context, rec *models.PriceRecord) error
	ConditionalReplace(ctx context.Context, rec *models.PriceRecord, matchVersion time.Time) error
	ConditionalDelete(ctx context.Context, key models.PriceKey, matchVersion time.Time) error
}

const tableName = "price_records"

var columns = []string{"channel", "store", "sku", "vat_rate", "original", "sale", "promotion", "observed_at", "version", "extra"}

// Repository handles price record persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new price record repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type priceRecordRow struct {
	Channel    string          `db:"channel"`
	Store      string          `db:"store"`
	SKU        string          `db:"sku"`
	VatRate    float64         `db:"vat_rate"`
	Original   json.RawMessage `db:"original"`
	Sale       json.RawMessage `db:"sale"`
	Promotion  json.RawMessage `db:"promotion"`
	ObservedAt time.Time       `db:"observed_at"`
	Version    time.Time       `db:"version"`
	Extra      json.RawMessage `db:"extra"`
}

func marshalDetail(d *models.PriceDetail) (any, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

func unmarshalDetail(raw json.RawMessage) (*models.PriceDetail, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var d models.PriceDetail
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (row *priceRecordRow) toModel() (*models.PriceRecord, error) {
	rec := &models.PriceRecord{
		Key:        models.PriceKey{Channel: row.Channel, Store: row.Store, SKU: row.SKU},
		VatRate:    row.VatRate,
		ObservedAt: row.ObservedAt,
		Version:    row.Version,
	}
	var err error
	if rec.Original, err = unmarshalDetail(row.Original); err != nil {
		return nil, err
	}
	if rec.Sale, err = unmarshalDetail(row.Sale); err != nil {
		return nil, err
	}
	if rec.Promotion, err = unmarshalDetail(row.Promotion); err != nil {
		return nil, err
	}
	if len(row.Extra) > 0 && string(row.Extra) != "null" {
		if err = json.Unmarshal(row.Extra, &rec.Extra); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func rowValues(rec *models.PriceRecord) ([]any, error) {
	original, err := marshalDetail(rec.Original)
	if err != nil {
		return nil, err
	}
	sale, err := marshalDetail(rec.Sale)
	if err != nil {
		return nil, err
	}
	promotion, err := marshalDetail(rec.Promotion)
	if err != nil {
		return nil, err
	}
	var extra any
	if rec.Extra != nil {
		if extra, err = json.Marshal(rec.Extra); err != nil {
			return nil, err
		}
	}
	return []any{rec.Key.Channel, rec.Key.Store, rec.Key.SKU, rec.VatRate, original, sale, promotion, rec.ObservedAt, rec.Version, extra}, nil
}

func isDuplicateKey(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// Find retrieves the record for a key, or ErrNotFound
func (r *Repository) Find(ctx context.Context, key models.PriceKey) (*models.PriceRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "pricerecord.Repository.Find")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	sb.Where(
		sb.Equal("channel", key.Channel),
		sb.Equal("store", key.Store),
		sb.Equal("sku", key.SKU),
	)

	query, args := sb.Build()
	var row priceRecordRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to find price record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find price record")
	}

	return row.toModel()
}

// FindMany retrieves the records for a set of keys. Missing keys are simply
// absent from the result.
func (r *Repository) FindMany(ctx context.Context, keys []models.PriceKey) ([]*models.PriceRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "pricerecord.Repository.FindMany")
	defer span.End()

	if len(keys) == 0 {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	conds := make([]string, 0, len(keys))
	for _, key := range keys {
		conds = append(conds, sb.And(
			sb.Equal("channel", key.Channel),
			sb.Equal("store", key.Store),
			sb.Equal("sku", key.SKU),
		))
	}
	sb.Where(sb.Or(conds...))

	query, args := sb.Build()
	var rows []priceRecordRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to find price records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find price records")
	}

	records := make([]*models.PriceRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Insert creates the record, or ErrDuplicateKey when the key already exists
func (r *Repository) Insert(ctx context.Context, rec *models.PriceRecord) error {
	ctx, span := tracing.StartSpan(ctx, "pricerecord.Repository.Insert")
	defer span.End()

	values, err := rowValues(rec)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to encode price record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to encode price record")
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto(tableName)
	sb.Cols(columns...)
	sb.Values(values...)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicateKey
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to insert price record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert price record")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"key": rec.Key.String()}).Debug("Inserted price record")
	return nil
}

// ConditionalReplace overwrites the record only while its stored version still
// matches; otherwise ErrVersionConflict
func (r *Repository) ConditionalReplace(ctx context.Context, rec *models.PriceRecord, matchVersion time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "pricerecord.Repository.ConditionalReplace")
	defer span.End()

	values, err := rowValues(rec)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to encode price record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to encode price record")
	}

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update(tableName)
	assignments := make([]string, 0, len(columns))
	for i, col := range columns {
		switch col {
		case "channel", "store", "sku":
			continue
		default:
			assignments = append(assignments, sb.Assign(col, values[i]))
		}
	}
	sb.Set(assignments...)
	sb.Where(
		sb.Equal("channel", rec.Key.Channel),
		sb.Equal("store", rec.Key.Store),
		sb.Equal("sku", rec.Key.SKU),
		sb.Equal("version", matchVersion),
	)

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to replace price record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to replace price record")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrVersionConflict
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"key": rec.Key.String()}).Debug("Replaced price record")
	return nil
}

// ConditionalDelete removes the record only while its stored version still
// matches; otherwise ErrVersionConflict
func (r *Repository) ConditionalDelete(ctx context.Context, key models.PriceKey, matchVersion time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "pricerecord.Repository.ConditionalDelete")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	sb.DeleteFrom(tableName)
	sb.Where(
		sb.Equal("channel", key.Channel),
		sb.Equal("store", key.Store),
		sb.Equal("sku", key.SKU),
		sb.Equal("version", matchVersion),
	)

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to delete price record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete price record")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrVersionConflict
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"key": key.String()}).Debug("Deleted price record")
	return nil
}
