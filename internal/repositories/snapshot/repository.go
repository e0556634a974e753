package snapshot

import (
	"context"
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

// Store is the append-only archive of explicitly deleted price records
type Store interface {
	Archive(ctx context.Context, snap *models.DeletedSnapshot) error
	ListByKey(ctx context.Context, key models.PriceKey, limit int) ([]*models.DeletedSnapshot, error)
}

const tableName = "deleted_price_snapshots"

var columns = []string{"id", "channel", "store", "sku", "vat_rate", "original", "sale", "promotion", "extra", "deleted_at"}

// Repository handles deleted snapshot persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new snapshot repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type snapshotRow struct {
	ID        string          `db:"id"`
	Channel   string          `db:"channel"`
	Store     string          `db:"store"`
	SKU       string          `db:"sku"`
	VatRate   float64         `db:"vat_rate"`
	Original  json.RawMessage `db:"original"`
	Sale      json.RawMessage `db:"sale"`
	Promotion json.RawMessage `db:"promotion"`
	Extra     json.RawMessage `db:"extra"`
	DeletedAt time.Time       `db:"deleted_at"`
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

func (row *snapshotRow) toModel() (*models.DeletedSnapshot, error) {
	snap := &models.DeletedSnapshot{
		ID:        row.ID,
		Channel:   row.Channel,
		Store:     row.Store,
		SKU:       row.SKU,
		VatRate:   row.VatRate,
		DeletedAt: row.DeletedAt,
	}
	var err error
	if snap.Original, err = unmarshalDetail(row.Original); err != nil {
		return nil, err
	}
	if snap.Sale, err = unmarshalDetail(row.Sale); err != nil {
		return nil, err
	}
	if snap.Promotion, err = unmarshalDetail(row.Promotion); err != nil {
		return nil, err
	}
	if len(row.Extra) > 0 && string(row.Extra) != "null" {
		if err = json.Unmarshal(row.Extra, &snap.Extra); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

// Archive appends the snapshot to the archive
func (r *Repository) Archive(ctx context.Context, snap *models.DeletedSnapshot) error {
	ctx, span := tracing.StartSpan(ctx, "snapshot.Repository.Archive")
	defer span.End()

	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.DeletedAt.IsZero() {
		snap.DeletedAt = time.Now().UTC()
	}

	original, err := marshalDetail(snap.Original)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to encode snapshot")
	}
	sale, err := marshalDetail(snap.Sale)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to encode snapshot")
	}
	promotion, err := marshalDetail(snap.Promotion)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to encode snapshot")
	}
	var extra any
	if snap.Extra != nil {
		if extra, err = json.Marshal(snap.Extra); err != nil {
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to encode snapshot")
		}
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto(tableName)
	sb.Cols(columns...)
	sb.Values(snap.ID, snap.Channel, snap.Store, snap.SKU, snap.VatRate, original, sale, promotion, extra, snap.DeletedAt)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to archive deleted price snapshot")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to archive deleted price snapshot")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"channel": snap.Channel, "store": snap.Store, "sku": snap.SKU}).Debug("Archived deleted price snapshot")
	return nil
}

// ListByKey returns the archived snapshots for an article, newest first
func (r *Repository) ListByKey(ctx context.Context, key models.PriceKey, limit int) ([]*models.DeletedSnapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "snapshot.Repository.ListByKey")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	sb.Where(
		sb.Equal("channel", key.Channel),
		sb.Equal("store", key.Store),
		sb.Equal("sku", key.SKU),
	)
	sb.OrderBy("deleted_at DESC")
	sb.Limit(limit)

	query, args := sb.Build()
	var rows []snapshotRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list deleted price snapshots")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list deleted price snapshots")
	}

	snaps := make([]*models.DeletedSnapshot, 0, len(rows))
	for i := range rows {
		snap, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}
