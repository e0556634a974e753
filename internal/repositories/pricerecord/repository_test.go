package pricerecord

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
)

func setupMockRepo(t *testing.T) (sqlmock.Sqlmock, *Repository) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	db := database.NewDatabaseInstance(sqlx.NewDb(mockDB, "sqlmock"), logger)
	return mock, NewRepository(db, logger)
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestRepositoryFind(t *testing.T) {
	ctx := context.Background()
	key := models.PriceKey{Store: "s1", SKU: "sku1"}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("missing record maps to ErrNotFound", func(t *testing.T) {
		mock, repo := setupMockRepo(t)

		mock.ExpectQuery("SELECT .+ FROM price_records").
			WithArgs("", "s1", "sku1").
			WillReturnError(sql.ErrNoRows)

		_, err := repo.Find(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("row maps into the record shape", func(t *testing.T) {
		mock, repo := setupMockRepo(t)

		original := mustMarshal(t, &models.PriceDetail{AmountIncVat: 100, AmountExVat: 80, LastUpdated: now})
		rows := sqlmock.NewRows([]string{
			"channel", "store", "sku", "vat_rate", "original", "sale", "promotion", "observed_at", "version", "extra",
		}).AddRow("", "s1", "sku1", 0.25, original, nil, nil, now, now, []byte(`{"source":"import"}`))

		mock.ExpectQuery("SELECT .+ FROM price_records").
			WithArgs("", "s1", "sku1").
			WillReturnRows(rows)

		rec, err := repo.Find(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, key, rec.Key)
		assert.Equal(t, 0.25, rec.VatRate)
		require.NotNil(t, rec.Original)
		assert.Equal(t, 100.0, rec.Original.AmountIncVat)
		assert.Nil(t, rec.Sale)
		assert.Equal(t, now, rec.Version)
		assert.Equal(t, "import", rec.Extra["source"])
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRepositoryInsert(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &models.PriceRecord{
		Key:        models.PriceKey{Store: "s1", SKU: "sku1"},
		VatRate:    0.25,
		Original:   &models.PriceDetail{AmountIncVat: 100, LastUpdated: now},
		ObservedAt: now,
		Version:    now,
	}

	t.Run("insert succeeds", func(t *testing.T) {
		mock, repo := setupMockRepo(t)

		mock.ExpectExec("INSERT INTO price_records").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.Insert(ctx, rec))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unique violation maps to ErrDuplicateKey", func(t *testing.T) {
		mock, repo := setupMockRepo(t)

		mock.ExpectExec("INSERT INTO price_records").
			WillReturnError(&pq.Error{Code: "23505"})

		err := repo.Insert(ctx, rec)
		assert.ErrorIs(t, err, ErrDuplicateKey)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRepositoryConditionalWrites(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	key := models.PriceKey{Store: "s1", SKU: "sku1"}
	rec := &models.PriceRecord{
		Key:        key,
		VatRate:    0.25,
		Original:   &models.PriceDetail{AmountIncVat: 100, LastUpdated: now},
		ObservedAt: now,
		Version:    now.Add(time.Second),
	}

	t.Run("replace with matching version succeeds", func(t *testing.T) {
		mock, repo := setupMockRepo(t)

		mock.ExpectExec("UPDATE price_records").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.ConditionalReplace(ctx, rec, now))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("replace touching no rows maps to ErrVersionConflict", func(t *testing.T) {
		mock, repo := setupMockRepo(t)

		mock.ExpectExec("UPDATE price_records").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.ConditionalReplace(ctx, rec, now)
		assert.ErrorIs(t, err, ErrVersionConflict)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("delete touching no rows maps to ErrVersionConflict", func(t *testing.T) {
		mock, repo := setupMockRepo(t)

		mock.ExpectExec("DELETE FROM price_records").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.ConditionalDelete(ctx, key, now)
		assert.ErrorIs(t, err, ErrVersionConflict)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("delete with matching version succeeds", func(t *testing.T) {
		mock, repo := setupMockRepo(t)

		mock.ExpectExec("DELETE FROM price_records").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.ConditionalDelete(ctx, key, now))
		require.NoError(t, mock.ExpectationsWereMet())
	})
}
