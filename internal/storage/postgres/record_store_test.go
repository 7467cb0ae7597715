package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/refcrawler/internal/crawler"
)

func strPtr(s string) *string { return &s }

func sampleTree() crawler.Record {
	return crawler.Record{
		Title:  "https://example.com/",
		URL:    "https://example.com/",
		Status: crawler.RecordStatusDone,
		Related: []crawler.Record{
			{
				Title:   "Story",
				URL:     "https://example.com/story",
				Byline:  strPtr("By Someone"),
				Summary: strPtr("Summary"),
				Status:  crawler.RecordStatusDone,
				Related: []crawler.Record{
					{Title: "Deep", URL: "https://example.com/deep", Status: crawler.RecordStatusStub, Related: []crawler.Record{}},
				},
			},
			{Title: "Broken", URL: "https://example.com/broken", Status: crawler.RecordStatusFailed, Error: "status 500", Related: []crawler.Record{}},
		},
	}
}

func TestFlattenPreOrder(t *testing.T) {
	t.Parallel()

	rows := Flatten("job-1", sampleTree())
	require.Len(t, rows, 4)

	assert.Equal(t, "0", rows[0].Path)
	assert.Nil(t, rows[0].ParentPath)
	assert.Equal(t, 0, rows[0].Depth)

	assert.Equal(t, "0.0", rows[1].Path)
	require.NotNil(t, rows[1].ParentPath)
	assert.Equal(t, "0", *rows[1].ParentPath)
	assert.Equal(t, "By Someone", *rows[1].Byline)

	assert.Equal(t, "0.0.0", rows[2].Path)
	assert.Equal(t, "0.0", *rows[2].ParentPath)
	assert.Equal(t, 2, rows[2].Depth)
	assert.Equal(t, "stub", rows[2].Status)

	assert.Equal(t, "0.1", rows[3].Path)
	require.NotNil(t, rows[3].Error)
	assert.Equal(t, "status 500", *rows[3].Error)
	for _, r := range rows {
		assert.Equal(t, "job-1", r.JobID)
	}
}

func TestSaveTreeInsertsRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStoreWithPool(mock, "crawl_records")
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM crawl_records").
		WithArgs("job-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	for _, row := range Flatten("job-1", sampleTree()) {
		mock.ExpectExec("INSERT INTO crawl_records").
			WithArgs(
				row.JobID,
				row.Path,
				row.ParentPath,
				row.Depth,
				row.URL,
				row.Title,
				row.Byline,
				row.Summary,
				row.ThumbnailURL,
				row.Status,
				row.Error,
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()

	require.NoError(t, store.SaveTree(context.Background(), "job-1", sampleTree()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveTreeRollsBackOnInsertError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStoreWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM crawl_records").
		WithArgs("job-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	anyArgs := make([]any, 11)
	for i := range anyArgs {
		anyArgs[i] = pgxmock.AnyArg()
	}
	mock.ExpectExec("INSERT INTO crawl_records").
		WithArgs(anyArgs...).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = store.SaveTree(context.Background(), "job-1", sampleTree())
	require.ErrorContains(t, err, "insert record 0: disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStoreWithPool(mock, "public.records")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS public.records").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRecordStoreWithPool(nil, "")
	require.EqualError(t, err, "pool is required")

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRecordStoreWithPool(mock, "records; DROP TABLE x")
	var cfgErr *crawler.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "db.table", cfgErr.Field)

	_, err = NewRecordStore(context.Background(), RecordStoreConfig{})
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "db.dsn", cfgErr.Field)

	store, err := NewRecordStoreWithPool(mock, "")
	require.NoError(t, err)
	require.EqualError(t, store.SaveTree(context.Background(), "", sampleTree()), "job id is required")

	var nilStore *RecordStore
	require.EqualError(t, nilStore.SaveTree(context.Background(), "job", sampleTree()), "record store is not configured")
	nilStore.Close()
}
