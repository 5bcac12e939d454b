package catalog

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	gomysql "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/supporttools/GoWALGuard/pkg/config"
	"github.com/supporttools/GoWALGuard/pkg/wal"
)

func newMockStore(t *testing.T) (*DBStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	dialector := mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	})
	db, err := gorm.Open(dialector, &gorm.Config{})
	require.NoError(t, err)
	return NewDBStore(db), mock
}

func sampleBackup() *Backup {
	return &Backup{
		ID:               "S4A9K0",
		Instance:         "node",
		Mode:             ModePage,
		ParentID:         "S4A900",
		Status:           StatusOK,
		StartLSN:         wal.LSN(0x3000028),
		StopLSN:          wal.LSN(0x4000028),
		Timeline:         1,
		SystemIdentifier: 7123456789012345678,
		StartTime:        time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Files:            []FileEntry{{Path: "base/1/16384", Storage: StorageBlocks, Blocks: []uint32{1}}},
	}
}

func TestModelConversion(t *testing.T) {
	b := sampleBackup()
	m, err := toModel(b)
	require.NoError(t, err)
	assert.Equal(t, "0/3000028", m.StartLSN)
	assert.Equal(t, "7123456789012345678", m.SystemIdentifier)
	assert.Equal(t, "PAGE", m.Mode)

	back, err := fromModel(m)
	require.NoError(t, err)
	assert.Equal(t, b, back)
}

func TestDBStoreSave(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `walguard_backups`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Save(sampleBackup()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBStoreGet(t *testing.T) {
	store, mock := newMockStore(t)
	b := sampleBackup()
	manifest, err := json.Marshal(b)
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"instance", "id", "mode", "status", "manifest"}).
		AddRow("node", b.ID, "PAGE", "OK", string(manifest))
	mock.ExpectQuery("SELECT \\* FROM `walguard_backups`").WillReturnRows(rows)

	got, err := store.Get("node", b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ParentID, got.ParentID)
	assert.Equal(t, b.StartLSN, got.StartLSN)

	mock.ExpectQuery("SELECT \\* FROM `walguard_backups`").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = store.Get("node", "NOPE")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBStoreLoad(t *testing.T) {
	store, mock := newMockStore(t)
	b := sampleBackup()
	manifest, err := json.Marshal(b)
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"instance", "id", "manifest"}).
		AddRow("node", b.ID, string(manifest)).
		AddRow("node", "S4A9K1", `{"id":"S4A9K1","instance":"node","mode":"FULL","status":"ERROR"}`)
	mock.ExpectQuery("SELECT \\* FROM `walguard_backups` WHERE instance = \\?").
		WithArgs("node").
		WillReturnRows(rows)

	list, err := store.Load("node")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, StatusError, list[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBStoreRemove(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `walguard_backups`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	require.NoError(t, store.Remove("node", "S4A9K0"))

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `walguard_backups`").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	err := store.Remove("node", "NOPE")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDSN(t *testing.T) {
	dsn := DSN(config.MetadataDBConfig{
		Host:     "db.internal",
		Port:     3307,
		Username: "walguard",
		Password: "p@ss:word/1",
		Database: "gowalguard_catalog",
	})
	parsed, err := gomysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "walguard", parsed.User)
	assert.Equal(t, "p@ss:word/1", parsed.Passwd)
	assert.Equal(t, "db.internal:3307", parsed.Addr)
	assert.Equal(t, "gowalguard_catalog", parsed.DBName)
	assert.True(t, parsed.ParseTime)
	assert.Equal(t, time.UTC, parsed.Loc)
	assert.Contains(t, dsn, "charset=utf8mb4")
}
