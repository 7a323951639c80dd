package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newSQLiteStore(t *testing.T) AddressStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	store, err := NewSQLStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newLevelStore(t *testing.T) AddressStore {
	t.Helper()
	store, err := OpenLevel(filepath.Join(t.TempDir(), "addresses"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var backends = map[string]func(*testing.T) AddressStore{
	"sqlite":  newSQLiteStore,
	"leveldb": newLevelStore,
}

func sortedRecords(t *testing.T, store AddressStore) []Record {
	t.Helper()
	records, err := store.FetchAll(context.Background())
	require.NoError(t, err)
	sort.Slice(records, func(i, j int) bool { return records[i].Key() < records[j].Key() })
	return records
}

func TestStoreApplySemantics(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			ctx := context.Background()
			a := Record{Address: "8.8.8.8", Port: 8806, Services: 1, Score: 0}
			b := Record{Address: "2001:db8::1", Port: 8806, Services: 1, Score: 5}

			require.NoError(t, store.Apply(ctx, []Event{
				{Kind: EventInsert, Record: a},
				{Kind: EventInsert, Record: b},
				{Kind: EventInsert, Record: Record{Address: "8.8.8.8", Port: 8806, Services: 9, Score: 50}},
			}))
			require.Equal(t, []Record{a, b}, sortedRecords(t, store), "duplicate insert keeps the first row")

			a.Score = 12
			a.Services = 3
			require.NoError(t, store.Apply(ctx, []Event{
				{Kind: EventUpdate, Record: a},
				{Kind: EventUpdate, Record: Record{Address: "1.1.1.1", Port: 1, Score: 7}},
				{Kind: EventDelete, Record: b},
			}))
			require.Equal(t, []Record{a}, sortedRecords(t, store), "update of a missing row creates nothing")

			require.NoError(t, store.Purge(ctx))
			require.Empty(t, sortedRecords(t, store))
		})
	}
}

func TestLevelStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "addresses")
	store, err := OpenLevel(path)
	require.NoError(t, err)
	rec := Record{Address: "9.9.9.9", Port: 8806, Services: 1, Score: 42}
	require.NoError(t, store.Apply(context.Background(), []Event{{Kind: EventInsert, Record: rec}}))
	require.NoError(t, store.Close())

	_, err = store.FetchAll(context.Background())
	require.ErrorIs(t, err, ErrClosed)

	reopened, err := OpenLevel(path)
	require.NoError(t, err)
	defer reopened.Close()
	records, err := reopened.FetchAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, []Record{rec}, records)
}

func TestOpenBackends(t *testing.T) {
	store, err := Open("none", "")
	require.NoError(t, err)
	require.IsType(t, NopStore{}, store)

	_, err = Open("mysql", "")
	require.Error(t, err)

	store, err = Open("leveldb", filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestRecordKey(t *testing.T) {
	require.Equal(t, "1.2.3.4:8806", Record{Address: "1.2.3.4", Port: 8806}.Key())
	require.Equal(t, "[2001:db8::1]:8806", Record{Address: "2001:db8::1", Port: 8806}.Key())
	require.Equal(t, "5.6.7.8:1", Record{Address: "::ffff:5.6.7.8", Port: 1}.Key())
}
