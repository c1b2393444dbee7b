package reportstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fortknox/internal/fingerprint"
)

func report(fp, engine, content string) *Report {
	return &Report{
		Fingerprint: fp,
		EngineID:    engine,
		PolicyID:    "internal",
		TemplateID:  "weekly",
		Content:     content,
		Manifest:    []fingerprint.Entry{{Kind: "document", ID: "d1", SHA256: fingerprint.Text("x"), Level: "normal"}},
		CreatedAt:   time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC),
		LatencyMs:   42,
	}
}

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) Store { return NewMemory() }},
		{"bbolt", func(t *testing.T) Store {
			s, err := NewBolt(filepath.Join(t.TempDir(), "reports.db"))
			require.NoError(t, err)
			return s
		}},
		{"redis", func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			return NewRedisWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
		}},
		{"hot", func(t *testing.T) Store { return NewHot(NewMemory(), 4) }},
	}
}

func TestStore_Contract(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			defer s.Close() //nolint:errcheck

			_, err := s.Lookup(ctx, Key{"fp1", "e1"})
			assert.ErrorIs(t, err, ErrNotFound)

			first := report("fp1", "e1", "# Rapport")
			stored, inserted, err := s.InsertIfAbsent(ctx, first)
			require.NoError(t, err)
			assert.True(t, inserted)
			assert.Equal(t, "# Rapport", stored.Content)

			stored2, inserted, err := s.InsertIfAbsent(ctx, report("fp1", "e1", "# Annan"))
			require.NoError(t, err)
			assert.False(t, inserted)
			assert.Equal(t, stored, stored2)

			got, err := s.Lookup(ctx, Key{"fp1", "e1"})
			require.NoError(t, err)
			assert.Equal(t, stored, got)
			assert.True(t, got.CreatedAt.Equal(first.CreatedAt))

			_, err = s.Lookup(ctx, Key{"fp1", "e2"})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_RejectsIncompleteKey(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			defer s.Close() //nolint:errcheck
			_, _, err := s.InsertIfAbsent(context.Background(), report("", "e1", "x"))
			assert.Error(t, err)
		})
	}
}

func TestStore_ConcurrentInsertSingleWinner(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			defer s.Close() //nolint:errcheck

			const n = 16
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				winners  int
				contents = map[string]bool{}
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					stored, inserted, err := s.InsertIfAbsent(ctx, report("fp", "e", fmt.Sprintf("v%d", i)))
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					defer mu.Unlock()
					if inserted {
						winners++
					}
					contents[stored.Content] = true
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, winners)
			assert.Len(t, contents, 1)
		})
	}
}

func TestBolt_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reports.db")

	s, err := NewBolt(path)
	require.NoError(t, err)
	stored, _, err := s.InsertIfAbsent(ctx, report("fp", "e", "kvar"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewBolt(path)
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck
	got, err := s.Lookup(ctx, Key{"fp", "e"})
	require.NoError(t, err)
	assert.Equal(t, stored, got)
}

func TestRedis_KeyLayout(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer s.Close() //nolint:errcheck

	_, _, err := s.InsertIfAbsent(context.Background(), report("fp", "e", "x"))
	require.NoError(t, err)
	assert.True(t, mr.Exists("fortknox:report:fp:e"))
	assert.Zero(t, mr.TTL("fortknox:report:fp:e"))
}

func TestNewRedis_BadURL(t *testing.T) {
	_, err := NewRedis("not a url")
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	s, err := Open(Options{Driver: DriverMemory, HotCapacity: 10})
	require.NoError(t, err)
	assert.IsType(t, &memoryStore{}, s)

	s, err = Open(Options{Driver: DriverBolt, Path: filepath.Join(t.TempDir(), "r.db"), HotCapacity: 10})
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck
	assert.IsType(t, &hotCache{}, s)

	_, err = Open(Options{Driver: "cassandra"})
	assert.Error(t, err)
}
