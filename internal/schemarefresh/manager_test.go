package schemarefresh

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgbulk/internal/entity"
	"pgbulk/internal/logging"
)

const oneEntity = `
entities:
  - name: tag
    table: public.tags
    identity: [id]
    properties:
      - {name: id, data_type: bigint}
      - {name: label, data_type: text, required: true}
`

const twoEntities = oneEntity + `
  - name: topic
    table: public.topics
    identity: [id]
    properties:
      - {name: id, data_type: bigint}
      - {name: title, data_type: text, required: true}
`

func testLogger() *logging.Logger {
	return &logging.Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func newManager(t *testing.T, content string) (*Manager, *entity.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "entities.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	store, err := entity.NewStore(path)
	require.NoError(t, err)
	m, err := NewManager(Config{Store: store, Logger: testLogger(), MinInterval: time.Second, MaxInterval: 4 * time.Second})
	require.NoError(t, err)
	return m, store, path
}

func TestRefreshOnceReloadsChangedFile(t *testing.T) {
	m, store, path := newManager(t, oneEntity)
	require.Len(t, store.Registry().Entities(), 1)

	next := m.refreshOnce(2 * time.Second)
	assert.Equal(t, 3*time.Second, next, "quiet poll backs off")
	assert.Len(t, store.Registry().Entities(), 1)

	require.NoError(t, os.WriteFile(path, []byte(twoEntities), 0o600))
	next = m.refreshOnce(3 * time.Second)
	assert.Equal(t, time.Second, next, "a reload resets the interval")
	_, ok := store.Registry().Entity("topic")
	assert.True(t, ok)
}

func TestRefreshOnceKeepsRegistryOnInvalidFile(t *testing.T) {
	m, store, path := newManager(t, oneEntity)
	before := store.Registry()

	require.NoError(t, os.WriteFile(path, []byte("entities: [{name: broken}]"), 0o600))
	next := m.refreshOnce(4 * time.Second)
	assert.Equal(t, time.Second, next)
	assert.Same(t, before, store.Registry())

	// The bad fingerprint is not remembered, so fixing the file reloads.
	require.NoError(t, os.WriteFile(path, []byte(twoEntities), 0o600))
	m.refreshOnce(time.Second)
	assert.Len(t, store.Registry().Entities(), 2)
}

func TestRefreshNowContext(t *testing.T) {
	m, store, path := newManager(t, oneEntity)
	require.NoError(t, os.WriteFile(path, []byte(twoEntities), 0o600))

	require.NoError(t, m.RefreshNowContext(context.Background()))
	assert.Len(t, store.Registry().Entities(), 2)

	require.NoError(t, os.Remove(path))
	assert.Error(t, m.RefreshNowContext(context.Background()))
	assert.Len(t, store.Registry().Entities(), 2)
}

func TestStartStopsWithContext(t *testing.T) {
	m, _, _ := newManager(t, oneEntity)
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	assert.NoError(t, m.Wait(waitCtx))
}

func TestNewManagerStaticStore(t *testing.T) {
	reg, err := entity.Parse([]byte(oneEntity))
	require.NoError(t, err)
	m, err := NewManager(Config{Store: entity.NewStaticStore(reg), MinInterval: time.Second})
	require.NoError(t, err)

	m.Start(context.Background())
	assert.NoError(t, m.Wait(context.Background()))
	assert.NoError(t, m.RefreshNowContext(context.Background()))

	_, err = NewManager(Config{})
	assert.Error(t, err)
}

func TestNextInterval(t *testing.T) {
	assert.Equal(t, time.Second, nextInterval(0, time.Second, time.Minute))
	assert.Equal(t, 3*time.Second, nextInterval(2*time.Second, time.Second, time.Minute))
	assert.Equal(t, time.Minute, nextInterval(50*time.Second, time.Second, time.Minute))
}
