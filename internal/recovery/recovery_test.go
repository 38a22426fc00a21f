package recovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverAll(t *testing.T) {
	var order []string
	step := func(name string, err error) Recoverable {
		return Func{ComponentName: name, Fn: func(ctx context.Context) error {
			order = append(order, name)
			return err
		}}
	}

	m := NewManager()
	m.Register(step("first", nil))
	m.Register(nil)
	m.Register(step("broken", errors.New("boom")))
	m.Register(step("last", nil))
	assert.Equal(t, 3, m.Len())

	err := m.RecoverAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 errors out of 3")
	assert.Equal(t, []string{"first", "broken", "last"}, order)
}

func TestRecoverAllEmpty(t *testing.T) {
	assert.NoError(t, NewManager().RecoverAll(context.Background()))
}

func TestRecoverAllCancelled(t *testing.T) {
	m := NewManager()
	called := false
	m.Register(Func{ComponentName: "never", Fn: func(ctx context.Context) error {
		called = true
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.RecoverAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestStagingSweeper(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "1700000000000000000-aaaa.pdf")
	fresh := filepath.Join(dir, "1800000000000000000-bbbb.png")
	require.NoError(t, os.WriteFile(old, []byte("old"), 0o600))
	require.NoError(t, os.WriteFile(fresh, []byte("fresh"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "keep"), 0o700))

	now := time.Now()
	require.NoError(t, os.Chtimes(old, now.Add(-2*time.Hour), now.Add(-2*time.Hour)))

	s := NewStagingSweeper(dir, time.Hour)
	require.NoError(t, s.Recover(context.Background()))

	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.DirExists(t, filepath.Join(dir, "keep"))

	require.NoError(t, NewStagingSweeper(dir, 0).Recover(context.Background()))
	assert.NoFileExists(t, fresh)
}

func TestStagingSweeperMissingDir(t *testing.T) {
	s := NewStagingSweeper(filepath.Join(t.TempDir(), "absent"), 0)
	assert.NoError(t, s.Recover(context.Background()))
}

type fakeCounter struct {
	n   int
	err error
}

func (f fakeCounter) Count(ctx context.Context) (int, error) { return f.n, f.err }

func TestStoreCheck(t *testing.T) {
	assert.NoError(t, StoreCheck{Store: fakeCounter{n: 4}}.Recover(context.Background()))

	err := StoreCheck{Store: fakeCounter{err: errors.New("corrupt")}}.Recover(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt")
}
