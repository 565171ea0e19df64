package statestore

import (
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counterDoc struct {
	Count int `json:"count"`
}

func TestUpdateCreatesDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := New(time.Second)

	err := Update(s, path, func(doc counterDoc) (counterDoc, error) {
		// Absent file must decode to the zero value.
		require.Equal(t, 0, doc.Count)
		doc.Count = 7
		return doc, nil
	})
	require.NoError(t, err)

	doc, err := Read[counterDoc](path)
	require.NoError(t, err)
	assert.Equal(t, 7, doc.Count)
}

func TestUpdateSerializesConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Each goroutine gets its own Store (and therefore its own lock
			// file descriptor) to approximate separate processes.
			s := New(10 * time.Second)
			for j := 0; j < perWriter; j++ {
				err := Update(s, path, func(doc counterDoc) (counterDoc, error) {
					doc.Count++
					return doc, nil
				})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	doc, err := Read[counterDoc](path)
	require.NoError(t, err)
	assert.Equal(t, writers*perWriter, doc.Count, "lost updates under contention")
}

func TestUpdateReleasesLockOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := New(time.Second)

	err := Update(s, path, func(doc counterDoc) (counterDoc, error) {
		return doc, os.ErrInvalid
	})
	require.Error(t, err)

	// A failed transaction must not leave the lock held.
	err = Update(s, path, func(doc counterDoc) (counterDoc, error) {
		doc.Count = 1
		return doc, nil
	})
	require.NoError(t, err)
}

func TestUpdateLockTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	// Hold the lock from a separate descriptor so the store has to wait.
	lf, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)
	defer lf.Close()
	require.NoError(t, syscall.Flock(int(lf.Fd()), syscall.LOCK_EX))
	defer syscall.Flock(int(lf.Fd()), syscall.LOCK_UN)

	s := New(200 * time.Millisecond)
	err = Update(s, path, func(doc counterDoc) (counterDoc, error) {
		return doc, nil
	})
	require.ErrorIs(t, err, ErrLockTimeout)
	assert.Contains(t, err.Error(), path+".lock")
}

func TestUpdateFailedFnDoesNotWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := New(time.Second)

	require.NoError(t, Update(s, path, func(doc counterDoc) (counterDoc, error) {
		doc.Count = 3
		return doc, nil
	}))
	err := Update(s, path, func(doc counterDoc) (counterDoc, error) {
		doc.Count = 99
		return doc, os.ErrInvalid
	})
	require.Error(t, err)

	doc, err := Read[counterDoc](path)
	require.NoError(t, err)
	assert.Equal(t, 3, doc.Count)
}

func TestReadMalformedDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := Read[counterDoc](path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}

func TestViewSeesCurrentDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := New(time.Second)

	require.NoError(t, Update(s, path, func(doc counterDoc) (counterDoc, error) {
		doc.Count = 42
		return doc, nil
	}))

	var seen int
	require.NoError(t, View(s, path, func(doc counterDoc) error {
		seen = doc.Count
		return nil
	}))
	assert.Equal(t, 42, seen)
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s := New(time.Second)

	require.NoError(t, Update(s, path, func(doc counterDoc) (counterDoc, error) {
		doc.Count = 1
		return doc, nil
	}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-", "temp file left behind: %s", e.Name())
	}
}
