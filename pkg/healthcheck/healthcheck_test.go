package healthcheck

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunChecksWithoutFix(t *testing.T) {
	var h Helper
	h.Enlist("ok", func() (bool, string, error) { return true, "fine", nil }, nil)
	h.Enlist("failed", func() (bool, string, error) { return false, "broken", nil }, nil)
	h.Enlist("aborted", func() (bool, string, error) { return false, "oops", errors.New("boom") }, nil)

	r := h.RunChecks(false)
	require.Len(t, r.Checks, 3)
	assert.Equal(t, StatusOK, r.Checks[0].Status)
	assert.Equal(t, StatusFailed, r.Checks[1].Status)
	assert.Equal(t, StatusAborted, r.Checks[2].Status)
	assert.Contains(t, r.Checks[2].Message, "boom")
	assert.Empty(t, r.Fixes)
	assert.False(t, r.ChecksSucceeded())
}

func TestRunChecksWithFix(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "home")

	var h Helper
	h.Enlist("home", DirExistsChecker(dir), DirExistsFixer(dir))
	h.Enlist("unfixable", func() (bool, string, error) { return false, "", nil }, nil)
	h.Enlist("fails", func() (bool, string, error) { return false, "", nil },
		func() (string, error) { return "tried", errors.New("nope") })

	r := h.RunChecks(true)
	require.Len(t, r.Fixes, 3)
	assert.Equal(t, StatusOK, r.Fixes[0].Status)
	assert.DirExists(t, dir)
	assert.Equal(t, StatusOmitted, r.Fixes[1].Status)
	assert.Equal(t, StatusFailed, r.Fixes[2].Status)
	assert.False(t, r.FixesSucceeded())
	assert.Contains(t, r.String(), "fixes:")
}

func TestDirExistsCheckerOnFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(f, nil, 0o644))

	ok, _, err := DirExistsChecker(f)()
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestNetworkCheckers(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port

	ok, _, err := DialableChecker(l.Addr().String(), time.Second)()
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = PortBindableChecker(port)()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Close())

	ok, _, err = PortBindableChecker(port)()
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = DialableChecker(l.Addr().String(), time.Second)()
	require.NoError(t, err)
	assert.False(t, ok)
}
