// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package sqlite_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/memoria-dev/memoria/internal/store/sqlite"
)

// testDims keeps test vectors small and readable.
const testDims = 4

// testStore opens a store in a temp directory and registers cleanup.
func testStore(t *testing.T) *sqlite.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "memoria-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	st, err := sqlite.Open(filepath.Join(dir, "memoria.db"), testDims)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}
