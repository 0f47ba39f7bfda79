package memory

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()

	stored, err := s.StoreContent(ctx, "report.rdf", "text/plain", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d", stored.SHA1)
	assert.Equal(t, int64(5), stored.Size)

	rc, err := s.OpenContent(ctx, stored.ContentID)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = s.OpenContent(ctx, "missing")
	assert.Error(t, err)
}
