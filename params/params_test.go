package params

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetVersioning(t *testing.T) {
	s := NewStore()
	v, err := s.Put("/app/db/host", "localhost", TypeString, false)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = s.Put("/app/db/host", "other", TypeString, false)
	assert.ErrorIs(t, err, ErrParameterExists)

	v, err = s.Put("/app/db/host", "db.internal", TypeString, true)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	p, err := s.Get("/app/db/host")
	require.NoError(t, err)
	assert.Equal(t, "db.internal", p.Value)
	assert.Equal(t, 2, p.Version)
	assert.Equal(t, "arn:aws:ssm:local-1:000000000000:parameter//app/db/host", p.ARN)

	_, err = s.Get("/missing")
	assert.ErrorIs(t, err, ErrParameterNotFound)

	_, err = s.Put("/bad", "x", "Binary", false)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGetByPath(t *testing.T) {
	s := NewStore()
	for _, name := range []string{"/app/db/host", "/app/db/port", "/app/db/creds/user", "/app/cache/host", "/other"} {
		_, err := s.Put(name, "v", TypeString, false)
		require.NoError(t, err)
	}

	direct := s.GetByPath("/app/db", false)
	require.Len(t, direct, 2)
	assert.Equal(t, "/app/db/host", direct[0].Name)
	assert.Equal(t, "/app/db/port", direct[1].Name)

	recursive := s.GetByPath("/app/db", true)
	assert.Len(t, recursive, 3)

	assert.Empty(t, s.GetByPath("/nope", true))
}

func TestDeleteAndReset(t *testing.T) {
	s := NewStore()
	_, err := s.Put("x", "1", TypeSecureString, false)
	require.NoError(t, err)
	require.NoError(t, s.Delete("x"))
	assert.ErrorIs(t, s.Delete("x"), ErrParameterNotFound)

	_, err = s.Put("y", "2", "", false)
	require.NoError(t, err)
	s.Reset()
	assert.Empty(t, s.List())
}
