package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateGetRotate(t *testing.T) {
	s := NewStore()
	sec, err := s.Create("db-password", "hunter2")
	require.NoError(t, err)
	assert.Contains(t, sec.ARN, "arn:aws:secretsmanager:local-1:000000000000:secret:db-password-")

	_, err = s.Create("db-password", "again")
	assert.ErrorIs(t, err, ErrSecretExists)

	_, v1, err := s.GetValue("db-password", "")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v1.Value)

	_, v2, err := s.PutValue("db-password", "correct-horse")
	require.NoError(t, err)
	assert.NotEqual(t, v1.ID, v2.ID)

	_, cur, err := s.GetValue("db-password", "")
	require.NoError(t, err)
	assert.Equal(t, "correct-horse", cur.Value)

	// Old versions stay addressable by ID.
	_, old, err := s.GetValue("db-password", v1.ID)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", old.Value)

	_, _, err = s.GetValue("db-password", "nope")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestResolveByARN(t *testing.T) {
	s := NewStore()
	sec, err := s.Create("api-key", "k")
	require.NoError(t, err)
	_, v, err := s.GetValue(sec.ARN, "")
	require.NoError(t, err)
	assert.Equal(t, "k", v.Value)
}

func TestDeleteAndList(t *testing.T) {
	s := NewStore()
	_, err := s.Create("a", "1")
	require.NoError(t, err)
	_, err = s.Create("b", "2")
	require.NoError(t, err)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)

	require.NoError(t, s.Delete("a"))
	assert.ErrorIs(t, s.Delete("a"), ErrSecretNotFound)
	assert.Len(t, s.List(), 1)

	s.Reset()
	assert.Empty(t, s.List())
}
