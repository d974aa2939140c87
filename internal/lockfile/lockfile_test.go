package lockfile

import (
	"testing"

	"github.com/google/uuid"
	"github.com/pierreg256/distflow/internal/errs"
	"github.com/stretchr/testify/require"
)

func TestAcquireThenSecondFails(t *testing.T) {
	identity := uuid.NewString()
	l1, err := Acquire(identity)
	require.NoError(t, err)
	defer l1.Release()

	_, err = Acquire(identity)
	require.ErrorIs(t, err, errs.ErrAlreadyRunning)
}

func TestReleaseThenReacquireSucceeds(t *testing.T) {
	identity := uuid.NewString()
	l1, err := Acquire(identity)
	require.NoError(t, err)
	require.NoError(t, l1.Release())

	l2, err := Acquire(identity)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}
