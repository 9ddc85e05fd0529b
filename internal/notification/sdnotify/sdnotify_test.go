package sdnotify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fgsvc/internal/notification"
)

type recorder struct {
	states []string
	err    error
}

func (r *recorder) notify(_ bool, state string) (bool, error) {
	r.states = append(r.states, state)
	return true, r.err
}

func TestRenderAndCancel(t *testing.T) {
	rec := &recorder{}
	r := NewWith(rec.notify)
	ctx := context.Background()

	_, err := r.Render(ctx, notification.Config{ID: 1, Title: "Sync", Message: "a"})
	require.NoError(t, err)
	_, err = r.Render(ctx, notification.Config{ID: 2, Title: "Upload", Message: "b\nc"})
	require.NoError(t, err)
	require.NoError(t, r.Cancel(ctx, 2))
	require.NoError(t, r.Cancel(ctx, 1))
	require.NoError(t, r.Cancel(ctx, 1))

	assert.Equal(t, []string{
		"STATUS=Sync | a",
		"STATUS=Upload | b c",
		"STATUS=Sync | a",
		"STATUS=",
	}, rec.states)
}

func TestRenderPropagatesErrors(t *testing.T) {
	rec := &recorder{err: errors.New("socket gone")}
	_, err := NewWith(rec.notify).Render(context.Background(), notification.Config{ID: 1, Title: "x", Message: "y"})
	assert.Error(t, err)
}

func TestReadyAndStopping(t *testing.T) {
	rec := &recorder{}
	r := NewWith(rec.notify)
	require.NoError(t, r.Ready())
	require.NoError(t, r.Stopping())
	assert.Equal(t, []string{"READY=1", "STOPPING=1"}, rec.states)
}
