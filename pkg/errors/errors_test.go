package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindInternal, KindOf(nil))

	err := E(KindRuntime, "start container", errors.New("boom"))
	assert.Equal(t, KindRuntime, KindOf(err))
	assert.Equal(t, KindRuntime, KindOf(fmt.Errorf("deploy 3: %w", err)))
	assert.EqualError(t, err, "start container: boom")
}

func TestE_Nil(t *testing.T) {
	assert.NoError(t, E(KindDatabase, "op", nil))
}

func TestIs_Nested(t *testing.T) {
	inner := E(KindNotFound, "lookup challenge", errors.New("missing"))
	outer := E(KindConfiguration, "resolve", inner)
	assert.True(t, Is(outer, KindConfiguration))
	assert.True(t, Is(outer, KindNotFound))
	assert.False(t, Is(outer, KindProxy))
	assert.False(t, Is(errors.New("plain"), KindInternal))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", fmt.Errorf("pull: %w", context.DeadlineExceeded), true},
		{"daemon down", errors.New("Cannot connect to the Docker daemon at unix:///var/run/docker.sock"), true},
		{"registry rate limit", errors.New("toomanyrequests: slow down"), true},
		{"permanent", errors.New("no such image"), false},
		{"configuration", E(KindConfiguration, "resolve host", errors.New("connection refused")), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := IsTransient(tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}
