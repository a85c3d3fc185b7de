//go:build !opencl

package projector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"ctsim/pkg/simerr"
)

func TestOpenCLUnavailableWithoutTag(t *testing.T) {
	_, err := NewOpenCLEngine()
	assert.True(t, errors.Is(err, simerr.ErrRuntime))

	rc := NewOpenCLRayCaster(nil, DefaultRayCasterConfig())
	assert.True(t, errors.Is(rc.Configure(testSetup(t, 1, 1)), simerr.ErrRuntime))
	_, err = rc.Project(context.Background(), smallBall())
	assert.True(t, errors.Is(err, simerr.ErrRuntime))
}
