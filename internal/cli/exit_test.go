package cli

import (
	"errors"
	"fmt"
	"testing"

	"github.com/harun/vigil/pkg/gateway"
	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))

	inUse := &ExitError{Code: ExitAddressInUse, Err: fmt.Errorf("start: %w", gateway.ErrAddressInUse)}
	assert.Equal(t, ExitAddressInUse, ExitCode(fmt.Errorf("wrapped: %w", inUse)))
	assert.ErrorIs(t, inUse, gateway.ErrAddressInUse)
}
