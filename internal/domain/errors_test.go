package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCancellationSignalError(t *testing.T) {
	withReason := &CancellationSignal{Reason: "operator request"}
	assert.Equal(t, "job cancellation signalled: operator request", withReason.Error())

	noReason := &CancellationSignal{}
	assert.Equal(t, "job cancellation signalled", noReason.Error())
}

func TestHandlerErrorError(t *testing.T) {
	e := &HandlerError{Name: "ErrTimeout", Message: "upstream took too long"}
	assert.Equal(t, "ErrTimeout: upstream took too long", e.Error())
}

func TestNoHandlerErrorUnwrapsToSentinel(t *testing.T) {
	e := &NoHandlerError{Type: "send_email"}
	assert.Equal(t, `no handler registered for job type "send_email"`, e.Error())
	assert.True(t, errors.Is(e, ErrNoHandler))
}
