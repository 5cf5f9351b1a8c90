package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasCode(t *testing.T) {
	t.Run("matches outer code", func(t *testing.T) {
		err := New(CodeInvalidCode, "invalid code")
		assert.True(t, HasCode(err, CodeInvalidCode))
		assert.False(t, HasCode(err, CodeInternal))
	})

	t.Run("matches inner code through fmt wrapping", func(t *testing.T) {
		inner := New(CodeTransport, "ldap down")
		outer := Wrap(fmt.Errorf("resolve: %w", inner), CodeInternal, "begin failed")
		assert.True(t, HasCode(outer, CodeInternal))
		assert.True(t, HasCode(outer, CodeTransport))
	})

	t.Run("plain errors carry no code", func(t *testing.T) {
		assert.False(t, HasCode(errors.New("boom"), CodeInternal))
		assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	})
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, CodeInternal, "nothing"))
}

func TestUnwrapReachesCause(t *testing.T) {
	cause := errors.New("smtp 500")
	err := Wrap(cause, CodeDelivery, "send failed")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, CodeDelivery, CodeOf(err))
	assert.Contains(t, err.Error(), "smtp 500")
}
