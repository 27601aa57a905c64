package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/dargueta/inodefs/errors"
	"github.com/stretchr/testify/assert"
)

type codedError struct{ code errors.Errno }

func (e codedError) Error() string       { return errors.StrError(e.code) }
func (e codedError) Errno() errors.Errno { return e.code }

func TestCode__Nil(t *testing.T) {
	assert.Equal(t, errors.EOK, errors.Code(nil))
}

func TestCode__UncodedErrorIsEIO(t *testing.T) {
	assert.Equal(t, errors.EIO, errors.Code(stderrors.New("boom")))
}

func TestCode__FollowsWrapChain(t *testing.T) {
	err := fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", codedError{errors.EUCLEAN}))
	assert.Equal(t, errors.EUCLEAN, errors.Code(err))
}

func TestStrError__Unknown(t *testing.T) {
	assert.Equal(t, "error 9999 not recognized.", errors.StrError(9999))
	assert.Equal(t, "Structure needs cleaning", errors.EUCLEAN.String())
}
