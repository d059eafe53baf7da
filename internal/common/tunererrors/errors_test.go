package tunererrors

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestClassFromError(t *testing.T) {
	tests := map[string]struct {
		err  error
		want Class
	}{
		"ErrConfiguration":              {&ErrConfiguration{}, ClassConfiguration},
		"ErrInvalidArgument":            {&ErrInvalidArgument{}, ClassConfiguration},
		"ErrNotReady":                   {&ErrNotReady{}, ClassTransient},
		"ErrNotFound":                   {&ErrNotFound{}, ClassStale},
		"pkg.Error => ErrNotFound":      {errors.WithMessage(&ErrNotFound{}, "foo"), ClassStale},
		"pkg.Error => ErrNotReady":      {errors.WithStack(&ErrNotReady{}), ClassTransient},
		"fmt wrapped => ErrNotFound":    {fmt.Errorf("foo: %w", &ErrNotFound{}), ClassStale},
		"pkg.Error":                     {errors.New("foo"), ClassUnknown},
		"ErrAlreadyExists is not known": {&ErrAlreadyExists{}, ClassUnknown},
		"nil":                           {nil, ClassUnknown},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassFromError(tc.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, `resource "j1" of type "job" does not exist`, (&ErrNotFound{Type: "job", Value: "j1"}).Error())
	assert.Equal(t, `resource "j1" does not exist; gone`, (&ErrNotFound{Value: "j1", Message: "gone"}).Error())
	assert.Equal(t, `resource "g1" of type "group" already exists`, (&ErrAlreadyExists{Type: "group", Value: "g1"}).Error())
	assert.Equal(t, `value 0 is invalid for field "eta"; must be at least 2`, (&ErrInvalidArgument{Name: "eta", Value: 0, Message: "must be at least 2"}).Error())
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(errors.WithStack(&ErrNotFound{Type: "job", Value: "j1"})))
	assert.False(t, IsNotFound(errors.New("boom")))
	assert.False(t, IsNotFound(nil))
}
