package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type loginForm struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

func TestValidate(t *testing.T) {
	assert.Nil(t, Validate(&loginForm{Email: "a@b.io", Password: "long-enough"}))

	errs := Validate(&loginForm{Email: "nope", Password: "short"})
	assert.Equal(t, map[string]string{"email": "email", "password": "min"}, errs)
}
