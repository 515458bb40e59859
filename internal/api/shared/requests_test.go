package shared

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pageQuery struct {
	Limit  int    `validate:"min=1,max=100"`
	Status string `validate:"omitempty,oneof=pending running paused"`
}

type selfValidating struct{}

func (selfValidating) Validate() error { return errors.New("custom rule") }

func TestValidateRequest(t *testing.T) {
	assert.NoError(t, ValidateRequest(&pageQuery{Limit: 10, Status: "running"}))

	err := ValidateRequest(&pageQuery{Limit: 0})
	require.Error(t, err)
	var verrs validator.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "Limit", verrs[0].Field())

	err = ValidateRequest(&pageQuery{Limit: 5, Status: "success"})
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "oneof", verrs[0].Tag())

	assert.EqualError(t, ValidateRequest(selfValidating{}), "custom rule")
}

func TestQueryInt(t *testing.T) {
	r := httptest.NewRequest("GET", "/trees?limit=25&bad=x", nil)

	n, err := QueryInt(r, "limit", 50)
	require.NoError(t, err)
	assert.Equal(t, 25, n)

	n, err = QueryInt(r, "offset", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = QueryInt(r, "bad", 0)
	assert.ErrorContains(t, err, "query parameter bad")
}
