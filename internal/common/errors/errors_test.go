package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppErrorWrapping(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := StoreIO("write failed", cause)

	assert.Equal(t, ErrCodeStoreIO, err.Code)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
	assert.True(t, IsRetryableRead(err))

	wrapped := Wrap(err, "loading workflow")
	assert.Equal(t, ErrCodeStoreIO, wrapped.Code)
	assert.True(t, HasCode(wrapped, ErrCodeStoreIO))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, GetHTTPStatus(NotFound("step", "s1")))
	assert.Equal(t, http.StatusConflict, GetHTTPStatus(LeaseMismatch("s1")))
	assert.Equal(t, http.StatusConflict, GetHTTPStatus(StepNotRunning("s1", "completed")))
	assert.Equal(t, http.StatusConflict, GetHTTPStatus(WrongWorkflow("s1", "wf")))
	assert.Equal(t, http.StatusBadRequest, GetHTTPStatus(InvalidPlan("cycle")))
	assert.Equal(t, http.StatusUnauthorized, GetHTTPStatus(Unauthorized("bad token")))
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(fmt.Errorf("plain")))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrCodeInvalidPlan, CodeOf(InvalidPlan("dup")))
	assert.Equal(t, ErrCodeInternalError, CodeOf(fmt.Errorf("plain")))
	assert.True(t, IsNotFound(NotFound("workflow", "w1")))
}
