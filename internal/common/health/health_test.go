package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestMultiChecker(t *testing.T) {
	healthy := CheckerFunc(func() error { return nil })
	redisDown := CheckerFunc(func() error { return errors.New("redis unreachable") })
	podsDown := CheckerFunc(func() error { return errors.New("pod cache not synced") })

	assert.NoError(t, NewMultiChecker(healthy, healthy).Check())

	checker := NewMultiChecker(healthy, redisDown)
	checker.Add(podsDown)
	err := checker.Check()
	assert.ErrorContains(t, err, "redis unreachable")
	assert.ErrorContains(t, err, "pod cache not synced")
}

func TestHealthEndpoint(t *testing.T) {
	var failure error
	mux := http.NewServeMux()
	SetupHttpMux(mux, CheckerFunc(func() error { return failure }))

	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, recorder.Code)

	failure = errors.New("redis unreachable")
	recorder = httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	assert.Equal(t, "redis unreachable", recorder.Body.String())
}
