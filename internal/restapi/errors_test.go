package restapi

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus_MapsKnownCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code int
		kind ErrKind
	}{
		{http.StatusUnauthorized, KindAuth},
		{http.StatusForbidden, KindAuth},
		{http.StatusNotFound, KindNotFound},
		{http.StatusTooManyRequests, KindTransient},
		{http.StatusInternalServerError, KindTransient},
		{http.StatusBadGateway, KindTransient},
		{http.StatusBadRequest, KindPermanent},
		{http.StatusConflict, KindPermanent},
	}

	for _, c := range cases {
		got := ClassifyStatus(c.code, "msg")
		assert.Equal(t, c.kind, got.Kind, "code %d", c.code)
	}
}

func TestClassifyStatus_ErrorsIsMatchesSentinel(t *testing.T) {
	t.Parallel()

	err := ClassifyStatus(http.StatusNotFound, "gone")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrAuth))
}
