package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeStatusByKind(t *testing.T) {
	cases := []struct {
		kind   Kind
		status int
		typ    string
	}{
		{KindAuthentication, http.StatusUnauthorized, TypeAuthentication},
		{KindUpload, http.StatusInternalServerError, TypeUpload},
		{KindSigningPrecondition, http.StatusInternalServerError, TypeUpload},
		{KindInvalidRequest, http.StatusBadRequest, TypeInvalidRequest},
		{KindNotFound, http.StatusNotFound, TypeInvalidRequest},
		{KindRateLimited, http.StatusTooManyRequests, TypeRateLimit},
		{KindUpstreamTransport, http.StatusInternalServerError, TypeServer},
		{KindPersistence, http.StatusInternalServerError, TypeServer},
	}
	for _, tc := range cases {
		status, body := Envelope(New(tc.kind, "msg"))
		assert.Equal(t, tc.status, status, tc.kind)
		assert.Equal(t, tc.typ, body.Error.Type, tc.kind)
		assert.Nil(t, body.Error.Param)
		assert.Nil(t, body.Error.Code)
	}
}

func TestEnvelopeOverridesAndFields(t *testing.T) {
	status, body := Envelope(Authentication(http.StatusForbidden, "denied"))
	assert.Equal(t, http.StatusForbidden, status)
	require.NotNil(t, body.Error.Code)
	assert.Equal(t, "invalid_api_key", *body.Error.Code)

	e := &Error{Kind: KindInvalidRequest, Message: "missing file", Param: "image"}
	_, body = Envelope(e)
	require.NotNil(t, body.Error.Param)
	assert.Equal(t, "image", *body.Error.Param)
}

func TestEnvelopeUntypedError(t *testing.T) {
	status, body := Envelope(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, TypeServer, body.Error.Type)
	assert.Equal(t, "boom", body.Error.Message)
}

func TestKindSurvivesWrapping(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := fmt.Errorf("create chat: %w", Wrap(KindUpstreamTransport, "upstream POST failed", cause))
	assert.True(t, Is(err, KindUpstreamTransport))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindInternal, KindOf(cause))
	assert.False(t, Is(nil, KindInternal))
	assert.Equal(t, "upstream POST failed: dial tcp: refused", errors.Unwrap(err).Error())
}
