package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"pointsbilling/pkg/errcode"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func render(t *testing.T, err error) (Response, bool) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	handled := FromError(c, err)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp, handled
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		code    int
		handled bool
	}{
		{"insufficient balance", errcode.Wrapf(errcode.ErrInsufficientBalance, nil, "balance=1"), CodeBalanceNotEnough, true},
		{"limit exceeded", errors.Wrap(errcode.ErrLimitExceeded, "check quota"), CodeLimitExceeded, true},
		{"no tariff", errcode.ErrNoActiveTariff, CodeNoActiveTariff, true},
		{"timeout", errcode.ErrConcurrencyTimeout, CodeConcurrencyTimeout, true},
		{"configuration", errcode.ErrConfiguration, CodeServerError, false},
		{"integrity", errcode.ErrIntegrityViolation, CodeServerError, false},
		{"unknown", errors.New("boom"), CodeServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, handled := render(t, tt.err)
			assert.Equal(t, tt.code, resp.Code)
			assert.Equal(t, tt.handled, handled)
			if !tt.handled {
				assert.Equal(t, MessageTryLater, resp.Message)
			}
		})
	}
}
