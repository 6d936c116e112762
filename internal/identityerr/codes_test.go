package identityerr

import (
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeSchemaInvalid, http.StatusBadRequest},
		{CodeAuthMissing, http.StatusUnauthorized},
		{CodeAuthMalformed, http.StatusUnauthorized},
		{CodeAuthUnknownKey, http.StatusUnauthorized},
		{CodeIdentityRevoked, http.StatusUnauthorized},
		{CodeIdentityNotActive, http.StatusUnauthorized},
		{CodeIdentityChainInvalid, http.StatusUnauthorized},
		{CodeIdentityExpired, http.StatusUnauthorized},
		{CodeIdentityInvalidSignature, http.StatusUnauthorized},
		{CodeAuthInsufficientScope, http.StatusForbidden},
		{CodeABACTenantMismatch, http.StatusForbidden},
		{CodeABACActionNotAllowed, http.StatusForbidden},
		{CodeABACMFARequired, http.StatusForbidden},
		{CodeIdentityScopeNotAttenuated, http.StatusBadRequest},
		{CodeIdentityChainTooDeep, http.StatusBadRequest},
		{CodeBudgetReauthRequired, http.StatusPaymentRequired},
		{CodeBudgetHardStop, http.StatusPaymentRequired},
		{CodeIdempotencyKeyReused, http.StatusConflict},
		{CodeNotFound, http.StatusNotFound},
		{CodeIdentityNotFound, http.StatusNotFound},
		{CodeIdentityCredentialNotFound, http.StatusNotFound},
		{CodeFederationDomainNotFound, http.StatusNotFound},
		{CodeBreakerOpen, http.StatusServiceUnavailable},
		{CodeTimeout, http.StatusGatewayTimeout},
		{CodeInternal, http.StatusInternalServerError},

		// Federation codes previously fell through to the default
		// (internal server error) case before being enumerated.
		{CodeFederationScopeNotAllowed, http.StatusForbidden},
		{CodeFederationDomainRevoked, http.StatusUnauthorized},
		{CodeFederationAttestationExpired, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := HTTPStatus(tt.code); got != tt.want {
				t.Errorf("HTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
			}
		})
	}
}
