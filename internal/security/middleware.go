package security

import (
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "gryffen/internal/errors"
)

// Context keys set by TokenAuth.
const (
	ContextClaims  = "token_claims"
	ContextSubject = "subject"
)

// TokenAuth rejects requests without a valid bearer token of scope.
func TokenAuth(issuer *TokenIssuer, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			abort(c, apperrors.Newf(apperrors.ErrCodeUnauthorized, "bearer token is required"))
			return
		}

		claims, err := issuer.Verify(strings.TrimSpace(raw), scope)
		if err != nil {
			abort(c, apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, "invalid token"))
			return
		}

		c.Set(ContextClaims, claims)
		c.Set(ContextSubject, claims.Subject)
		c.Next()
	}
}

func abort(c *gin.Context, err *apperrors.AppError) {
	if id := c.GetString("request_id"); id != "" {
		err = err.WithRequestID(id)
	}
	c.AbortWithStatusJSON(err.HTTPStatus(), apperrors.NewErrorResponse(err, c.Request.URL.Path))
}
