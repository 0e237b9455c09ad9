package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinicdesk/wa-inbox-service/internal/tenant"
	"github.com/clinicdesk/wa-inbox-service/pkg/logger"
)

// clinicClaims is the token payload operator tokens carry. The clinic id in
// the token is the tenant boundary; route parameters only select within it.
type clinicClaims struct {
	ClinicID string `json:"clinic_id"`
	jwt.RegisteredClaims
}

// RequestID stamps every request with an id carried through logs and context.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)

		ctx := tenant.WithRequestID(c.Request.Context(), requestID)
		ctx = logger.WithLogger(ctx, logger.FromContext(ctx).With(zap.String("request_id", requestID)))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// ClinicAuth verifies the bearer token and checks that its clinic claim
// matches the clinicID route parameter. A valid token for clinic A gets 403,
// not 404, on clinic B's routes.
func ClinicAuth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		claims := &clinicClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return key, nil
		})
		if err != nil || !parsed.Valid || claims.ClinicID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if claims.ClinicID != c.Param("clinicID") {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "clinic mismatch"})
			return
		}

		ctx := tenant.WithClinicID(c.Request.Context(), claims.ClinicID)
		ctx = logger.WithLogger(ctx, logger.FromContext(ctx).With(zap.String("clinic_id", claims.ClinicID)))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// extractToken reads the bearer token from the Authorization header, falling
// back to the token query parameter for WebSocket upgrades, where browsers
// cannot set headers.
func extractToken(c *gin.Context) string {
	value := c.GetHeader("Authorization")
	parts := strings.SplitN(value, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return c.Query("token")
}
