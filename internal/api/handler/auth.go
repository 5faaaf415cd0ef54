package handler

import (
	"errors"
	"net/http"
	"strings"

	"onetimechat/backend/internal/config"
	"onetimechat/backend/internal/models"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const sessionKey = "session_id"

var errInvalidToken = errors.New("invalid token")

// sessionClaims carries the anonymous session a token was issued for.
type sessionClaims struct {
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// generateJWT signs a session token valid for SessionTokenTTL.
func (h *Handler) generateJWT(sessionID string) (string, error) {
	now := h.Clock.Now()
	claims := sessionClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    config.TokenIssuer,
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(config.SessionTokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.JWTSecret)
}

func (h *Handler) validateAndGetSessionID(tokenString string) (string, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return h.JWTSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(config.TokenIssuer),
		jwt.WithTimeFunc(h.Clock.Now),
	)
	if err != nil || !token.Valid || claims.SessionID == "" {
		return "", errInvalidToken
	}
	return claims.SessionID, nil
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

// IssueSession returns a token for the caller's session id. A missing or
// malformed id is replaced with a fresh one.
func (h *Handler) IssueSession(c *gin.Context) {
	var req sessionRequest
	_ = c.ShouldBindJSON(&req)

	sessionID := req.SessionID
	if _, err := uuid.Parse(sessionID); err != nil {
		sessionID = uuid.New().String()
	}

	token, err := h.generateJWT(sessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "session_id": sessionID})
}

// AuthMiddleware accepts a bearer token, or an access_token query parameter
// for WebSocket upgrades where headers cannot be set.
func (h *Handler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.Query("access_token")
		if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
			tokenString = strings.TrimPrefix(header, "Bearer ")
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": models.CodeUnauthorized})
			return
		}

		sessionID, err := h.validateAndGetSessionID(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": models.CodeUnauthorized})
			return
		}
		c.Set(sessionKey, sessionID)
		c.Next()
	}
}

func sessionOf(c *gin.Context) string {
	return c.GetString(sessionKey)
}
