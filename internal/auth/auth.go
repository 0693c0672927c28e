package auth

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/pocketmoney-api/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
)

// Credentials is the login request body
type Credentials struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	UserID     string    `json:"user_id"`
	Expiration time.Time `json:"expiration"`
}

// Claims identifies the young trader a token was issued to
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
}

// Service issues and checks tokens. It stands in for the real identity
// provider; users come from configuration.
type Service struct {
	jwtSecret []byte
	ttl       time.Duration
	users     map[string]string // username -> password
	now       func() time.Time
}

// NewService creates an authentication service signing with jwtSecret
func NewService(jwtSecret string, ttl time.Duration, users map[string]string) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	registered := make(map[string]string, len(users))
	for name, password := range users {
		registered[name] = password
	}
	return &Service{
		jwtSecret: []byte(jwtSecret),
		ttl:       ttl,
		users:     registered,
		now:       time.Now,
	}
}

// GenerateToken issues a token for valid credentials. The username becomes
// the user ID every order is attributed to.
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	if !s.validateCredentials(creds) {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	expiration := now.Add(s.ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   creds.Username,
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		UserID: creds.Username,
	}

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		UserID:     creds.Username,
		Expiration: expiration,
	}, nil
}

// ValidateToken verifies signature and expiry and returns the claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) validateCredentials(creds Credentials) bool {
	password, exists := s.users[creds.Username]
	if !exists {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(creds.Password)) == 1
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST /auth/token
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// GetUserID extracts the user ID from token claims, or "" when absent
func GetUserID(claims interface{}) string {
	switch c := claims.(type) {
	case *Claims:
		return c.UserID
	case jwt.MapClaims:
		if userID, ok := c["user_id"].(string); ok {
			return userID
		}
	}
	return ""
}
