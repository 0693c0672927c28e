package middleware

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/pocketmoney-api/pkg/response"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// PathLimit throttles requests whose path starts with Prefix.
type PathLimit struct {
	Prefix string
	Limit  rate.Limit
	Burst  int
}

// FloodLimiter is coarse per-client flood control in front of the API.
// Paths matching no PathLimit are not limited.
type FloodLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limits   []PathLimit
	idleTTL  time.Duration
	now      func() time.Time
}

// DefaultLimits throttle token requests to 10 a minute per client.
func DefaultLimits() []PathLimit {
	return []PathLimit{
		{Prefix: "/api/v1/auth", Limit: rate.Limit(10.0 / 60.0), Burst: 3},
	}
}

// OrderLimits throttle order requests to 5 a second per client, well above
// the order rate limit, so that requests refused before reaching the order
// engine (bad bodies, for one) still cost the client something.
func OrderLimits() []PathLimit {
	return []PathLimit{
		{Prefix: "/api/v1/orders", Limit: rate.Limit(5), Burst: 10},
	}
}

func NewFloodLimiter(limits []PathLimit) *FloodLimiter {
	return &FloodLimiter{
		visitors: make(map[string]*visitor),
		limits:   limits,
		idleTTL:  3 * time.Minute,
		now:      time.Now,
	}
}

func (f *FloodLimiter) getLimiter(path, client string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := client + ":" + path
	v, exists := f.visitors[key]
	if !exists {
		limit, burst := rate.Inf, 1
		for _, pl := range f.limits {
			if strings.HasPrefix(path, pl.Prefix) {
				limit, burst = pl.Limit, max(pl.Burst, 1)
				break
			}
		}
		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		f.visitors[key] = v
	}

	v.lastSeen = f.now()
	return v.limiter
}

// Sweep drops clients idle for longer than the idle TTL.
func (f *FloodLimiter) Sweep() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, v := range f.visitors {
		if f.now().Sub(v.lastSeen) > f.idleTTL {
			delete(f.visitors, key)
		}
	}
}

// RunCleanup sweeps idle clients every interval until ctx is done.
func (f *FloodLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Sweep()
		}
	}
}

// RateLimit keys on the authenticated user when there is one and the client
// IP otherwise.
func (f *FloodLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		client := c.GetString("userID")
		if client == "" {
			client = c.ClientIP()
		}

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		if !f.getLimiter(path, client).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth accepts HS256 bearer tokens signed with secret and stores the
// user ID under "userID" and the raw claims under "claims".
func JWTAuth(secret string) gin.HandlerFunc {
	key := []byte(secret)

	return func(c *gin.Context) {
		bearerToken := strings.Split(c.GetHeader("Authorization"), " ")
		if len(bearerToken) != 2 || !strings.EqualFold(bearerToken[0], "bearer") {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		token, err := jwt.Parse(bearerToken[1], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return key, nil
		})
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || !token.Valid {
			response.Unauthorized(c, "Invalid token claims")
			c.Abort()
			return
		}

		for _, claim := range []string{"user_id", "exp"} {
			if _, exists := claims[claim]; !exists {
				response.Unauthorized(c, fmt.Sprintf("Missing required claim: %s", claim))
				c.Abort()
				return
			}
		}

		userID, ok := claims["user_id"].(string)
		if !ok || userID == "" {
			response.Unauthorized(c, "Invalid user ID in token")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("userID", userID)
		c.Next()
	}
}
