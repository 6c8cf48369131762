package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dheeraj-coding/zed/pkg/chandb"
	"github.com/golang-jwt/jwt/v5"
)

// Claims holds the JWT claims for an authenticated user session.
type Claims struct {
	UserID   chandb.UserID `json:"user_id"`
	UserName string        `json:"user_name"`
	jwt.RegisteredClaims
}

// AuthService provides JWT-based authentication bound to user identity.
type AuthService struct {
	users  *Users
	jwtKey []byte
	expiry time.Duration
}

// NewAuthService creates an auth service. If jwtSecret is empty, a random
// 32-byte key is generated.
func NewAuthService(users *Users, jwtSecret string, expirySeconds int) *AuthService {
	var key []byte
	if jwtSecret != "" {
		key = []byte(jwtSecret)
	} else {
		key = make([]byte, 32)
		rand.Read(key)
	}
	expiry := 24 * time.Hour
	if expirySeconds > 0 {
		expiry = time.Duration(expirySeconds) * time.Second
	}
	return &AuthService{
		users:  users,
		jwtKey: key,
		expiry: expiry,
	}
}

// Login authenticates a user and returns a JWT token.
func (a *AuthService) Login(name, password string) (string, error) {
	usr, err := a.users.Authenticate(name, password)
	if err != nil {
		return "", err
	}
	return a.Issue(usr)
}

// Issue signs a token for usr.
func (a *AuthService) Issue(usr User) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   usr.ID,
		UserName: usr.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   usr.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
			Issuer:    "zed",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtKey)
}

// ValidateToken parses and validates a JWT token string. The user must
// still exist in the registry.
func (a *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.jwtKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if _, ok := a.users.Lookup(claims.UserID); !ok {
		return nil, fmt.Errorf("invalid token: unknown user %s", claims.UserID)
	}
	return claims, nil
}

// RefreshToken creates a new token with a fresh expiry for an existing valid token.
func (a *AuthService) RefreshToken(tokenStr string) (string, error) {
	claims, err := a.ValidateToken(tokenStr)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(a.expiry))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtKey)
}

// GenerateJWTSecret generates a random hex-encoded secret suitable for jwt_secret config.
func GenerateJWTSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}
