package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	TokenAccess = "access"
	TokenAgent  = "agent"
)

type Claims struct {
	UserID    string `json:"user_id"`
	VMID      string `json:"vm_id,omitempty"`
	IsAdmin   bool   `json:"is_admin"`
	TokenType string `json:"token_type"` // "access" | "agent"
	jwt.RegisteredClaims
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

const (
	AccessTokenDuration = 15 * time.Minute
	AgentTokenDuration  = 7 * 24 * time.Hour
)

func sign(secret string, claims Claims, now time.Time, ttl time.Duration) (string, error) {
	claims.RegisteredClaims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	claims.RegisteredClaims.IssuedAt = jwt.NewNumericDate(now)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// GenerateAccessToken signe un jeton utilisateur. En production ces jetons
// sont émis par l'application web avec le même secret.
func GenerateAccessToken(secret, userID string, isAdmin bool) (string, error) {
	return sign(secret, Claims{
		UserID:           userID,
		IsAdmin:          isAdmin,
		TokenType:        TokenAccess,
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
	}, time.Now(), AccessTokenDuration)
}

// GenerateAgentToken émet un jeton d'agent à l'heure courante.
func GenerateAgentToken(secret, vmID, userID string) (string, error) {
	return IssueAgentToken(secret, vmID, userID, time.Now())
}

// IssueAgentToken signe le jeton d'agent d'une VM, valable AgentTokenDuration
// à partir de now. Il est remis au provisioning puis renouvelé à chaque
// heartbeat accepté.
func IssueAgentToken(secret, vmID, userID string, now time.Time) (string, error) {
	return sign(secret, Claims{
		UserID:           userID,
		VMID:             vmID,
		TokenType:        TokenAgent,
		RegisteredClaims: jwt.RegisteredClaims{Subject: vmID},
	}, now, AgentTokenDuration)
}

func ValidateToken(secret, tokenStr string) (*Claims, error) {
	return ValidateTokenAt(secret, tokenStr, time.Now())
}

// ValidateTokenAt vérifie le jeton comme s'il était présenté à l'instant now.
func ValidateTokenAt(secret, tokenStr string, now time.Time) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	switch claims.TokenType {
	case TokenAccess:
		if claims.UserID == "" {
			return nil, ErrInvalidToken
		}
	case TokenAgent:
		if claims.VMID == "" {
			return nil, ErrInvalidToken
		}
	default:
		return nil, ErrInvalidToken
	}
	return claims, nil
}
