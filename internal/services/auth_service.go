package services

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	sentinal_errors "sentinal-e2ee/pkg/errors"
)

const DefaultAccessTTL = time.Hour

// AuthService verifies bearer tokens issued by the account service. Issuing is
// only used by the keyctl token command and tests.
type AuthService struct {
	jwtSecret []byte
	accessTTL time.Duration
}

func NewAuthService(secret string, accessTTL time.Duration) *AuthService {
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	return &AuthService{jwtSecret: []byte(secret), accessTTL: accessTTL}
}

type AccessClaims struct {
	UserID   string `json:"sub"`
	DeviceID int    `json:"did,omitempty"`
	jwt.RegisteredClaims
}

func (s *AuthService) ParseAccessToken(tokenString string) (AccessClaims, error) {
	if tokenString == "" {
		return AccessClaims{}, sentinal_errors.ErrUnauthorized
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, sentinal_errors.ErrUnauthorized
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return AccessClaims{}, sentinal_errors.ErrUnauthorized
	}

	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return AccessClaims{}, sentinal_errors.ErrUnauthorized
	}

	return *claims, nil
}

// Authenticate parses the token and returns the user it names.
func (s *AuthService) Authenticate(tokenString string) (uuid.UUID, AccessClaims, error) {
	claims, err := s.ParseAccessToken(tokenString)
	if err != nil {
		return uuid.Nil, AccessClaims{}, err
	}
	userID, err := uuid.Parse(claims.UserID)
	if err != nil || userID == uuid.Nil {
		return uuid.Nil, AccessClaims{}, sentinal_errors.ErrUnauthorized
	}
	return userID, claims, nil
}

func (s *AuthService) IssueAccessToken(userID uuid.UUID, deviceID int) (string, int64, error) {
	now := time.Now()
	expiresAt := now.Add(s.accessTTL)

	claims := AccessClaims{
		UserID:   userID.String(),
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(s.accessTTL.Seconds()), nil
}

type contextKey string

const (
	userIDKey   contextKey = "user_id"
	deviceIDKey contextKey = "device_id"
)

func WithUserContext(ctx context.Context, userID uuid.UUID, deviceID int) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	if deviceID > 0 {
		ctx = context.WithValue(ctx, deviceIDKey, deviceID)
	}
	return ctx
}

func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	value := ctx.Value(userIDKey)
	if value == nil {
		return uuid.Nil, false
	}
	userID, ok := value.(uuid.UUID)
	return userID, ok
}

func DeviceIDFromContext(ctx context.Context) (int, bool) {
	value := ctx.Value(deviceIDKey)
	if value == nil {
		return 0, false
	}
	deviceID, ok := value.(int)
	return deviceID, ok
}
