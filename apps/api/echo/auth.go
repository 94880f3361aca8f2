package echoapi

import (
	"strconv"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/feeledger/core"
)

const (
	contextTokenKey   = "userToken"
	contextSessionKey = "session"
	schoolHeader      = "X-School-Id"
	audience          = "feeledger"
)

// Claims represents the authorization claims transmitted via a JWT.
type Claims struct {
	jwt.StandardClaims
	SchoolID int64  `json:"school_id,omitempty"`
	Username string `json:"username,omitempty"`
	IsAdmin  bool   `json:"is_admin,omitempty"`
}

// NewClaims builds the claims of an operator token.
func NewClaims(conf *core.Config, userID, username string, schoolID int64, isAdmin bool) *Claims {
	now := time.Now()
	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Id:        uuid.New().String(),
			Issuer:    conf.AppName,
			Subject:   userID,
			Audience:  audience,
			ExpiresAt: now.Add(conf.Server.JWTExpirationDelta).Unix(),
			IssuedAt:  now.Unix(),
		},
		SchoolID: schoolID,
		Username: username,
		IsAdmin:  isAdmin,
	}
}

// GenerateToken generates a signed JWT token string representing the Claims.
func GenerateToken(claims *Claims, secretKey string) (string, error) {
	token := jwt.NewWithClaims(jwt.GetSigningMethod(middleware.AlgorithmHS256), claims)
	ss, err := token.SignedString([]byte(secretKey))
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return ss, nil
}

func jwtConfig(secretKey string, lookup ...string) middleware.JWTConfig {
	conf := middleware.JWTConfig{
		SigningKey:    []byte(secretKey),
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    contextTokenKey,
		Claims:        new(Claims),
	}
	if len(lookup) > 0 {
		conf.TokenLookup = lookup[0]
	}
	return conf
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if token, ok := ctx.Get(contextTokenKey).(*jwt.Token); ok {
		if claims, ok := token.Claims.(*Claims); ok {
			return *claims, nil
		}
	}
	return Claims{}, errUnauthorized
}

// getContextSession turns the token claims into the operator session of this request.
// Admins may scope a request to a school with the X-School-Id header.
func getContextSession(ctx echo.Context) (core.Session, error) {
	if sess, ok := ctx.Get(contextSessionKey).(core.Session); ok {
		return sess, nil
	}

	claims, err := getContextClaims(ctx)
	if err != nil {
		return core.Session{}, err
	}
	sess := core.Session{
		ID:        claims.Id,
		SchoolID:  claims.SchoolID,
		UserID:    claims.Subject,
		Username:  claims.Username,
		IsAdmin:   claims.IsAdmin,
		StartedAt: time.Now().UTC(),
	}
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if hdr := ctx.Request().Header.Get(schoolHeader); hdr != "" && claims.IsAdmin {
		schoolID, err := strconv.ParseInt(hdr, 10, 64)
		if err != nil || schoolID <= 0 {
			return core.Session{}, core.NewValidationError(nil, core.FieldError{Field: "school_id", Error: "invalid " + schoolHeader + " header"})
		}
		sess.SchoolID = schoolID
	}
	ctx.Set(contextSessionKey, sess)
	return sess, nil
}
