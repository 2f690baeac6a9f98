package session

import (
	"crypto/rand"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Session is the full state carried by the signed cookie. A visitor who
// has only fetched a nonce has IsLoggedIn=false and an empty UserID.
type Session struct {
	Address    string `json:"address,omitempty"`
	UserID     string `json:"userId,omitempty"`
	Nonce      string `json:"nonce,omitempty"`
	IsLoggedIn bool   `json:"isLoggedIn"`
}

type sessionClaims struct {
	Address    string `json:"address,omitempty"`
	UserID     string `json:"userId,omitempty"`
	Nonce      string `json:"nonce,omitempty"`
	IsLoggedIn bool   `json:"isLoggedIn"`
	jwt.RegisteredClaims
}

// Manager signs sessions into an HTTP-only cookie and reads them back.
type Manager struct {
	secret []byte
	cookie string
	secure bool
	ttl    time.Duration
}

func NewManager(secret, cookieName string, secure bool, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{
		secret: []byte(secret),
		cookie: cookieName,
		secure: secure,
		ttl:    ttl,
	}
}

// Load returns the session held by the request cookie. A missing,
// expired or tampered cookie yields the zero session, never an error.
func (m *Manager) Load(c *gin.Context) Session {
	raw, err := c.Cookie(m.cookie)
	if err != nil || raw == "" {
		return Session{}
	}

	var claims sessionClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return Session{}
	}

	return Session{
		Address:    claims.Address,
		UserID:     claims.UserID,
		Nonce:      claims.Nonce,
		IsLoggedIn: claims.IsLoggedIn,
	}
}

// Save re-issues the cookie with the given session state.
func (m *Manager) Save(c *gin.Context, s Session) error {
	now := time.Now()
	claims := sessionClaims{
		Address:    s.Address,
		UserID:     s.UserID,
		Nonce:      s.Nonce,
		IsLoggedIn: s.IsLoggedIn,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return err
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(m.cookie, signed, int(m.ttl.Seconds()), "/", "", m.secure, true)
	return nil
}

// Clear destroys the session cookie.
func (m *Manager) Clear(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(m.cookie, "", -1, "/", "", m.secure, true)
}

const nonceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateNonce returns a 17-char alphanumeric one-time value for
// sign-in replay protection.
func GenerateNonce() (string, error) {
	out := make([]byte, 17)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(nonceAlphabet))))
		if err != nil {
			return "", errors.New("session: entropy unavailable")
		}
		out[i] = nonceAlphabet[n.Int64()]
	}
	return string(out), nil
}
