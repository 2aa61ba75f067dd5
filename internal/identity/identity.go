// Package identity resolves who is connecting to a scene.
//
// Identity is taken, in order, from a signed token (when a secret is
// configured), the X-Participant-ID / X-Display-Name headers, or the
// participant / name query parameters. Absent values are generated.
package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

const (
	HeaderParticipant = "X-Participant-ID"
	HeaderDisplayName = "X-Display-Name"

	maxIDLength   = 128
	maxNameLength = 64
)

var (
	ErrInvalidToken = errors.New("identity: invalid token")
	ErrInvalidID    = errors.New("identity: invalid participant id")
)

// Participant is a resolved identity.
type Participant struct {
	ID          string
	DisplayName string
	// Verified is set when the identity came from a signed token.
	Verified bool
}

// Claims are the token claims. Subject carries the participant id.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type Resolver struct {
	secret []byte
	// RequireToken rejects connections without a valid token.
	requireToken bool
}

// NewResolver returns a resolver. With an empty secret tokens are ignored.
func NewResolver(secret string, requireToken bool) *Resolver {
	return &Resolver{secret: []byte(secret), requireToken: requireToken && secret != ""}
}

// Resolve extracts the participant from r.
func (res *Resolver) Resolve(r *http.Request) (Participant, error) {
	if len(res.secret) > 0 {
		if raw := bearer(r); raw != "" {
			p, err := res.parse(raw)
			if err != nil {
				return Participant{}, err
			}
			return p, nil
		}
		if res.requireToken {
			return Participant{}, fmt.Errorf("%w: token required", ErrInvalidToken)
		}
	}

	id := firstNonEmpty(r.Header.Get(HeaderParticipant), r.URL.Query().Get("participant"))
	name := firstNonEmpty(r.Header.Get(HeaderDisplayName), r.URL.Query().Get("name"))

	if id == "" {
		id = uuid.NewString()
	} else if err := ValidateID(id); err != nil {
		return Participant{}, err
	}
	return Participant{ID: id, DisplayName: DisplayName(name, id)}, nil
}

func (res *Resolver) parse(raw string) (Participant, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return res.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Participant{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return Participant{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if err := ValidateID(claims.Subject); err != nil {
		return Participant{}, err
	}
	return Participant{
		ID:          claims.Subject,
		DisplayName: DisplayName(claims.Name, claims.Subject),
		Verified:    true,
	}, nil
}

// Issue signs a token for participant, valid for ttl.
func (res *Resolver) Issue(participant, name string, ttl time.Duration) (string, error) {
	if len(res.secret) == 0 {
		return "", errors.New("identity: no signing secret configured")
	}
	now := time.Now()
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   participant,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "scenesync",
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(res.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return r.URL.Query().Get("token")
}

// ValidateID accepts printable ids without whitespace or '@', which
// separates counter and participant in op id strings.
func ValidateID(id string) error {
	if id == "" || len(id) > maxIDLength {
		return fmt.Errorf("%w: length must be 1..%d", ErrInvalidID, maxIDLength)
	}
	for _, r := range id {
		if r == '@' || unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	return nil
}

// DisplayName normalizes name to NFC, strips control characters and
// truncates it. An empty result falls back to a short form of the id.
func DisplayName(name, id string) string {
	name = norm.NFC.String(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	if runes := []rune(name); len(runes) > maxNameLength {
		name = string(runes[:maxNameLength])
	}
	if name != "" {
		return name
	}
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return "guest-" + short
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
