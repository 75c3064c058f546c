package tickets

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/event-ticketing/internal/domain"
)

// Credential is what a ticket's QR code carries.
type Credential struct {
	OrderID  uuid.UUID
	EventID  uuid.UUID
	Nonce    string
	IssuedAt time.Time
}

type credentialClaims struct {
	OrderID string `json:"oid"`
	EventID string `json:"eid"`
	Nonce   string `json:"nonce"`
	jwt.RegisteredClaims
}

// Codec signs credentials as compact HS256 JWS strings, which are URL-safe.
type Codec struct {
	key []byte
}

func NewCodec(key []byte) (*Codec, error) {
	if len(key) < 32 {
		return nil, errors.New("ticket signing key must be at least 32 bytes")
	}
	return &Codec{key: key}, nil
}

func (c *Codec) Encode(cred Credential) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, credentialClaims{
		OrderID: cred.OrderID.String(),
		EventID: cred.EventID.String(),
		Nonce:   cred.Nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(cred.IssuedAt),
		},
	})
	signed, err := token.SignedString(c.key)
	return signed, errors.Wrap(err, "sign credential")
}

// Decode checks structure and signature without touching storage. A token
// that parses but fails the signature check is a mismatch, anything else that
// fails is malformed.
func (c *Codec) Decode(raw string) (Credential, error) {
	if raw == "" {
		return Credential{}, errors.Wrap(domain.ErrMalformedCredential, "empty credential")
	}

	var claims credentialClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return c.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return Credential{}, errors.Wrap(domain.ErrCredentialMismatch, "signature")
	case err != nil:
		return Credential{}, errors.Wrapf(domain.ErrMalformedCredential, "%v", err)
	}

	orderID, err := uuid.Parse(claims.OrderID)
	if err != nil {
		return Credential{}, errors.Wrap(domain.ErrMalformedCredential, "order id")
	}
	eventID, err := uuid.Parse(claims.EventID)
	if err != nil {
		return Credential{}, errors.Wrap(domain.ErrMalformedCredential, "event id")
	}
	if claims.Nonce == "" || claims.IssuedAt == nil {
		return Credential{}, errors.Wrap(domain.ErrMalformedCredential, "missing nonce or iat")
	}

	return Credential{
		OrderID:  orderID,
		EventID:  eventID,
		Nonce:    claims.Nonce,
		IssuedAt: claims.IssuedAt.Time,
	}, nil
}
