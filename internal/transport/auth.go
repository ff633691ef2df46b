package transport

import (
	"crypto/subtle"
	"errors"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
)

const (
	peerIssuer   = "farodb"
	peerAudience = "farodb-cluster"

	// PeerTokenTTL es la vida útil de un token entre nodos. Los tokens se
	// acuñan por request, así que la ventana puede ser corta.
	PeerTokenTTL = 2 * time.Minute
)

// MintPeerToken firma un JWT HS256 de corta vida con el secreto compartido
// del cluster. sub identifica al nodo emisor.
func MintPeerToken(secret []byte, selfTag string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwtv5.MapClaims{
		"iss": peerIssuer,
		"aud": peerAudience,
		"sub": selfTag,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, claims)
	tk.Header["typ"] = "JWT"
	return tk.SignedString(secret)
}

// VerifyPeerToken valida firma, audiencia, issuer y expiración de un token
// de par, y devuelve el tag del nodo emisor (claim sub).
func VerifyPeerToken(secret []byte, token string) (string, error) {
	keyfunc := func(t *jwtv5.Token) (any, error) {
		return secret, nil
	}

	tok, err := jwtv5.Parse(token, keyfunc,
		jwtv5.WithValidMethods([]string{"HS256"}),
		jwtv5.WithAudience(peerAudience),
		jwtv5.WithIssuer(peerIssuer),
		jwtv5.WithExpirationRequired(),
	)
	if err != nil || !tok.Valid {
		return "", errors.New("invalid_peer_token")
	}

	claims, ok := tok.Claims.(jwtv5.MapClaims)
	if !ok {
		return "", errors.New("claims_type")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", errors.New("sub_missing")
	}
	return sub, nil
}

// adminKeyMatches compara la admin key presentada contra la configurada en
// tiempo constante.
func adminKeyMatches(configured, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}
