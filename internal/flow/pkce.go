package flow

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"regexp"

	"github.com/idport/idport/internal/core"
)

// verifierPattern is the RFC 7636 code-verifier shape: 43 to 128
// characters of the unreserved set.
var verifierPattern = regexp.MustCompile(`^[A-Za-z0-9\-._~]{43,128}$`)

// ValidVerifier reports whether v is a well-formed PKCE code verifier.
func ValidVerifier(v string) bool {
	return verifierPattern.MatchString(v)
}

// ValidChallengeMethod reports whether m is a supported PKCE method.
func ValidChallengeMethod(m core.CodeChallengeMethod) bool {
	return m == core.ChallengePlain || m == core.ChallengeS256
}

// CreateChallenge derives the code challenge for a verifier: the verifier
// itself for plain, base64url(SHA-256(verifier)) for S256.
func CreateChallenge(verifier string, method core.CodeChallengeMethod) (string, error) {
	switch method {
	case core.ChallengePlain:
		return verifier, nil
	case core.ChallengeS256:
		sum := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(sum[:]), nil
	}
	return "", core.NewFlowError("unsupported code_challenge_method %q", method)
}

// VerifyChallenge checks a verifier against the stored challenge.
func VerifyChallenge(verifier, challenge string, method core.CodeChallengeMethod) bool {
	computed, err := CreateChallenge(verifier, method)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
