package oidckit

import "strings"

// knownJWKS lists issuers whose key sets are not published at the
// conventional /.well-known/jwks.json path.
var knownJWKS = map[string]string{
	"https://accounts.google.com":       "https://www.googleapis.com/oauth2/v3/certs",
	"https://appleid.apple.com":         "https://appleid.apple.com/auth/keys",
	"https://login.microsoftonline.com": "https://login.microsoftonline.com/common/discovery/v2.0/keys",
}

// JWKSURIFor returns the key set location for issuer when none was
// configured explicitly.
func JWKSURIFor(issuer string) string {
	trimmed := strings.TrimRight(issuer, "/")
	if uri, ok := knownJWKS[trimmed]; ok {
		return uri
	}
	return trimmed + "/.well-known/jwks.json"
}
