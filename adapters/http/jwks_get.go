package authhttp

import (
	"net/http"

	jwtkit "github.com/PaulFidika/oidcflow/jwt"
)

// JWKSHandler serves the public keys of ks. Providers fetch it to verify
// signed backchannel authentication requests.
func JWKSHandler(ks jwtkit.KeySource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		if ks == nil {
			jwtkit.ServeJWKS(w, r, jwtkit.JWKS{Keys: []jwtkit.JWK{}})
			return
		}
		jwtkit.ServeJWKS(w, r, ks.JWKS())
	})
}
