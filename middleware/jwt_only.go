package middleware

import (
	"net/http"

	goStepAuth "github.com/MrEthical07/goStepAuth"
)

// RequireAssertion guards a route with the signed assertion only, skipping
// Redis. A revoked session stays accepted until its assertion expires.
func RequireAssertion(engine *goStepAuth.Engine) func(http.Handler) http.Handler {
	return Guard(engine, ModeAssertion)
}
