package middleware

import (
	"net/http"

	goStepAuth "github.com/MrEthical07/goStepAuth"
)

// RequireSession guards a route with a live session token. Revocation
// through InvalidateSession is observed on the next request.
func RequireSession(engine *goStepAuth.Engine) func(http.Handler) http.Handler {
	return Guard(engine, ModeSession)
}
