// Package noop accepts every request as the anonymous identity. It
// anchors the chain in open deployments where rate limiting still needs
// a subject to bucket by.
package noop

import (
	"context"
	"net/http"

	"github.com/datachat-dev/datachat/pkg/auth"
)

// Authenticator votes Yes on everything.
type Authenticator struct{}

func (a *Authenticator) Authenticate(_ context.Context, _ *http.Request) auth.Result {
	return auth.Result{Decision: auth.Yes, Identity: auth.Anonymous()}
}
