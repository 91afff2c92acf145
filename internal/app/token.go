package app

import (
	"errors"
	"fmt"
	"io"
	"time"

	"tranche-ledger/internal/api"
)

// Token signs an API bearer token with the configured secret.
func (a *App) Token(opts TokenOptions, out io.Writer) error {
	if a.Config.API.JWTSecret == "" {
		return errors.New("api.jwt_secret not configured; caller tokens are disabled")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = a.Config.API.TokenTTL
	}
	var scopes []string
	if opts.Admin {
		scopes = append(scopes, api.ScopeAdmin)
	}

	now := time.Now()
	tok, err := api.IssueToken(a.Config.API.JWTSecret, a.Config.API.JWTIssuer, opts.Subject, scopes, ttl, now)
	if err != nil {
		return err
	}
	a.Logger.Info().Str("subject", opts.Subject).Bool("admin", opts.Admin).Time("expires", now.Add(ttl)).Msg("token issued")
	_, err = fmt.Fprintln(out, tok)
	return err
}
