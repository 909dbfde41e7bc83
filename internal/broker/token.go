package broker

import "context"

// StaticTokenSource hands back a fixed bearer token, refreshed only when the
// operator rotates it via settings and the process restarts. A full OAuth
// exchange is out of scope for a paper-trading feed that never places real
// orders upstream.
type StaticTokenSource struct {
	token string
}

// NewStaticTokenSource builds a TokenSource over a pre-issued access token.
func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

// Token satisfies TokenSource.
func (s *StaticTokenSource) Token(ctx context.Context) (string, error) {
	return s.token, nil
}
