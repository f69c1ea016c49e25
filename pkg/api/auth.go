package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/passportd/passportd/pkg/engine"
)

type contextKey int

const userKey contextKey = iota

// UserFromContext returns the authenticated caller, or nil.
func UserFromContext(ctx context.Context) *engine.User {
	user, _ := ctx.Value(userKey).(*engine.User)
	return user
}

// WithUser attaches user to ctx.
func WithUser(ctx context.Context, user *engine.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// authenticate builds the caller from the gateway headers.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username := strings.TrimSpace(r.Header.Get(s.opts.UserHeader))
		if username == "" {
			writeError(w, s.logger, engine.NewUnauthenticatedError("missing "+s.opts.UserHeader+" header", nil))
			return
		}

		user := &engine.User{
			Username:           username,
			RuleSet:            splitRules(r.Header.Get(s.opts.RulesHeader)),
			AssociatedEmployee: strings.TrimSpace(r.Header.Get(s.opts.EmployeeHeader)),
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// authorize returns middleware that checks the caller may perform action.
func (s *server) authorize(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.deps.Authorizer != nil {
				user := UserFromContext(r.Context())
				if err := s.deps.Authorizer.Authorize(r.Context(), user, action); err != nil {
					writeError(w, s.logger, err)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// actorEmployee resolves the employee bound to the caller. Unknown or
// missing hashes yield nil.
func (s *server) actorEmployee(ctx context.Context, user *engine.User) (*engine.Employee, error) {
	if user == nil || user.AssociatedEmployee == "" || s.deps.Employees == nil {
		return nil, nil
	}
	return s.deps.Employees.Get(ctx, user.AssociatedEmployee)
}

func splitRules(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	rules := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			rules = append(rules, p)
		}
	}
	return rules
}

func actorName(ctx context.Context) string {
	if user := UserFromContext(ctx); user != nil {
		return user.Username
	}
	return "unknown"
}
