// Package locator resolves user-supplied resource references (bare ids or
// share URLs) into canonical resource ids.
package locator

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/telhawk-systems/tablesync/internal/models"
)

// Resource ids are fixed-length alphanumeric with - and _ separators.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{44}$`)

// Accepted URL path shape: /resources/d/<id>[/...]
var pathPattern = regexp.MustCompile(`^/resources/d/([A-Za-z0-9_-]{44})(/.*)?$`)

// Locator turns references into canonical resource ids. It is stateless
// and side-effect-free.
type Locator struct {
	defaultID string
}

// New creates a Locator. defaultID is the ambient resource that empty
// references resolve to.
func New(defaultID string) *Locator {
	return &Locator{defaultID: defaultID}
}

// Resolve returns the canonical resource id for ref. An empty ref resolves
// to the default resource. A URL is matched against the two accepted path
// shapes; anything else must be a well-formed bare id.
func (l *Locator) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return l.defaultID, nil
	}

	if strings.Contains(ref, "://") {
		u, err := url.Parse(ref)
		if err != nil {
			return "", &models.ValidationError{Field: "resource", Reason: "malformed resource URL"}
		}

		// Shape 1: /resources/d/<id>/...
		if m := pathPattern.FindStringSubmatch(u.Path); m != nil {
			return m[1], nil
		}

		// Shape 2: /open?id=<id>
		if u.Path == "/open" {
			id := u.Query().Get("id")
			if idPattern.MatchString(id) {
				return id, nil
			}
		}

		return "", &models.ValidationError{Field: "resource", Reason: "URL does not match an accepted resource path"}
	}

	if !idPattern.MatchString(ref) {
		return "", &models.ValidationError{Field: "resource", Reason: "malformed resource id"}
	}
	return ref, nil
}
