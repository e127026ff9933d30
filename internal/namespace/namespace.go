// Package namespace identifies the scope a change capture task watches: a single
// collection, a whole database, or the entire deployment. A Namespace is immutable
// once a watcher has been opened against it.
package namespace

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Namespace identifies a logical collection scope. An empty Collection widens the
// scope to the whole database; an empty Database widens it to the deployment.
type Namespace struct {
	Database   string
	Collection string
}

// New returns a collection-scoped namespace.
func New(database, collection string) Namespace {
	return Namespace{Database: database, Collection: collection}
}

// Deployment is the whole-deployment scope.
func Deployment() Namespace {
	return Namespace{}
}

// IsDeployment reports whether the namespace covers the entire deployment.
func (n Namespace) IsDeployment() bool {
	return n.Database == ""
}

// IsDatabase reports whether the namespace covers a whole database.
func (n Namespace) IsDatabase() bool {
	return n.Database != "" && n.Collection == ""
}

// IsCollection reports whether the namespace names a single collection.
func (n Namespace) IsCollection() bool {
	return n.Database != "" && n.Collection != ""
}

// Parent returns the next broader scope: collection -> database -> deployment.
// The deployment scope is its own parent.
func (n Namespace) Parent() Namespace {
	switch {
	case n.IsCollection():
		return Namespace{Database: n.Database}
	default:
		return Deployment()
	}
}

// Contains reports whether ns falls inside this scope.
func (n Namespace) Contains(ns Namespace) bool {
	if n.IsDeployment() {
		return true
	}
	if n.Database != ns.Database {
		return false
	}
	if n.IsDatabase() {
		return true
	}
	return n.Collection == ns.Collection
}

func (n Namespace) String() string {
	switch {
	case n.IsDeployment():
		return "*"
	case n.IsDatabase():
		return n.Database
	default:
		return n.Database + "." + n.Collection
	}
}

// Matcher selects namespaces for the snapshot phase. A zero Matcher accepts
// everything inside the watched scope.
type Matcher struct {
	pattern *regexp.Regexp
}

// NewMatcher compiles an optional regular expression matched against the
// "db.coll" rendering of a namespace.
func NewMatcher(expr string) (*Matcher, error) {
	if strings.TrimSpace(expr) == "" {
		return &Matcher{}, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid namespace pattern %q: %w", expr, err)
	}
	return &Matcher{pattern: re}, nil
}

// Match reports whether the namespace qualifies.
func (m *Matcher) Match(ns Namespace) bool {
	if m == nil || m.pattern == nil {
		return true
	}
	return m.pattern.MatchString(ns.String())
}

// ParseQualified splits a "db.coll" string into a Namespace. The collection part
// may itself contain dots.
func ParseQualified(s string) (Namespace, error) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Namespace{}, errors.New("namespace must be of the form db.collection")
	}
	return Namespace{Database: parts[0], Collection: parts[1]}, nil
}
