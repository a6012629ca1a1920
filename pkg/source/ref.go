package source

import (
	"strings"

	rerrors "github.com/agentpkg/npmresolver/pkg/errors"
)

// Prefix marks a source as belonging to this resolver.
const Prefix = "npm:"

// Ref is a parsed source string: npm:<name>=<target>.
type Ref struct {
	Name   string
	Target string
}

// String renders r back into source form.
func (r Ref) String() string {
	if r.Target == "" {
		return Prefix + r.Name
	}
	return Prefix + r.Name + "=" + r.Target
}

// Match reports whether source is handled by this resolver.
func Match(source string) bool {
	return strings.HasPrefix(source, Prefix)
}

// ParseRef strips the prefix and splits the rest on the first "=". A source
// without "=" has an empty target.
func ParseRef(source string) (Ref, error) {
	if !Match(source) {
		return Ref{}, rerrors.New(rerrors.CodeInvalidSource, "source %q does not start with %s", source, Prefix)
	}

	name, target, _ := strings.Cut(strings.TrimPrefix(source, Prefix), "=")
	if name == "" {
		return Ref{}, rerrors.New(rerrors.CodeInvalidSource, "source %q has no package name", source)
	}
	return Ref{Name: name, Target: target}, nil
}
