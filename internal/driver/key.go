package driver

import (
	"fmt"
	"strings"
)

// ReferenceModeProtocol is the protocol of composite reference-mode keys.
const ReferenceModeProtocol = "reference-mode"

// Key is a storage key of the form protocol://location.
type Key struct {
	Protocol string
	Location string
}

// ParseKey parses protocol://location. Both parts must be non-empty.
func ParseKey(s string) (Key, error) {
	protocol, location, ok := strings.Cut(s, "://")
	if !ok || protocol == "" || location == "" {
		return Key{}, &ConfigError{Code: ErrCodeBadKey, Message: "expected protocol://location", Key: s}
	}
	return Key{Protocol: protocol, Location: location}, nil
}

// MustParseKey is like ParseKey but panics on error.
// Use only in tests or with constant keys.
func MustParseKey(s string) Key {
	k, err := ParseKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

// String returns protocol://location.
func (k Key) String() string {
	return k.Protocol + "://" + k.Location
}

// Child returns a key under k, e.g. volatile://people/e1.
func (k Key) Child(component string) Key {
	return Key{Protocol: k.Protocol, Location: strings.TrimSuffix(k.Location, "/") + "/" + component}
}

// ReferenceModeKey composes the backing key for full entities and the
// container key for references.
type ReferenceModeKey struct {
	Backing   Key
	Container Key
}

// Key returns the composite key. Each component is wrapped in braces, with
// literal braces doubled:
//
//	reference-mode://{volatile://people}{volatile://friends}
func (r ReferenceModeKey) Key() Key {
	return Key{
		Protocol: ReferenceModeProtocol,
		Location: "{" + escapeBraces(r.Backing.String()) + "}{" + escapeBraces(r.Container.String()) + "}",
	}
}

// String returns the composite key string.
func (r ReferenceModeKey) String() string {
	return r.Key().String()
}

// ParseReferenceModeKey parses a reference-mode key.
func ParseReferenceModeKey(k Key) (ReferenceModeKey, error) {
	bad := func(msg string) error {
		return &ConfigError{Code: ErrCodeBadKey, Message: msg, Key: k.String()}
	}
	if k.Protocol != ReferenceModeProtocol {
		return ReferenceModeKey{}, bad("not a reference-mode key")
	}
	backing, rest, err := readBraced(k.Location)
	if err != nil {
		return ReferenceModeKey{}, bad(fmt.Sprintf("backing component: %v", err))
	}
	container, rest, err := readBraced(rest)
	if err != nil {
		return ReferenceModeKey{}, bad(fmt.Sprintf("container component: %v", err))
	}
	if rest != "" {
		return ReferenceModeKey{}, bad("trailing data after container component")
	}
	bk, err := ParseKey(backing)
	if err != nil {
		return ReferenceModeKey{}, err
	}
	ck, err := ParseKey(container)
	if err != nil {
		return ReferenceModeKey{}, err
	}
	return ReferenceModeKey{Backing: bk, Container: ck}, nil
}

func escapeBraces(s string) string {
	return strings.NewReplacer("{", "{{", "}", "}}").Replace(s)
}

// readBraced reads one {component} from the front of s, undoing brace
// doubling, and returns the remainder.
func readBraced(s string) (string, string, error) {
	if !strings.HasPrefix(s, "{") {
		return "", "", fmt.Errorf("expected '{'")
	}
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '{':
			if i+1 < len(s) && s[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			return "", "", fmt.Errorf("unescaped '{' at %d", i)
		case '}':
			if i+1 < len(s) && s[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return b.String(), s[i+1:], nil
		default:
			b.WriteByte(s[i])
		}
	}
	return "", "", fmt.Errorf("missing closing '}'")
}
