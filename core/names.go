package core

const (
	// DefaultScopeName is the name of the scope that always exists.
	DefaultScopeName = "_default"
	// DefaultCollectionName is the name of the collection created with every
	// database inside the default scope.
	DefaultCollectionName = "_default"

	// MaxNameLength bounds scope and collection names.
	MaxNameLength = 251
)

// ValidName reports whether name satisfies the scope/collection naming rule:
// 1 to 251 characters from [A-Za-z0-9_%-], not starting with '_' or '%'.
// The reserved default names fail this check on purpose; they are only
// reachable through the default identity.
func ValidName(name string) bool {
	if len(name) == 0 || len(name) > MaxNameLength {
		return false
	}
	if name[0] == '_' || name[0] == '%' {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_', c == '-', c == '%':
		default:
			return false
		}
	}
	return true
}

// ValidScopeName is ValidName plus the default scope name.
func ValidScopeName(name string) bool {
	return name == DefaultScopeName || ValidName(name)
}

// IsDefaultCollection reports whether (name, scope) is the default identity.
func IsDefaultCollection(name, scope string) bool {
	return name == DefaultCollectionName && scope == DefaultScopeName
}
