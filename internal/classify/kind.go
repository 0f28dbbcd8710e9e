package classify

// Kind is the taxonomy tag assigned to a failed build's log.
type Kind string

const (
	KindNone              Kind = ""
	KindSyntax            Kind = "syntax"
	KindMissingDependency Kind = "missing_dependency"
	KindHashMismatch      Kind = "hash_mismatch"
	KindDependencyBuild   Kind = "dependency_build_failure"
	KindGeneric           Kind = "generic"
	KindBrokenOutput      Kind = "broken_output"

	// KindResponseParse tags rounds where the model produced no usable
	// manifest. It is never returned by Classify.
	KindResponseParse Kind = "response_parse"
)

// Kinds lists every kind Classify can return, in precedence order.
var Kinds = []Kind{
	KindBrokenOutput,
	KindHashMismatch,
	KindSyntax,
	KindDependencyBuild,
	KindMissingDependency,
	KindGeneric,
}

// String returns the upper-case label used in prompts and reports.
func (k Kind) String() string {
	switch k {
	case KindSyntax:
		return "SYNTAX"
	case KindMissingDependency:
		return "MISSING_DEPENDENCY"
	case KindHashMismatch:
		return "HASH_MISMATCH"
	case KindDependencyBuild:
		return "DEPENDENCY_BUILD_FAILURE"
	case KindGeneric:
		return "GENERIC"
	case KindBrokenOutput:
		return "BROKEN_OUTPUT"
	case KindResponseParse:
		return "RESPONSE_PARSE"
	}
	return "NONE"
}

// Parse maps a stored kind string back to a Kind. Unknown values map to
// KindGeneric so old records stay readable.
func Parse(s string) Kind {
	if s == "" {
		return KindNone
	}
	for _, k := range append(Kinds, KindResponseParse) {
		if string(k) == s || k.String() == s {
			return k
		}
	}
	return KindGeneric
}
