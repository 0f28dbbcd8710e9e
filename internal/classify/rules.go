package classify

// FakeHash is the placeholder hash candidates use before the real source
// hash is known.
const FakeHash = "sha256-AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

// Rules holds the signature patterns the classifier matches against. All
// pattern fields are Go regular expressions applied in multi-line mode.
type Rules struct {
	PlaceholderHashes []string `yaml:"placeholder_hashes" toml:"placeholder_hashes"`
	HashMismatch      []string `yaml:"hash_mismatch" toml:"hash_mismatch"`
	InvalidHash       []string `yaml:"invalid_hash" toml:"invalid_hash"`
	Syntax            []string `yaml:"syntax" toml:"syntax"`
	BuildPhase        []string `yaml:"build_phase" toml:"build_phase"`
	// DependencyBuild patterns match unconditionally.
	DependencyBuild []string `yaml:"dependency_build" toml:"dependency_build"`
	// BuilderFailure patterns capture the failing derivation's name in group
	// 1; a failure is attributed to a dependency when that name does not
	// contain the session's subject.
	BuilderFailure    []string `yaml:"builder_failure" toml:"builder_failure"`
	MissingDependency []string `yaml:"missing_dependency" toml:"missing_dependency"`
	GlueMarkers       []string `yaml:"glue_markers" toml:"glue_markers"`

	Broken BrokenThresholds `yaml:"broken" toml:"broken"`
}

// BrokenThresholds tunes the garbled-output heuristics.
type BrokenThresholds struct {
	ControlDensity       float64 `yaml:"control_density" toml:"control_density"`
	MinControlChars      int     `yaml:"min_control_chars" toml:"min_control_chars"`
	MinGluedLines        int     `yaml:"min_glued_lines" toml:"min_glued_lines"`
	GluedFraction        float64 `yaml:"glued_fraction" toml:"glued_fraction"`
	MinCounterInversions int     `yaml:"min_counter_inversions" toml:"min_counter_inversions"`
}

// DefaultRules returns rules tuned for nix-build output.
func DefaultRules() Rules {
	return Rules{
		PlaceholderHashes: []string{FakeHash, "lib.fakeHash", "sha256-0000000000000000000000000000000000000000000="},
		HashMismatch: []string{
			`hash mismatch in fixed-output derivation`,
			`(?i)specified:\s+sha256`,
		},
		InvalidHash: []string{
			`invalid SRI hash`,
			`error: hash '[^']*' has wrong length`,
		},
		Syntax: []string{
			`error: syntax error`,
			`unexpected end of file`,
			`error: attribute '[^']*' already defined`,
			`error: (value|expression) is an? .* while a .* was expected`,
		},
		BuildPhase: []string{
			`^building '/nix/store/`,
			`^Running phase: `,
			`^unpacking sources`,
			`^these \d+ derivations will be built`,
			`^this derivation will be built`,
		},
		DependencyBuild: []string{
			`error: \d+ dependencies of derivation '[^']*' failed to build`,
			`error: Cannot build '[^']*'\.\s*Reason: \d+ dependency failed`,
		},
		BuilderFailure: []string{
			`error: builder for '/nix/store/[a-z0-9]{32}-([^']*)\.drv' failed`,
		},
		MissingDependency: []string{
			`error: undefined variable '[^']*'`,
			`ModuleNotFoundError: No module named`,
			`No module named '`,
			`fatal error: [^:\n]+: No such file or directory`,
			`: command not found`,
			`No package '[^']*' found`,
			`Package '?[^ ]*'? was not found in the pkg-config search path`,
			`Could not find a package configuration file`,
			`cannot find -l\S+`,
			`undefined reference to `,
			`cannot find package `,
			`could not find .* in (the )?registry`,
			`Could NOT find \S+`,
			`ERROR: Could not find a version that satisfies the requirement`,
		},
		GlueMarkers: []string{
			"error:",
			"warning:",
			"checking for ",
			"building '",
			"Running phase: ",
		},
		Broken: BrokenThresholds{
			ControlDensity:       0.02,
			MinControlChars:      8,
			MinGluedLines:        3,
			GluedFraction:        0.05,
			MinCounterInversions: 3,
		},
	}
}

// Merge returns r with every empty field filled from DefaultRules.
func (r Rules) Merge() Rules {
	d := DefaultRules()
	if len(r.PlaceholderHashes) == 0 {
		r.PlaceholderHashes = d.PlaceholderHashes
	}
	if len(r.HashMismatch) == 0 {
		r.HashMismatch = d.HashMismatch
	}
	if len(r.InvalidHash) == 0 {
		r.InvalidHash = d.InvalidHash
	}
	if len(r.Syntax) == 0 {
		r.Syntax = d.Syntax
	}
	if len(r.BuildPhase) == 0 {
		r.BuildPhase = d.BuildPhase
	}
	if len(r.DependencyBuild) == 0 {
		r.DependencyBuild = d.DependencyBuild
	}
	if len(r.BuilderFailure) == 0 {
		r.BuilderFailure = d.BuilderFailure
	}
	if len(r.MissingDependency) == 0 {
		r.MissingDependency = d.MissingDependency
	}
	if len(r.GlueMarkers) == 0 {
		r.GlueMarkers = d.GlueMarkers
	}
	if r.Broken.ControlDensity <= 0 {
		r.Broken.ControlDensity = d.Broken.ControlDensity
	}
	if r.Broken.MinControlChars <= 0 {
		r.Broken.MinControlChars = d.Broken.MinControlChars
	}
	if r.Broken.MinGluedLines <= 0 {
		r.Broken.MinGluedLines = d.Broken.MinGluedLines
	}
	if r.Broken.GluedFraction <= 0 {
		r.Broken.GluedFraction = d.Broken.GluedFraction
	}
	if r.Broken.MinCounterInversions <= 0 {
		r.Broken.MinCounterInversions = d.Broken.MinCounterInversions
	}
	return r
}
