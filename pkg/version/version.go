package version

// Version is the current application version.
// This is a var (not const) so it can be overridden at build time via:
//
//	go build -ldflags "-X github.com/PORTALSURFER/sempal-sub005/pkg/version.Version=v1.2.3"
var Version = "v0.5.0"

// AnalysisVersion tags the current feature/embedding extraction algorithms.
// Samples whose stored analysis_version differs are reprocessed even when
// their content hash is unchanged. Bump this whenever extraction output
// changes shape or meaning.
const AnalysisVersion = "a3"
