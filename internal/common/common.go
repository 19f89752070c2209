package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey       = "X-API-Key" // #nosec G101 - header name constant, not a credential
	HeaderPrefer       = "Prefer"
	PreferRespondAsync = "respond-async"
	ContentTypeJSON    = "application/json"
)

// API paths
const (
	PathHealthz = "/healthz"
	PathMetrics = "/metrics"
	PathImages  = "/v1/images"
	PathJobs    = "/v1/jobs"
	PathBatches = "/v1/batches"
)

// Defaults and limits
const (
	DefaultSampleCount  = 1
	MaxSampleCount      = 4
	MaxListLimit        = 100
	SQLiteBusyTimeoutMS = 5000
)

// Tool identifiers
const (
	ToolGenerate  = "generate"
	ToolEdit      = "edit"
	ToolTransform = "transform"
)

// Image formats
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
	FormatWebP = "webp"
)

// MIME types
const (
	MimeImagePNG  = "image/png"
	MimeImageJPEG = "image/jpeg"
)

// Subdirectory names
const (
	OutputsDirName = "outputs"
)
