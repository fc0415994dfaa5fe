package version

// Build information (injected via ldflags - must NOT have default values)
var (
	Version   string
	GitSHA    string
	BuildDate string
)

// FWRevision is the revision string carried in the alive broadcast
// (UAxxxB<volt>VREV:<revision>). Kept short: the whole broadcast has to
// fit a single acoustic packet payload.
const FWRevision = "gw-2.0"
