package snapshot

// Version constants for the snapshot wire format.
const (
	// FormatVersion is the snapshot document version written by Encode.
	FormatVersion = "1.0"

	// EngineVersion is the merge engine version recorded in snapshot headers.
	EngineVersion = "0.3.0"
)

// supportedVersions lists the document versions Decode accepts.
var supportedVersions = map[string]bool{
	"1.0": true,
}
