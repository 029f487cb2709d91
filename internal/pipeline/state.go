package pipeline

// State is the position of one asset in the pipeline.
type State string

const (
	StateIdle           State = "idle"
	StateFetching       State = "fetching"
	StateExtracting     State = "extracting"
	StateStoringAsset   State = "storing-asset"
	StateStoringSidecar State = "storing-sidecar"
	StateCleaningUp     State = "cleaning-up"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// activity is the progress text shown while an asset is in s.
func (s State) activity(name string) string {
	switch s {
	case StateFetching:
		return "Downloading " + name
	case StateExtracting:
		return "Extracting metadata for " + name
	case StateStoringAsset:
		return "Uploading " + name
	case StateStoringSidecar:
		return "Uploading metadata for " + name
	case StateCleaningUp:
		return "Cleaning up " + name
	default:
		return ""
	}
}
