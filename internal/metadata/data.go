package metadata

/*
	ErrorCause is a closed, canonical classification used exclusively for
	observability (logging, metrics, reporting).

	Rules:
	 - ErrorCause must never be used to derive install, fallback, or claim decisions.
	 - Packages MAY map their local errors to ErrorCause,
	   but MUST NOT invent new meanings.

If a failure does not clearly match a defined cause, CauseUnknown MUST be used.
*/
type ErrorCause int

/*
Canonical ErrorCause Table

# CauseUnknown
  - The failure does not map cleanly to any known category.

# CauseNetworkFailure
  - Transport failure or remote unavailability (DNS, connection reset,
    offline). Recovered at fetch time by the offline fallback.

# CauseContentInvalid
  - A response arrived but cannot be cached (non-2xx asset, undecodable
    stored entry).

# CauseStorageFailure
  - Cache storage could not be read or written (disk full, sqlite error).

# CauseInvariantViolation
  - A lifecycle event arrived in a state that cannot accept it, or a
    required resource (offline fallback) is missing.
*/
const (
	CauseUnknown ErrorCause = iota
	CauseNetworkFailure
	CauseContentInvalid
	CauseStorageFailure
	CauseInvariantViolation
)

func (c ErrorCause) String() string {
	switch c {
	case CauseNetworkFailure:
		return "network_failure"
	case CauseContentInvalid:
		return "content_invalid"
	case CauseStorageFailure:
		return "storage_failure"
	case CauseInvariantViolation:
		return "invariant_violation"
	default:
		return "unknown"
	}
}

// ServeSource tells where a fetch event's response came from.
type ServeSource string

const (
	SourceCache    ServeSource = "cache"
	SourceNetwork  ServeSource = "network"
	SourceFallback ServeSource = "fallback"
	SourceNone     ServeSource = "none"
)

// LifecyclePhase names the host-dispatched phases plus registration.
type LifecyclePhase string

const (
	PhaseRegister LifecyclePhase = "register"
	PhaseInstall  LifecyclePhase = "install"
	PhaseActivate LifecyclePhase = "activate"
)

type ArtifactKind string

const (
	ArtifactEntry  ArtifactKind = "entry"
	ArtifactBucket ArtifactKind = "bucket"
)

type Attribute struct {
	Key   AttributeKey
	Value string
}

func NewAttr(key AttributeKey, val string) Attribute {
	return Attribute{
		Key:   key,
		Value: val,
	}
}

type AttributeKey string

const (
	AttrURL        AttributeKey = "url"
	AttrBucket     AttributeKey = "bucket"
	AttrVersion    AttributeKey = "version"
	AttrAssetURL   AttributeKey = "asset_url"
	AttrAssetCount AttributeKey = "asset_count"
	AttrHTTPStatus AttributeKey = "http_status"
	AttrWritePath  AttributeKey = "write_path"
	AttrMessage    AttributeKey = "message"
)
