package soap

// Service identifies a UPnP service on the speaker's control port.
type Service string

const (
	ServiceAVTransport      Service = "AVTransport"
	ServiceRenderingControl Service = "RenderingControl"
)

func serviceType(service Service) string {
	return "urn:schemas-upnp-org:service:" + string(service) + ":1"
}

// Result is the closed outcome taxonomy shared by every control, discovery
// and query operation. Nothing in this package panics or leaks transport
// errors across the boundary; callers switch on the Result.
type Result string

const (
	Success       Result = "SUCCESS"
	NetworkError  Result = "NETWORK_ERROR"
	Timeout       Result = "TIMEOUT"
	InvalidDevice Result = "INVALID_DEVICE"
	SoapFault     Result = "SOAP_FAULT"
	NoMemory      Result = "NO_MEMORY"
	InvalidParam  Result = "INVALID_PARAM"
)

// OK reports whether the operation succeeded.
func (r Result) OK() bool { return r == Success }

// TrackInfo is the decoded GetPositionInfo metadata subset.
type TrackInfo struct {
	Title       string
	Artist      string
	Album       string
	AlbumArtURL string
	Duration    int // seconds
}
