package frames

// Meta keys shared by producers and consumers of frames.
const (
	MetaSessionID = "session_id"
	MetaSource    = "source"
	MetaProvider  = "provider"
	MetaRequestID = "request_id"
	MetaMIMEType  = "mime_type"
	MetaTurn      = "turn"
)

// Meta source values.
const (
	SourceClient  = "client"
	SourceBackend = "backend"
)
