package common

// HTTP header names used by the transfer clients.
const (
	AuthorizationHeaderName = "Authorization"
	UserAgentHeaderName     = "User-Agent"
	AttachmentIDHeaderName  = "X-Attachment-Id"
)

// UserAgent identifies this client on every outbound request.
const UserAgent = "attachkit/1.0"
