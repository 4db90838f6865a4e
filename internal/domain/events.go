package domain

// Socket event names.
const (
	EventWelcome             = "welcome"
	EventAuthenticateRequest = "authenticate_request"
	EventAuthenticateResult  = "authenticate_result"
	EventDisconnect          = "disconnect"
)

// Values carried by authenticate_result.
const (
	AuthSuccess = "success"
	AuthFail    = "fail"
)
