package forward

// Wire payloads for RFC 4254 §7.1/§7.2 global requests and the
// forwarded-tcpip channel, mirrored from the server-side marshaling in
// _examples/NadeemAfana-tunnel/types.go (remoteForwardRequest,
// remoteForwardSuccess, remoteForwardCancelRequest,
// remoteForwardChannelData) for the client side of the same protocol.

const (
	forwardTCPRequestType       = "tcpip-forward"
	cancelForwardTCPRequestType = "cancel-tcpip-forward"
	forwardedTCPChannelType     = "forwarded-tcpip"
)

type tcpipForwardRequest struct {
	BindAddr string
	BindPort uint32
}

type tcpipForwardReply struct {
	BoundPort uint32
}

type cancelTCPIPForwardRequest struct {
	BindAddr string
	BindPort uint32
}

type forwardedTCPPayload struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}
