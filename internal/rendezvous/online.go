package rendezvous

// PresenceSource answers whether a given peer id is currently online,
// backed by whatever tracks active Connections (internal/connection.Server
// in this repo).
type PresenceSource interface {
	IsOnline(id string) bool
}

// HandleOnlineRequest answers a batch presence query in one round-trip, per
// spec.md §4.2: the response bit-packs one bit per requested id, in the
// same order they were asked.
func HandleOnlineRequest(src PresenceSource, req OnlineRequest) OnlineResponse {
	online := make([]bool, len(req.Peers))
	for i, id := range req.Peers {
		online[i] = src.IsOnline(id)
	}
	return OnlineResponse{States: PackOnlineStates(online)}
}
