package health

import "github.com/breeze-rmm/trafficmap/internal/stream"

// ComponentStream is the check name used for the event stream link.
const ComponentStream = "stream"

// StreamListener returns a stream.StateListener that mirrors link state into
// m. A Closed link is Degraded while a retry is expected; once the link has
// been shut down it is Unhealthy. shuttingDown runs under the link's lock and
// must not call back into the Link. The component is seeded as Connecting,
// the state every Link starts in, so it is reported before the first
// transition.
func StreamListener(m *Monitor, shuttingDown func() bool) stream.StateListener {
	status, msg := StreamStatus(stream.StateConnecting, false)
	m.Update(ComponentStream, status, msg)
	return func(_, to stream.State) {
		status, msg := StreamStatus(to, shuttingDown != nil && shuttingDown())
		m.Update(ComponentStream, status, msg)
	}
}

// StreamStatus maps a link state to a health status.
func StreamStatus(s stream.State, shuttingDown bool) (Status, string) {
	switch s {
	case stream.StateOpen:
		return Healthy, ""
	case stream.StateConnecting:
		return Degraded, "connecting"
	case stream.StateReconnectPending:
		return Degraded, "disconnected, retrying"
	case stream.StateClosed:
		if shuttingDown {
			return Unhealthy, "stopped"
		}
		return Degraded, "disconnected, retrying"
	default:
		return Unknown, s.String()
	}
}
