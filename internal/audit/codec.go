package audit

import "encoding/json"

// encodeForPublish best-effort serializes an event for the NATS
// side-channel. A marshal failure here must never block audit logging,
// so errors degrade to an empty payload rather than propagating.
func encodeForPublish(ev Event) []byte {
	data, err := json.Marshal(ev)
	if err != nil {
		return []byte("{}")
	}
	return data
}
