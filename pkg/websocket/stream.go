package websocket

import v1 "github.com/solarbus/solarbus/pkg/api/v1"

// WelcomePayload opens every stream. ResumeFromSeq is the cursor the server
// replays from; everything after it arrives in commit order.
type WelcomePayload struct {
	ProjectID     string `json:"project_id"`
	Identity      string `json:"identity"`
	Consumer      string `json:"consumer"`
	ResumeFromSeq int64  `json:"resume_from_seq"`
}

// DeliverPayload carries one committed envelope. Seq mirrors the envelope's
// commit sequence so clients can ack without unpacking the envelope.
type DeliverPayload struct {
	Seq      int64        `json:"seq"`
	Envelope *v1.Envelope `json:"envelope"`
}

// AckPayload advances the client's durable cursor to Seq. A replayed or
// reordered ack below the cursor is ignored.
type AckPayload struct {
	Seq int64 `json:"seq"`
}
