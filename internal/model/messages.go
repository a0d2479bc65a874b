package model

const (
	MessageSubscribe   = "subscribe"
	MessageUnsubscribe = "unsubscribe"
	MessageProgress    = "progress"
	MessageError       = "error"
)

// ClientMessage is sent by observers over the progress channel.
type ClientMessage struct {
	Type       string `json:"type"`
	ResourceID string `json:"resourceId"`
}

type ProgressMessage struct {
	Type       string  `json:"type"`
	ResourceID string  `json:"resourceId"`
	Progress   int     `json:"progress"`
	Status     string  `json:"status"`
	Phase      *string `json:"phase"`
	Timestamp  int64   `json:"timestamp"`
}

type ErrorMessage struct {
	Type       string `json:"type"`
	ResourceID string `json:"resourceId"`
	Error      string `json:"error"`
	Timestamp  int64  `json:"timestamp"`
}

func NewProgressMessage(rec ProgressRecord) ProgressMessage {
	msg := ProgressMessage{
		Type:       MessageProgress,
		ResourceID: rec.ResourceID,
		Progress:   rec.Progress,
		Status:     rec.Status,
		Timestamp:  rec.Timestamp,
	}
	if rec.Phase != "" {
		phase := rec.Phase
		msg.Phase = &phase
	}
	return msg
}

func NewErrorMessage(rec ProgressRecord) ErrorMessage {
	return ErrorMessage{
		Type:       MessageError,
		ResourceID: rec.ResourceID,
		Error:      rec.Error,
		Timestamp:  rec.Timestamp,
	}
}
