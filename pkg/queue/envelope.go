package queue

import (
	"bytes"
	"encoding/json"
)

// envelope is a pub/sub fan-out wrapper whose Message field holds the real
// payload as a JSON string. Forwarders do not always set Type, so the topic
// and message fields alone identify it.
type envelope struct {
	TopicArn string  `json:"TopicArn"`
	Message  *string `json:"Message"`
}

// UnwrapEnvelope strips one level of notification envelope. Bodies that are
// not an envelope are returned unchanged.
func UnwrapEnvelope(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return body
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return body
	}
	if env.TopicArn == "" || env.Message == nil {
		return body
	}
	return []byte(*env.Message)
}
