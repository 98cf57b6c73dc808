package models

// Endpoint is a nearby device as reported by the transport.
type Endpoint struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
