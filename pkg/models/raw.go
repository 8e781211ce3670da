package models

// RawRecord is a decoded JSON object as returned by an external service.
type RawRecord map[string]any
