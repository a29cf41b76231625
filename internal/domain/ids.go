// Package domain contains entity without logic, just meta-data
package domain

import "github.com/google/uuid"

// ClientID identifies one signaling connection. Stable for the
// connection's lifetime, never reused.
type ClientID string

// TransportID identifies a media transport owned by exactly one client.
type TransportID string

// ProducerID identifies a media source bound to a transport.
type ProducerID string

// ConsumerID identifies a media sink bound to a transport.
type ConsumerID string

func NewClientID() ClientID       { return ClientID(uuid.NewString()) }
func NewTransportID() TransportID { return TransportID(uuid.NewString()) }
func NewProducerID() ProducerID   { return ProducerID(uuid.NewString()) }
func NewConsumerID() ConsumerID   { return ConsumerID(uuid.NewString()) }
