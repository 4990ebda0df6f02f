// Package domain defines the entities shared by the turn router and the
// session lifecycle manager.
package domain

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// TurnState is a state of the turn router state machine.
type TurnState string

const (
	StateStart            TurnState = "start"
	StateSessionResolved  TurnState = "session_resolved"
	StateClassified       TurnState = "classified"
	StateDispatched       TurnState = "dispatched"
	StateResponseComposed TurnState = "response_composed"
	StatePersisted        TurnState = "persisted"
	StateDone             TurnState = "done"
	StateErrored          TurnState = "errored"
)

// Terminal reports whether no transition leaves s.
func (s TurnState) Terminal() bool {
	return s == StateDone || s == StateErrored
}

// RoutingSource records which path produced a routing decision.
type RoutingSource string

const (
	SourceOracle    RoutingSource = "oracle"
	SourceDirect    RoutingSource = "direct"
	SourceHeuristic RoutingSource = "heuristic"
)

// EventType represents the type of a streamed turn event.
type EventType string

const (
	EventTypeStart    EventType = "start"
	EventTypeToken    EventType = "token"
	EventTypeContent  EventType = "content"
	EventTypeComplete EventType = "complete"
	EventTypeError    EventType = "error"
	EventTypeEnd      EventType = "end"
)

// Metadata keys written on assistant messages and turn results.
const (
	MetaCapability         = "capability"
	MetaConfidence         = "confidence"
	MetaIsFallback         = "is_fallback"
	MetaRoutingSource      = "routing_source"
	MetaFallbackFrom       = "fallback_from"
	MetaError              = "error"
	MetaPersistenceWarning = "persistence_warning"
	MetaPolicyDecision     = "policy_decision"
	MetaRouteHistory       = "route_history"
)
