package models

import (
	"encoding/json"
	"time"
)

// DomainEvent is the wire format published on backoffice.events.> after a
// successful mutation.
type DomainEvent struct {
	V        int    `msgpack:"v"`
	TS       int64  `msgpack:"ts"`
	Entity   string `msgpack:"entity"`
	Action   string `msgpack:"action"`
	EntityID string `msgpack:"entity_id"`
	Source   string `msgpack:"source"`
	Data     []byte `msgpack:"data"`
}

const (
	EntityUser         = "user"
	EntityOrganization = "organization"
	EntityMember       = "member"

	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"

	SourceAPI  = "api"
	SourceSync = "sync"
)

// NewDomainEvent builds an event carrying data encoded as JSON.
func NewDomainEvent(entity, action, entityID, source string, data interface{}) (DomainEvent, error) {
	ev := DomainEvent{
		V:        1,
		TS:       time.Now().UTC().UnixMilli(),
		Entity:   entity,
		Action:   action,
		EntityID: entityID,
		Source:   source,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return DomainEvent{}, err
		}
		ev.Data = raw
	}
	return ev, nil
}

// Subject returns the NATS subject suffix for the event, "<entity>.<action>".
func (e DomainEvent) Subject() string {
	return e.Entity + "." + e.Action
}
