// Package models defines the core domain types for Pulse.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ResourceType identifies a remote resource collection.
type ResourceType string

const (
	ResourceInsight    ResourceType = "insight"
	ResourceDataSource ResourceType = "data_source"
	ResourcePreference ResourceType = "preference"
)

// ResourceTypes returns every resource type the sync engine knows about.
func ResourceTypes() []ResourceType {
	return []ResourceType{ResourceInsight, ResourceDataSource, ResourcePreference}
}

// Valid reports whether rt is a known resource type.
func (rt ResourceType) Valid() bool {
	switch rt {
	case ResourceInsight, ResourceDataSource, ResourcePreference:
		return true
	}
	return false
}

// Path returns the REST collection name for the resource type.
func (rt ResourceType) Path() string {
	switch rt {
	case ResourceInsight:
		return "insights"
	case ResourceDataSource:
		return "data-sources"
	case ResourcePreference:
		return "preferences"
	}
	return ""
}

// ParseResourceType accepts either the type name or its collection path.
func ParseResourceType(s string) (ResourceType, error) {
	for _, rt := range ResourceTypes() {
		if s == string(rt) || s == rt.Path() {
			return rt, nil
		}
	}
	return "", fmt.Errorf("unknown resource type %q", s)
}

// OperationKind is the closed set of mutation kinds.
type OperationKind string

const (
	OpAdd    OperationKind = "add"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
	OpCustom OperationKind = "custom"
)

// Operation is a mutation kind plus, for custom operations, its name.
type Operation struct {
	Kind OperationKind `json:"kind"`
	Name string        `json:"name,omitempty"`
}

// Add, Update, Delete and Custom build operations.
func Add() Operation               { return Operation{Kind: OpAdd} }
func Update() Operation            { return Operation{Kind: OpUpdate} }
func Delete() Operation            { return Operation{Kind: OpDelete} }
func Custom(name string) Operation { return Operation{Kind: OpCustom, Name: name} }

// Validate checks that the operation is well formed.
func (o Operation) Validate() error {
	switch o.Kind {
	case OpAdd, OpUpdate, OpDelete:
		if o.Name != "" {
			return fmt.Errorf("operation %s takes no name", o.Kind)
		}
		return nil
	case OpCustom:
		if o.Name == "" {
			return fmt.Errorf("custom operation requires a name")
		}
		return nil
	}
	return fmt.Errorf("unknown operation kind %q", o.Kind)
}

func (o Operation) String() string {
	if o.Kind == OpCustom {
		return "custom:" + o.Name
	}
	return string(o.Kind)
}

// PendingAction is a locally initiated mutation waiting to reach the remote API.
// Actions are never mutated in place; Attempts and LastError are bookkeeping.
type PendingAction struct {
	ID           string          `json:"id"`
	ResourceType ResourceType    `json:"resource_type"`
	Operation    Operation       `json:"operation"`
	TargetID     string          `json:"target_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	Attempts     int             `json:"attempts"`
	LastError    string          `json:"last_error,omitempty"`
}

// Validate checks the action before it is written to the log.
func (a *PendingAction) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("action id is required")
	}
	if !a.ResourceType.Valid() {
		return fmt.Errorf("unknown resource type %q", a.ResourceType)
	}
	if err := a.Operation.Validate(); err != nil {
		return err
	}
	if a.TargetID == "" && (a.Operation.Kind == OpUpdate || a.Operation.Kind == OpDelete) {
		return fmt.Errorf("%s requires a target id", a.Operation.Kind)
	}
	if len(a.Payload) > 0 && !json.Valid(a.Payload) {
		return fmt.Errorf("payload is not valid json")
	}
	return nil
}

// OrderingKey returns the key under which actions must be applied in order.
// An add without a target is cached under its own id, so later actions on
// that entity target the action id and share its key.
func (a *PendingAction) OrderingKey() string {
	if a.TargetID == "" {
		return string(a.ResourceType) + "/" + a.ID
	}
	return string(a.ResourceType) + "/" + a.TargetID
}

// DeadLetter is an action abandoned after a non-retryable rejection.
type DeadLetter struct {
	Action         PendingAction `json:"action"`
	Reason         string        `json:"reason"`
	DeadLetteredAt time.Time     `json:"dead_lettered_at"`
}

// CachedEntity mirrors one remote resource.
type CachedEntity struct {
	ResourceType ResourceType    `json:"resource_type"`
	ID           string          `json:"id"`
	Data         json.RawMessage `json:"data"`
	LastSyncedAt time.Time       `json:"last_synced_at"`
}

// ConnectionStatus is the state of an external source connection.
type ConnectionStatus string

const (
	ConnectionUnconnected      ConnectionStatus = "unconnected"
	ConnectionAwaitingCallback ConnectionStatus = "awaiting_callback"
	ConnectionConnected        ConnectionStatus = "connected"
	ConnectionNeedsRefresh     ConnectionStatus = "needs_refresh"
	ConnectionFailed           ConnectionStatus = "failed"
)

// Credential holds the tokens for one connection.
type Credential struct {
	AccessToken  string     `json:"-"`
	RefreshToken string     `json:"-"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Empty reports whether the credential carries no tokens.
func (c Credential) Empty() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// ExpiresWithin reports whether the credential expires before now+d.
// Credentials without an expiry never expire.
func (c Credential) ExpiresWithin(now time.Time, d time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return !now.Add(d).Before(*c.ExpiresAt)
}

// ConnectionRecord is the local record of one connected external source.
type ConnectionRecord struct {
	SourceID     string           `json:"source_id"`
	ProviderType string           `json:"provider_type"`
	AccountID    string           `json:"account_id,omitempty"`
	DisplayName  string           `json:"display_name,omitempty"`
	Credential   Credential       `json:"credential"`
	Scopes       []string         `json:"scopes,omitempty"`
	Status       ConnectionStatus `json:"status"`
	ConnectedAt  time.Time        `json:"connected_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// ConnectionClass is the kind of link the device is on.
type ConnectionClass string

const (
	ClassNone     ConnectionClass = "none"
	ClassWifi     ConnectionClass = "wifi"
	ClassEthernet ConnectionClass = "ethernet"
	ClassCellular ConnectionClass = "cellular"
	ClassUnknown  ConnectionClass = "unknown"
)

// NetworkState is the last observed reachability. It is never persisted.
type NetworkState struct {
	IsConnected     bool            `json:"is_connected"`
	ConnectionClass ConnectionClass `json:"connection_class"`
}

// SyncResult aggregates one drain pass.
type SyncResult struct {
	Synced       int  `json:"synced"`
	Failed       int  `json:"failed"`
	DeadLettered int  `json:"dead_lettered"`
	Skipped      bool `json:"skipped,omitempty"`
}

// JournalEntry records a sync decision for audit.
type JournalEntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	SubjectID  string    `json:"subject_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
