package model

import "time"

// ── Operation ────────────────────────────────────────────────

// OperationType is the closed set of cloud-initiated operation kinds.
type OperationType string

const (
	OpSoftwareList   OperationType = "software_list"
	OpSoftwareUpdate OperationType = "software_update"
	OpRestart        OperationType = "restart"
	OpLogUpload      OperationType = "log_upload"
	OpConfigSnapshot OperationType = "config_snapshot"
	OpConfigUpdate   OperationType = "config_update"
	OpFirmwareUpdate OperationType = "firmware_update"
	OpDeviceProfile  OperationType = "device_profile"
	OpCustom         OperationType = "custom"
)

// Status is an operation's lifecycle state. Transitions must follow
// {init,scheduled} -> executing* -> {successful, failed}; see
// operations.Registry for the enforcement of that invariant.
type Status string

const (
	StatusInit       Status = "init"
	StatusScheduled  Status = "scheduled"
	StatusExecuting  Status = "executing"
	StatusSuccessful Status = "successful"
	StatusFailed     Status = "failed"
	StatusUnknown    Status = "unknown"
)

// IsTerminal reports whether s is a terminal status.
func (s Status) IsTerminal() bool {
	return s == StatusSuccessful || s == StatusFailed
}

// Key identifies an operation uniquely on the device for the child-device
// coordinator (C8): at most one outstanding operation per key at a time.
type Key struct {
	ChildID string        // "" for the main device
	Type    OperationType
	Subtype string // config/log type name, or "" when not applicable
}

// Operation is a long-lived unit of work initiated by the cloud.
type Operation struct {
	Type      OperationType
	CmdID     string
	Target    EntityID
	Status    Status
	Reason    string // set iff Status == StatusFailed
	Result    string // optional free-form result parameter on success
	CloudOpID string // numeric operation id from the 504/505/506 request family, if any

	// Payload fields, operation-type specific; not all are set for every Type.
	ConfigType   string
	LogType      string
	TedgeURL     string
	RemoteURL    string
	DateFrom     time.Time
	DateTo       time.Time
	SearchText   string
	MaxLines     int
	Version      string
	Module       string

	CreatedAt time.Time
}

// Key returns the child-device operation key for op.
func (op Operation) Key() Key {
	subtype := op.ConfigType
	if subtype == "" {
		subtype = op.LogType
	}
	return Key{ChildID: op.Target.ChildID(), Type: op.Type, Subtype: subtype}
}
