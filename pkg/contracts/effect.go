package contracts

// EffectType is one member of the closed side-effect taxonomy.
type EffectType string

const (
	EffectFilesystemRead     EffectType = "filesystem.read"
	EffectFilesystemWrite    EffectType = "filesystem.write"
	EffectFilesystemDelete   EffectType = "filesystem.delete"
	EffectFilesystemMetadata EffectType = "filesystem.metadata"
	EffectNetworkEgress      EffectType = "network.egress"
	EffectNetworkDNS         EffectType = "network.dns"
	EffectNetworkIngress     EffectType = "network.ingress"
	EffectProcessSpawn       EffectType = "process.spawn"
	EffectProcessKill        EffectType = "process.kill"
	EffectProcessSignal      EffectType = "process.signal"
)

// EffectCategory groups effect types.
type EffectCategory string

const (
	CategoryFilesystem EffectCategory = "filesystem"
	CategoryNetwork    EffectCategory = "network"
	CategoryProcess    EffectCategory = "process"
)

// Category returns the group an effect type belongs to. Unknown types
// map to an empty category.
func (t EffectType) Category() EffectCategory {
	switch t {
	case EffectFilesystemRead, EffectFilesystemWrite, EffectFilesystemDelete, EffectFilesystemMetadata:
		return CategoryFilesystem
	case EffectNetworkEgress, EffectNetworkDNS, EffectNetworkIngress:
		return CategoryNetwork
	case EffectProcessSpawn, EffectProcessKill, EffectProcessSignal:
		return CategoryProcess
	}
	return ""
}

// Known reports membership in the closed taxonomy.
func (t EffectType) Known() bool { return t.Category() != "" }

// Effect is one annotated side-effect observation or prediction.
type Effect struct {
	Type     EffectType     `json:"type"`
	Target   string         `json:"target"` // path, host, or command
	Category EffectCategory `json:"category"`
	Tool     string         `json:"tool"`
	StepID   string         `json:"step_id"`
}

// NewEffect builds an Effect with the category derived from the type.
func NewEffect(t EffectType, target, tool, stepID string) Effect {
	return Effect{Type: t, Target: target, Category: t.Category(), Tool: tool, StepID: stepID}
}
