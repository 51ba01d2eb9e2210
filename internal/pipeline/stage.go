package pipeline

import (
	"fmt"
)

// Stage is the closed set of pipeline steps, in execution order.
type Stage int

const (
	StageIntake Stage = iota + 1
	StageExtraction
	StageChunking
	StageEntityExtraction
	StageEntityResolution
	StageRelationshipBuilding
	StageFinalized
)

var stageOrder = []Stage{
	StageIntake,
	StageExtraction,
	StageChunking,
	StageEntityExtraction,
	StageEntityResolution,
	StageRelationshipBuilding,
	StageFinalized,
}

func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

func (s Stage) String() string {
	switch s {
	case StageIntake:
		return "intake"
	case StageExtraction:
		return "extraction"
	case StageChunking:
		return "chunking"
	case StageEntityExtraction:
		return "entity_extraction"
	case StageEntityResolution:
		return "entity_resolution"
	case StageRelationshipBuilding:
		return "relationship_building"
	case StageFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

func (s Stage) Valid() bool {
	return s >= StageIntake && s <= StageFinalized
}

func ParseStage(name string) (Stage, error) {
	for _, s := range stageOrder {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

// Next returns the stage that follows s, or false for the last stage.
func (s Stage) Next() (Stage, bool) {
	if !s.Valid() || s == StageFinalized {
		return 0, false
	}
	return s + 1, true
}

// Previous returns the stage before s, or false for intake.
func (s Stage) Previous() (Stage, bool) {
	if !s.Valid() || s == StageIntake {
		return 0, false
	}
	return s - 1, true
}

// Downstream returns s followed by every later stage.
func (s Stage) Downstream() []Stage {
	if !s.Valid() {
		return nil
	}
	return Stages()[int(s)-1:]
}

func (s Stage) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid stage %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(b []byte) error {
	parsed, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
