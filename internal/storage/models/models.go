package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("record version conflict")
	ErrConstraint      = errors.New("record constraint violation")
)

type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "pending"
	DocumentProcessing DocumentStatus = "processing"
	DocumentCompleted  DocumentStatus = "completed"
	DocumentFailed     DocumentStatus = "failed"
)

func (s DocumentStatus) Terminal() bool {
	return s == DocumentCompleted || s == DocumentFailed
}

type StageState string

const (
	StageNotStarted StageState = "not_started"
	StageRunning    StageState = "running"
	StageWaiting    StageState = "waiting"
	StageRetrying   StageState = "retrying"
	StageCompleted  StageState = "completed"
	StageFailed     StageState = "failed"
)

type StageStatus struct {
	State        StageState `json:"state"`
	AttemptCount int        `json:"attempt_count"`
	LastError    string     `json:"last_error,omitempty"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	// Generation the stage last completed in; its artifacts live there.
	Generation int64 `json:"generation,omitempty"`
}

// Document is the unit of pipeline progress. StageStatus is keyed by stage name;
// a missing entry means not started. Version guards every write, Generation
// advances on reset.
type Document struct {
	ID          uuid.UUID
	ProjectID   uuid.UUID
	SourceRef   string
	Status      DocumentStatus
	StageStatus map[string]StageStatus
	Generation  int64
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (d *Document) Stage(name string) StageStatus {
	if st, ok := d.StageStatus[name]; ok {
		return st
	}
	return StageStatus{State: StageNotStarted}
}

func (d *Document) SetStage(name string, st StageStatus) {
	if d.StageStatus == nil {
		d.StageStatus = make(map[string]StageStatus)
	}
	d.StageStatus[name] = st
}

func (d *Document) Clone() *Document {
	c := *d
	c.StageStatus = make(map[string]StageStatus, len(d.StageStatus))
	for k, v := range d.StageStatus {
		c.StageStatus[k] = v
	}
	return &c
}

type ExtractedText struct {
	DocumentID  uuid.UUID
	Generation  int64
	Text        string
	PageCount   int
	Fingerprint string
	CreatedAt   time.Time
}

type Chunk struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	Generation int64
	Ordinal    int
	Start      int
	End        int
	Text       string
	CreatedAt  time.Time
}

type EntityType string

const (
	EntityPerson       EntityType = "PERSON"
	EntityOrganization EntityType = "ORG"
	EntityLocation     EntityType = "LOCATION"
	EntityDate         EntityType = "DATE"
)

func ParseEntityType(s string) (EntityType, bool) {
	switch s {
	case "PERSON", "Person", "person", "PER":
		return EntityPerson, true
	case "ORG", "Organization", "ORGANIZATION", "organization", "org":
		return EntityOrganization, true
	case "LOCATION", "Location", "location", "LOC", "GPE":
		return EntityLocation, true
	case "DATE", "Date", "date":
		return EntityDate, true
	}
	return "", false
}

type EntityMention struct {
	ID          uuid.UUID
	ChunkID     uuid.UUID
	DocumentID  uuid.UUID
	Generation  int64
	Start       int
	End         int
	Text        string
	Type        EntityType
	Confidence  float64
	CanonicalID *uuid.UUID
	CreatedAt   time.Time
}

type CanonicalEntity struct {
	ID           uuid.UUID
	DocumentID   uuid.UUID
	Generation   int64
	Name         string
	Type         EntityType
	MentionCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type ArtifactKind string

const (
	ArtifactProject   ArtifactKind = "project"
	ArtifactDocument  ArtifactKind = "document"
	ArtifactChunk     ArtifactKind = "chunk"
	ArtifactMention   ArtifactKind = "mention"
	ArtifactCanonical ArtifactKind = "canonical_entity"
)

type RelationshipKind string

const (
	RelDocumentInProject RelationshipKind = "DOCUMENT_IN_PROJECT"
	RelChunkOfDocument   RelationshipKind = "CHUNK_OF_DOCUMENT"
	RelMentionInChunk    RelationshipKind = "MENTION_IN_CHUNK"
	RelMentionOfEntity   RelationshipKind = "MENTION_OF_ENTITY"
)

type Relationship struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	Generation int64
	Kind       RelationshipKind
	SourceKind ArtifactKind
	SourceID   uuid.UUID
	TargetKind ArtifactKind
	TargetID   uuid.UUID
	CreatedAt  time.Time
}

type JobState string

const (
	JobPending   JobState = "pending"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// JobHandle tracks one in-flight external job for a (document, stage, generation).
type JobHandle struct {
	DocumentID    uuid.UUID
	Stage         string
	Generation    int64
	ExternalJobID string
	SubmittedAt   time.Time
	PollCount     int
	LastState     JobState
	LastPolledAt  *time.Time
	Abandoned     bool
}
