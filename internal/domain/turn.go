package domain

import (
	"time"
)

// Stage labels which part of the protocol a turn belongs to.
type Stage string

const (
	// StageIntake marks the turn that carried the validated intake form.
	StageIntake Stage = "intake"
	// StageConversation marks every turn after the gate.
	StageConversation Stage = "conversation"
)

// TurnRecord is an archived, completed turn.
type TurnRecord struct {
	// InstanceID identifies the controller that produced the turn. Session
	// keys are reused after eviction or a restart; instance ids are not.
	InstanceID       string
	SessionKey       string
	Epoch            int
	Seq              int
	Stage            Stage
	ConditionCode    string
	UserContent      string
	AssistantContent string
	Fragments        int
	Model            string
	Temperature      float64
	CreatedAt        time.Time
}

// IntakeArchive is the archived intake form together with the persona the
// session was assigned.
type IntakeArchive struct {
	InstanceID    string
	SessionKey    string
	Epoch         int
	ConditionCode string
	Record        IntakeRecord
	PersonaName   string
	Humanity      string
	CreatedAt     time.Time
}
