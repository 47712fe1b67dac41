package protocol

import (
	"encoding/json"
	"fmt"
)

// Command is a validated client request
type Command interface {
	// Request returns the envelope the command arrived in
	Request() Envelope
}

// RollbackCommand asks for the workspace to be reset to a commit
type RollbackCommand struct {
	Envelope   Envelope
	CommitHash string
}

// PauseCommand asks the agent to stop starting new batches
type PauseCommand struct {
	Envelope Envelope
}

// ResumeCommand clears a pause
type ResumeCommand struct {
	Envelope Envelope
}

// BranchCommand asks for a new timeline rooted at a commit
type BranchCommand struct {
	Envelope        Envelope
	Name            string
	FromCommitHash  string
	ParentSessionID string
}

func (c RollbackCommand) Request() Envelope { return c.Envelope }
func (c PauseCommand) Request() Envelope    { return c.Envelope }
func (c ResumeCommand) Request() Envelope   { return c.Envelope }
func (c BranchCommand) Request() Envelope   { return c.Envelope }

// Decode parses and validates a raw control message. Any failure is a
// *ValidationError carrying whatever ids could be read.
func Decode(data []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		// salvage the ids so the rejection can still be correlated
		var ids struct {
			EventID       string `json:"eventId"`
			EventType     string `json:"eventType"`
			CorrelationID string `json:"correlationId"`
		}
		_ = json.Unmarshal(data, &ids)
		return nil, &ValidationError{
			EventID:       ids.EventID,
			EventType:     ids.EventType,
			CorrelationID: ids.CorrelationID,
			Reason:        "malformed JSON",
			Err:           err,
		}
	}
	return DecodeEnvelope(env)
}

// DecodeEnvelope validates an envelope and its payload and returns the
// matching command
func DecodeEnvelope(env Envelope) (Command, error) {
	fail := func(reason string, err error) (Command, error) {
		return nil, &ValidationError{
			EventID:       env.EventID,
			EventType:     env.EventType,
			CorrelationID: env.CorrelationID,
			Reason:        reason,
			Err:           err,
		}
	}

	if err := validate.Struct(env); err != nil {
		return fail(describe(err), err)
	}

	switch env.EventType {
	case TypeRollbackRequested:
		var p RollbackRequested
		if err := decodePayload(env, &p); err != nil {
			return fail(describe(err), err)
		}
		return RollbackCommand{Envelope: env, CommitHash: p.CommitHash}, nil

	case TypePauseRequested:
		return PauseCommand{Envelope: env}, nil

	case TypeResumeRequested:
		return ResumeCommand{Envelope: env}, nil

	case TypeBranchRequested:
		var p BranchRequested
		if err := decodePayload(env, &p); err != nil {
			return fail(describe(err), err)
		}
		return BranchCommand{
			Envelope:        env,
			Name:            p.Name,
			FromCommitHash:  p.FromCommitHash,
			ParentSessionID: p.ParentSessionID,
		}, nil
	}

	return fail(fmt.Sprintf("unsupported event type %q", env.EventType), nil)
}

func decodePayload(env Envelope, v interface{}) error {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	return validate.Struct(v)
}
