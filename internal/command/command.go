// Package command canonicalizes raw transport input into validated
// Command values. All three protocol adapters feed through this
// package, so argument bounds and the error taxonomy apply uniformly:
// UNKNOWN_COMMAND means the verb itself was not recognized,
// MISSING_ARGUMENT means a required argument was absent, and
// INVALID_PARAMS means the verb was fine but an argument was not.
package command

import (
	"math"

	"github.com/agentmesh/worldgate/pkg/types"
)

// Verb is the closed set of canonical actions.
type Verb string

const (
	VerbSpeak        Verb = "speak"
	VerbMove         Verb = "move"
	VerbFace         Verb = "face"
	VerbWho          Verb = "who"
	VerbPing         Verb = "ping"
	VerbDespawn      Verb = "despawn"
	VerbListAvatars  Verb = "listAvatars"
	VerbUploadAvatar Verb = "uploadAvatar"
)

// Command is a validated canonical action. Construct via the New*
// constructors or the parsers; zero values are not meaningful.
type Command struct {
	Verb Verb

	// speak
	Text string

	// move / face
	Direction string

	// move
	DurationMs int

	// face: Yaw set for explicit yaw, ClearFacing for null/auto.
	Yaw         *float64
	ClearFacing bool

	// uploadAvatar
	Data     []byte
	Filename string
}

// Limits are the configured validation bounds.
type Limits struct {
	SpeakMaxLen    int
	MoveDefaultMs  int
	MoveMaxMs      int
	UploadMaxBytes int64
}

// DefaultLimits returns the gateway defaults.
func DefaultLimits() Limits {
	return Limits{
		SpeakMaxLen:    500,
		MoveDefaultMs:  1000,
		MoveMaxMs:      10000,
		UploadMaxBytes: 25 << 20,
	}
}

var moveDirections = map[string]bool{
	"forward":  true,
	"backward": true,
	"left":     true,
	"right":    true,
	"jump":     true,
}

var faceDirections = map[string]bool{
	"forward":  true,
	"backward": true,
	"left":     true,
	"right":    true,
}

// Interpreter validates raw input against its configured limits.
type Interpreter struct {
	limits Limits
}

// NewInterpreter creates an Interpreter. Zero limit fields fall back
// to the defaults.
func NewInterpreter(limits Limits) *Interpreter {
	def := DefaultLimits()
	if limits.SpeakMaxLen <= 0 {
		limits.SpeakMaxLen = def.SpeakMaxLen
	}
	if limits.MoveDefaultMs <= 0 {
		limits.MoveDefaultMs = def.MoveDefaultMs
	}
	if limits.MoveMaxMs <= 0 {
		limits.MoveMaxMs = def.MoveMaxMs
	}
	if limits.UploadMaxBytes <= 0 {
		limits.UploadMaxBytes = def.UploadMaxBytes
	}
	return &Interpreter{limits: limits}
}

// Limits returns the interpreter's bounds.
func (it *Interpreter) Limits() Limits { return it.limits }

// NewSpeak validates chat text. Text is trimmed before the length
// check; empty text is a missing argument, not an unknown command.
func (it *Interpreter) NewSpeak(text string) (Command, error) {
	trimmed := trim(text)
	if trimmed == "" {
		return Command{}, types.Errf(types.ErrCodeMissingArgument, "speak requires non-empty text")
	}
	if n := len([]rune(trimmed)); n > it.limits.SpeakMaxLen {
		return Command{}, types.Errf(types.ErrCodeInvalidParams,
			"speak text is %d characters, maximum is %d", n, it.limits.SpeakMaxLen)
	}
	return Command{Verb: VerbSpeak, Text: trimmed}, nil
}

// NewMove validates a movement. durationMs < 0 means "not supplied"
// and selects the default; zero and out-of-range values are rejected
// outright rather than silently replaced.
func (it *Interpreter) NewMove(direction string, durationMs int) (Command, error) {
	if direction == "" {
		return Command{}, types.Errf(types.ErrCodeMissingArgument, "move requires a direction")
	}
	if !moveDirections[direction] {
		return Command{}, types.Errf(types.ErrCodeInvalidParams,
			"move direction %q is not one of forward, backward, left, right, jump", direction)
	}
	if durationMs < 0 {
		durationMs = it.limits.MoveDefaultMs
	} else if durationMs == 0 || durationMs > it.limits.MoveMaxMs {
		return Command{}, types.Errf(types.ErrCodeInvalidParams,
			"move duration must be between 1 and %d milliseconds", it.limits.MoveMaxMs)
	}
	return Command{Verb: VerbMove, Direction: direction, DurationMs: durationMs}, nil
}

// NewFaceDirection validates facing toward a fixed direction.
func (it *Interpreter) NewFaceDirection(direction string) (Command, error) {
	if !faceDirections[direction] {
		return Command{}, types.Errf(types.ErrCodeInvalidParams,
			"face direction %q is not one of forward, backward, left, right", direction)
	}
	return Command{Verb: VerbFace, Direction: direction}, nil
}

// NewFaceYaw validates an explicit yaw in radians, normalized into
// [0, 2π) before storage.
func (it *Interpreter) NewFaceYaw(yaw float64) (Command, error) {
	if math.IsNaN(yaw) || math.IsInf(yaw, 0) {
		return Command{}, types.Errf(types.ErrCodeInvalidParams, "face yaw must be a finite number")
	}
	normalized := math.Mod(yaw, 2*math.Pi)
	if normalized < 0 {
		normalized += 2 * math.Pi
	}
	return Command{Verb: VerbFace, Yaw: &normalized}, nil
}

// NewFaceClear reverts to movement-direction auto-facing.
func (it *Interpreter) NewFaceClear() Command {
	return Command{Verb: VerbFace, ClearFacing: true}
}

// NewWho builds the session-listing query.
func (it *Interpreter) NewWho() Command { return Command{Verb: VerbWho} }

// NewPing builds a keepalive probe.
func (it *Interpreter) NewPing() Command { return Command{Verb: VerbPing} }

// NewDespawn builds a session teardown request.
func (it *Interpreter) NewDespawn() Command { return Command{Verb: VerbDespawn} }

// NewListAvatars builds an avatar library query.
func (it *Interpreter) NewListAvatars() Command { return Command{Verb: VerbListAvatars} }

// NewUploadAvatar validates an avatar upload against the size cap.
func (it *Interpreter) NewUploadAvatar(data []byte, filename string) (Command, error) {
	if len(data) == 0 {
		return Command{}, types.Errf(types.ErrCodeMissingArgument, "uploadAvatar requires a payload")
	}
	if int64(len(data)) > it.limits.UploadMaxBytes {
		return Command{}, types.Errf(types.ErrCodeInvalidParams,
			"avatar is %d bytes, maximum is %d", len(data), it.limits.UploadMaxBytes)
	}
	return Command{Verb: VerbUploadAvatar, Data: data, Filename: filename}, nil
}
