package command

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/agentmesh/worldgate/pkg/types"
)

func trim(s string) string { return strings.TrimSpace(s) }

// rawAction is the JSON action shape shared by the REST and socket
// adapters. RawMessage fields let explicit null be told apart from an
// absent key, which matters for face.
type rawAction struct {
	Action    string          `json:"action"`
	Text      string          `json:"text"`
	Direction string          `json:"direction"`
	Duration  json.RawMessage `json:"duration"`
	Yaw       json.RawMessage `json:"yaw"`
}

// ParseAction canonicalizes one JSON action document.
func (it *Interpreter) ParseAction(raw []byte) (Command, error) {
	var act rawAction
	if err := json.Unmarshal(raw, &act); err != nil {
		return Command{}, types.Errf(types.ErrCodeInvalidParams, "malformed action JSON: %v", err)
	}
	return it.parseAction(act)
}

func (it *Interpreter) parseAction(act rawAction) (Command, error) {
	switch act.Action {
	case "speak", "say":
		return it.NewSpeak(act.Text)

	case "move":
		duration := -1
		if len(act.Duration) > 0 && string(act.Duration) != "null" {
			var n float64
			if err := json.Unmarshal(act.Duration, &n); err != nil || n != float64(int(n)) {
				return Command{}, types.Errf(types.ErrCodeInvalidParams,
					"move duration must be an integer number of milliseconds")
			}
			duration = int(n)
			if duration < 0 {
				return Command{}, types.Errf(types.ErrCodeInvalidParams,
					"move duration must be positive")
			}
			if duration == 0 {
				// Distinguish explicit zero from "not supplied".
				return Command{}, types.Errf(types.ErrCodeInvalidParams,
					"move duration must be between 1 and %d milliseconds", it.limits.MoveMaxMs)
			}
		}
		return it.NewMove(act.Direction, duration)

	case "face", "look":
		if act.Direction != "" {
			return it.NewFaceDirection(act.Direction)
		}
		if len(act.Yaw) > 0 && string(act.Yaw) != "null" {
			var yaw float64
			if err := json.Unmarshal(act.Yaw, &yaw); err != nil {
				return Command{}, types.Errf(types.ErrCodeInvalidParams, "face yaw must be a number")
			}
			return it.NewFaceYaw(yaw)
		}
		// No direction and a null or absent yaw: revert to auto-facing.
		return it.NewFaceClear(), nil

	case "who":
		return it.NewWho(), nil
	case "ping":
		return it.NewPing(), nil
	case "despawn":
		return it.NewDespawn(), nil
	case "listAvatars", "list_avatars":
		return it.NewListAvatars(), nil

	case "":
		return Command{}, types.Errf(types.ErrCodeMissingArgument, "action is required")
	default:
		return Command{}, types.Errf(types.ErrCodeUnknownCommand, "unknown action %q", act.Action)
	}
}

// ParseNamed canonicalizes an action whose verb arrives out of band,
// as on the socket adapter where the envelope type names the action
// and the envelope data carries its arguments.
func (it *Interpreter) ParseNamed(action string, raw []byte) (Command, error) {
	var act rawAction
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &act); err != nil {
			return Command{}, types.Errf(types.ErrCodeInvalidParams, "malformed action data: %v", err)
		}
	}
	act.Action = action
	return it.parseAction(act)
}

// ParseLine canonicalizes one plaintext command line.
func (it *Interpreter) ParseLine(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, types.Errf(types.ErrCodeMissingArgument, "empty command line")
	}

	verb := strings.ToLower(fields[0])
	args := fields[1:]

	switch verb {
	case "say", "speak":
		rest := trim(strings.TrimPrefix(trim(line), fields[0]))
		return it.NewSpeak(rest)

	case "move":
		if len(args) == 0 {
			return Command{}, types.Errf(types.ErrCodeMissingArgument, "move requires a direction")
		}
		duration := -1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return Command{}, types.Errf(types.ErrCodeInvalidParams,
					"move duration %q is not a number", args[1])
			}
			if n <= 0 || n > it.limits.MoveMaxMs {
				return Command{}, types.Errf(types.ErrCodeInvalidParams,
					"move duration must be between 1 and %d milliseconds", it.limits.MoveMaxMs)
			}
			duration = n
		}
		if len(args) > 2 {
			return Command{}, types.Errf(types.ErrCodeInvalidParams, "move takes at most two arguments")
		}
		return it.NewMove(strings.ToLower(args[0]), duration)

	case "face", "look":
		if len(args) == 0 {
			return Command{}, types.Errf(types.ErrCodeMissingArgument,
				"face requires a direction, a yaw, or auto")
		}
		arg := strings.ToLower(args[0])
		switch {
		case arg == "auto" || arg == "null" || arg == "none":
			return it.NewFaceClear(), nil
		case faceDirections[arg]:
			return it.NewFaceDirection(arg)
		default:
			deg := false
			num := arg
			if strings.HasSuffix(num, "deg") {
				deg = true
				num = strings.TrimSuffix(num, "deg")
			}
			yaw, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return Command{}, types.Errf(types.ErrCodeInvalidParams,
					"face argument %q is neither a direction nor a yaw", args[0])
			}
			if deg {
				yaw = yaw * math.Pi / 180
			}
			return it.NewFaceYaw(yaw)
		}

	case "who":
		return it.noArgs(it.NewWho(), "who", args)
	case "ping":
		return it.noArgs(it.NewPing(), "ping", args)
	case "despawn", "quit", "leave":
		return it.noArgs(it.NewDespawn(), verb, args)
	case "avatars":
		return it.noArgs(it.NewListAvatars(), "avatars", args)

	default:
		return Command{}, types.Errf(types.ErrCodeUnknownCommand, "unknown command %q", fields[0])
	}
}

func (it *Interpreter) noArgs(cmd Command, verb string, args []string) (Command, error) {
	if len(args) > 0 {
		return Command{}, types.Errf(types.ErrCodeInvalidParams, "%s takes no arguments", verb)
	}
	return cmd, nil
}

// SplitScript breaks a plaintext body into command lines, dropping
// blank lines. The returned lines keep their input order.
func SplitScript(body string) []string {
	var lines []string
	for _, line := range strings.Split(body, "\n") {
		if trim(line) == "" {
			continue
		}
		lines = append(lines, trim(line))
	}
	return lines
}
