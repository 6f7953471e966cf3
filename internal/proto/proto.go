// Package proto defines the JSON payloads carried inside framed packets and
// the parser for player command lines. Frame types and crypto live in
// internal/wire; this package is only about payload shape.
package proto

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Payload type tags. Every server-to-client payload carries one in its
// "type" field.
const (
	TypePrompt   = "prompt"
	TypeShot     = "shot"
	TypeGrid     = "grid"
	TypeOppGrid  = "oppgrid"
	TypeInfo     = "info"
	TypeErr      = "err"
	TypeEnd      = "end"
	TypeChat     = "chat"
	TypeSnapshot = "snapshot"
	TypeCmd      = "cmd"
)

// Error codes used in Err payloads.
const (
	CodeBadCommand     = "bad_command"
	CodeBadCoordinate  = "bad_coordinate"
	CodeNotYourTurn    = "not_your_turn"
	CodeSpectator      = "spectator"
	CodeDuplicateToken = "duplicate_token"
	CodeServerFull     = "server_full"
)

// End outcomes and causes. Win outcomes are seat-qualified ("A_win",
// "B_win") so one broadcast payload serves both players and spectators.
const (
	OutcomeAbandoned = "abandoned"
	CauseSunk        = "fleet_sunk"
	CauseConcession  = "concession"
	CauseTimeout     = "timeout"
	CauseDisconnect  = "disconnect"
	CauseAbandoned   = "abandoned"
	CauseServerClose = "server_shutdown"
)

// Cmd is the inbound wrapper for a raw player command line.
type Cmd struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Prompt tells the player it is their turn to act.
type Prompt struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Shot reports a resolved shot to both players and spectators.
type Shot struct {
	Type   string `json:"type"`
	Coord  string `json:"coord"`
	Result string `json:"result"`
	Sunk   string `json:"sunk,omitempty"`
	By     string `json:"by,omitempty"` // seat A or B, for spectators
}

// Grid carries the recipient's own board, ships revealed.
type Grid struct {
	Type string   `json:"type"`
	Rows []string `json:"rows"`
}

// OppGrid carries the recipient's view of the opponent's board.
type OppGrid struct {
	Type string   `json:"type"`
	Rows []string `json:"rows"`
}

// Info is a free-text status line.
type Info struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Err is a recoverable protocol-level error message.
type Err struct {
	Type string `json:"type"`
	Code string `json:"code"`
	Text string `json:"text,omitempty"`
}

// End terminates a match from the recipient's perspective.
type End struct {
	Type    string `json:"type"`
	Outcome string `json:"outcome"`
	Cause   string `json:"cause,omitempty"`
}

// Chat is a relayed chat line. It travels on CHAT frames, everything else
// on GAME frames.
type Chat struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Msg  string `json:"msg"`
}

// Snapshot is the periodic dual-board digest sent to spectators.
type Snapshot struct {
	Type string   `json:"type"`
	A    []string `json:"a"`
	B    []string `json:"b"`
	Turn string   `json:"turn"`
}

func NewPrompt(text string) Prompt     { return Prompt{Type: TypePrompt, Text: text} }
func NewInfo(text string) Info         { return Info{Type: TypeInfo, Text: text} }
func NewErr(code, text string) Err     { return Err{Type: TypeErr, Code: code, Text: text} }
func NewGrid(rows []string) Grid       { return Grid{Type: TypeGrid, Rows: rows} }
func NewOppGrid(rows []string) OppGrid { return OppGrid{Type: TypeOppGrid, Rows: rows} }

func NewShot(coord, result, sunk, by string) Shot {
	return Shot{Type: TypeShot, Coord: coord, Result: result, Sunk: sunk, By: by}
}

func NewEnd(outcome, cause string) End {
	return End{Type: TypeEnd, Outcome: outcome, Cause: cause}
}

// WinOutcome builds the seat-qualified win outcome for seat "A" or "B".
func WinOutcome(seat string) string {
	return seat + "_win"
}

func NewChat(name, msg string) Chat {
	return Chat{Type: TypeChat, Name: name, Msg: msg}
}

func NewSnapshot(a, b []string, turn string) Snapshot {
	return Snapshot{Type: TypeSnapshot, A: a, B: b, Turn: turn}
}

// DecodeCmd extracts the command line from an inbound GAME payload.
func DecodeCmd(payload json.RawMessage) (string, error) {
	var c Cmd
	if err := json.Unmarshal(payload, &c); err != nil {
		return "", errors.Wrap(err, "decode command payload")
	}
	if c.Type != TypeCmd {
		return "", errors.Errorf("unexpected payload type %q", c.Type)
	}
	return c.Text, nil
}

// DecodeChat extracts a chat payload from an inbound CHAT frame.
func DecodeChat(payload json.RawMessage) (Chat, error) {
	var c Chat
	if err := json.Unmarshal(payload, &c); err != nil {
		return Chat{}, errors.Wrap(err, "decode chat payload")
	}
	return c, nil
}

// CommandKind classifies a parsed player command.
type CommandKind int

const (
	CmdUnknown CommandKind = iota
	CmdFire
	CmdChat
	CmdQuit
)

// Command is the parsed form of one player input line. Coord holds the raw
// FIRE argument (validated against the board later); Text holds chat text or,
// for unknown commands, the offending line.
type Command struct {
	Kind  CommandKind
	Coord string
	Text  string
}

// ParseCommand interprets one line of player input. Verbs are
// case-insensitive; FIRE requires exactly one argument, CHAT keeps the rest
// of the line verbatim.
func ParseCommand(line string) Command {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Command{Kind: CmdUnknown, Text: line}
	}

	verb := trimmed
	rest := ""
	if i := strings.IndexAny(trimmed, " \t"); i >= 0 {
		verb, rest = trimmed[:i], strings.TrimSpace(trimmed[i+1:])
	}

	switch strings.ToUpper(verb) {
	case "FIRE":
		if rest == "" || strings.ContainsAny(rest, " \t") {
			return Command{Kind: CmdUnknown, Text: line}
		}
		return Command{Kind: CmdFire, Coord: rest}
	case "CHAT":
		return Command{Kind: CmdChat, Text: rest}
	case "QUIT":
		return Command{Kind: CmdQuit}
	default:
		return Command{Kind: CmdUnknown, Text: line}
	}
}
