// Package engine talks to the external trading engine over a versioned
// command/response protocol.
package engine

// ProtocolVersion is sent with every request. Responses that declare a newer
// version are treated as transport failures.
const ProtocolVersion = 1

// Command enumerates the closed engine vocabulary.
type Command string

const (
	CmdConnect     Command = "CONNECT"
	CmdDisconnect  Command = "DISCONNECT"
	CmdAccountInfo Command = "ACCOUNT_INFO"
	CmdMarketData  Command = "MARKET_DATA"
	CmdPositions   Command = "POSITIONS"
	CmdTrade       Command = "TRADE"
	CmdClose       Command = "CLOSE"
	CmdModify      Command = "MODIFY"
	CmdStreamStart Command = "STREAM_START"
	CmdStreamStop  Command = "STREAM_STOP"
	CmdStartAuto   Command = "START_AUTO"
	CmdStopAuto    Command = "STOP_AUTO"
)

var payloadFields = map[Command]string{
	CmdConnect:     "accountInfo",
	CmdDisconnect:  "",
	CmdAccountInfo: "accountInfo",
	CmdMarketData:  "data",
	CmdPositions:   "positions",
	CmdTrade:       "trade",
	CmdClose:       "result",
	CmdModify:      "result",
	CmdStreamStart: "",
	CmdStreamStop:  "",
	CmdStartAuto:   "",
	CmdStopAuto:    "",
}

// Valid reports whether c belongs to the vocabulary.
func (c Command) Valid() bool {
	_, ok := payloadFields[c]
	return ok
}

// PayloadField is the response field carrying the command's payload, or "".
func (c Command) PayloadField() string {
	return payloadFields[c]
}

// Request is the wire form of one engine invocation.
type Request struct {
	Version int      `json:"version"`
	Command Command  `json:"command"`
	Args    []string `json:"args"`
}
