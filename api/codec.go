package api

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Encode renders an envelope as a single JSON document.
func Encode(e Envelope) ([]byte, error) {
	if strings.TrimSpace(string(e.Cmd)) == "" {
		return nil, fmt.Errorf("api: encode: missing command")
	}
	return json.Marshal(e)
}

// Decode parses a JSON document into an envelope. Unknown commands are
// not an error here; receivers answer them with CmdUnknown.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("api: decode: %w", err)
	}
	if strings.TrimSpace(string(e.Cmd)) == "" {
		return Envelope{}, fmt.Errorf("api: decode: missing command")
	}
	return e, nil
}

// Known reports whether cmd is part of the protocol vocabulary.
func Known(cmd Command) bool {
	switch cmd {
	case CmdLock, CmdLockEntering, CmdLockEntered, CmdLockExiting,
		CmdLocked, CmdLockFailed, CmdUnlock, CmdUnlocked,
		CmdLockReady, CmdNoLock,
		CmdClusterStatus, CmdClusterUp, CmdClusterDown,
		CmdRegister, CmdReady, CmdUnknown:
		return true
	}
	return false
}
