// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// AgentInfo is one element of the PC_LIST JSON array.
type AgentInfo struct {
	ID       string `json:"pc_id"`
	Username string `json:"username"`
	Hostname string `json:"hostname"`
}

// AgentList builds a PC_LIST frame. An empty list is sent as
// "PC_LIST|0" without a JSON field.
func AgentList(agents []AgentInfo) (Frame, error) {
	if len(agents) == 0 {
		return New(VerbPCList, "0"), nil
	}
	encoded, err := json.Marshal(agents)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding agent list: %w", err)
	}
	return New(VerbPCList, strconv.Itoa(len(agents)), string(encoded)), nil
}

// ParseAgentList decodes a PC_LIST frame and checks that the announced
// count matches the array length.
func ParseAgentList(frame Frame) ([]AgentInfo, error) {
	if frame.Verb != VerbPCList {
		return nil, &ProtocolError{Verb: frame.Verb, Reason: "not a PC_LIST frame"}
	}
	count, err := strconv.Atoi(frame.Field(0))
	if err != nil || count < 0 {
		return nil, &ProtocolError{Verb: frame.Verb, Reason: fmt.Sprintf("invalid count %q", frame.Field(0))}
	}
	if count == 0 && frame.Field(1) == "" {
		return []AgentInfo{}, nil
	}

	var agents []AgentInfo
	if err := json.Unmarshal([]byte(frame.Field(1)), &agents); err != nil {
		return nil, &ProtocolError{Verb: frame.Verb, Reason: fmt.Sprintf("invalid agent list JSON: %v", err)}
	}
	if len(agents) != count {
		return nil, &ProtocolError{
			Verb:   frame.Verb,
			Reason: fmt.Sprintf("count %d does not match %d listed agents", count, len(agents)),
		}
	}
	return agents, nil
}
