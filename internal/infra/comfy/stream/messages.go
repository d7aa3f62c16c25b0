package stream

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pixelforge/conductor/internal/core/domain"
)

// MessageType is the wire discriminator of an inbound channel message.
type MessageType string

const (
	MessageStatus         MessageType = "status"
	MessageProgress       MessageType = "progress"
	MessageProgressState  MessageType = "progress_state"
	MessageExecuting      MessageType = "executing"
	MessageExecutionStart MessageType = "execution_start"
	MessageExecutionCache MessageType = "execution_cached"
	MessageExecuted       MessageType = "executed"
	MessageExecutionError MessageType = "execution_error"
)

// Message is one decoded inbound channel message. Exactly one variant per
// wire kind; each variant carries only the fields valid for that kind.
type Message interface {
	messageType() MessageType
}

// StatusMessage reports the backend queue depth.
type StatusMessage struct {
	QueueRemaining int
}

// ExecutionStartMessage marks the start of a prompt's execution.
type ExecutionStartMessage struct {
	PromptID string
}

// ProgressMessage is a value/max progress tick for the current node.
type ProgressMessage struct {
	PromptID string
	Value    int
	Max      int
	Node     string
}

// NodeProgress is the per-node entry inside a progress_state message.
type NodeProgress struct {
	NodeID        string
	DisplayNodeID string
	RealNodeID    string
	ParentNodeID  string
	Value         int
	Max           int
	State         string
}

// Percentage returns the node's completion percentage rounded to two
// decimals, or zero when Max is unset.
func (n NodeProgress) Percentage() float64 {
	if n.Max <= 0 {
		return 0
	}
	pct := float64(n.Value) / float64(n.Max) * 100
	return float64(int(pct*100+0.5)) / 100
}

// ProgressStateMessage carries node-level progress detail. Nodes is sorted
// by node ID for deterministic dispatch.
type ProgressStateMessage struct {
	PromptID string
	Nodes    []NodeProgress
}

// ExecutingMessage marks a node starting, or prompt completion when Node
// is nil.
type ExecutingMessage struct {
	PromptID string
	Node     *string
}

// ExecutedMessage reports a node finishing, possibly with produced images.
type ExecutedMessage struct {
	PromptID string
	Node     string
	Images   []domain.Artifact
}

// ExecutionCachedMessage reports nodes satisfied from cache.
type ExecutionCachedMessage struct {
	PromptID string
	Nodes    []string
}

// ExecutionErrorMessage reports a failed prompt execution.
type ExecutionErrorMessage struct {
	PromptID         string
	NodeID           string
	NodeType         string
	ExceptionType    string
	ExceptionMessage string
}

func (StatusMessage) messageType() MessageType         { return MessageStatus }
func (ExecutionStartMessage) messageType() MessageType { return MessageExecutionStart }
func (ProgressMessage) messageType() MessageType       { return MessageProgress }
func (ProgressStateMessage) messageType() MessageType  { return MessageProgressState }
func (ExecutingMessage) messageType() MessageType      { return MessageExecuting }
func (ExecutedMessage) messageType() MessageType       { return MessageExecuted }
func (ExecutionCachedMessage) messageType() MessageType {
	return MessageExecutionCache
}
func (ExecutionErrorMessage) messageType() MessageType { return MessageExecutionError }

type envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode parses one raw channel frame into its message variant. Unrecognized
// message kinds return (nil, nil): filtering them out is intentional, not an
// error. A malformed body returns an error.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case MessageStatus:
		var d struct {
			Status struct {
				ExecInfo struct {
					QueueRemaining int `json:"queue_remaining"`
				} `json:"exec_info"`
			} `json:"status"`
		}
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("decode status: %w", err)
		}
		return StatusMessage{QueueRemaining: d.Status.ExecInfo.QueueRemaining}, nil

	case MessageExecutionStart:
		var d struct {
			PromptID string `json:"prompt_id"`
		}
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("decode execution_start: %w", err)
		}
		return ExecutionStartMessage{PromptID: d.PromptID}, nil

	case MessageProgress:
		var d struct {
			PromptID string `json:"prompt_id"`
			Value    int    `json:"value"`
			Max      int    `json:"max"`
			Node     string `json:"node"`
		}
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("decode progress: %w", err)
		}
		return ProgressMessage{PromptID: d.PromptID, Value: d.Value, Max: d.Max, Node: d.Node}, nil

	case MessageProgressState:
		var d struct {
			PromptID string `json:"prompt_id"`
			Nodes    map[string]struct {
				Value         int    `json:"value"`
				Max           int    `json:"max"`
				State         string `json:"state"`
				DisplayNodeID string `json:"display_node_id"`
				ParentNodeID  string `json:"parent_node_id"`
				RealNodeID    string `json:"real_node_id"`
			} `json:"nodes"`
		}
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("decode progress_state: %w", err)
		}
		msg := ProgressStateMessage{PromptID: d.PromptID}
		for id, n := range d.Nodes {
			np := NodeProgress{
				NodeID:        id,
				DisplayNodeID: n.DisplayNodeID,
				RealNodeID:    n.RealNodeID,
				ParentNodeID:  n.ParentNodeID,
				Value:         n.Value,
				Max:           n.Max,
				State:         n.State,
			}
			if np.DisplayNodeID == "" {
				np.DisplayNodeID = id
			}
			if np.RealNodeID == "" {
				np.RealNodeID = id
			}
			msg.Nodes = append(msg.Nodes, np)
		}
		sort.Slice(msg.Nodes, func(i, j int) bool { return msg.Nodes[i].NodeID < msg.Nodes[j].NodeID })
		return msg, nil

	case MessageExecuting:
		var d struct {
			PromptID string  `json:"prompt_id"`
			Node     *string `json:"node"`
		}
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("decode executing: %w", err)
		}
		return ExecutingMessage{PromptID: d.PromptID, Node: d.Node}, nil

	case MessageExecuted:
		var d struct {
			PromptID string `json:"prompt_id"`
			Node     string `json:"node"`
			Output   struct {
				Images []domain.Artifact `json:"images"`
			} `json:"output"`
		}
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("decode executed: %w", err)
		}
		return ExecutedMessage{PromptID: d.PromptID, Node: d.Node, Images: d.Output.Images}, nil

	case MessageExecutionCache:
		var d struct {
			PromptID string   `json:"prompt_id"`
			Nodes    []string `json:"nodes"`
		}
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("decode execution_cached: %w", err)
		}
		return ExecutionCachedMessage{PromptID: d.PromptID, Nodes: d.Nodes}, nil

	case MessageExecutionError:
		var d struct {
			PromptID  string `json:"prompt_id"`
			NodeID    string `json:"node_id"`
			NodeType  string `json:"node_type"`
			Exception struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"exception"`
		}
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("decode execution_error: %w", err)
		}
		return ExecutionErrorMessage{
			PromptID:         d.PromptID,
			NodeID:           d.NodeID,
			NodeType:         d.NodeType,
			ExceptionType:    d.Exception.Type,
			ExceptionMessage: d.Exception.Message,
		}, nil

	default:
		return nil, nil
	}
}
