package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Delimiter separates fields of metadata records and transfer messages on the wire.
const Delimiter = "|"

// Operation records the cause of the most recent change to a node's metadata record
type Operation string

const (
	OperationStart    Operation = "START"
	OperationStop     Operation = "STOP"
	OperationShutdown Operation = "SHUTDOWN"
	OperationUpdate   Operation = "UPDATE"
	OperationTransfer Operation = "TRANSFER"
)

// ParseOperation parses the wire form of an operation.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case OperationStart, OperationStop, OperationShutdown, OperationUpdate, OperationTransfer:
		return op, nil
	default:
		return "", fmt.Errorf("unknown operation %q", s)
	}
}

// MetadataRecord is the per-node record published to the coordination store.
// Wire form: state|rangeStart|rangeEnd|operation, with empty bounds for a node
// that has no range.
type MetadataRecord struct {
	State     NodeState
	Range     *HashRange
	Operation Operation
}

// RecordFor builds the record describing node after op.
func RecordFor(node Node, op Operation) MetadataRecord {
	return MetadataRecord{State: node.State, Range: node.Range, Operation: op}
}

// Encode returns the wire form of the record.
func (r MetadataRecord) Encode() []byte {
	var start, end string
	if r.Range != nil {
		start, end = r.Range.Start.String(), r.Range.End.String()
	}
	return []byte(strings.Join([]string{string(r.State), start, end, string(r.Operation)}, Delimiter))
}

// DecodeMetadataRecord parses the wire form produced by Encode.
func DecodeMetadataRecord(data []byte) (MetadataRecord, error) {
	var rec MetadataRecord

	fields := strings.Split(string(data), Delimiter)
	if len(fields) != 4 {
		return rec, fmt.Errorf("metadata record: want 4 fields, got %d", len(fields))
	}

	state, err := ParseNodeState(fields[0])
	if err != nil {
		return rec, fmt.Errorf("metadata record: %w", err)
	}
	rng, err := parseRange(fields[1], fields[2])
	if err != nil {
		return rec, fmt.Errorf("metadata record: %w", err)
	}
	op, err := ParseOperation(fields[3])
	if err != nil {
		return rec, fmt.Errorf("metadata record: %w", err)
	}

	rec.State = state
	rec.Range = rng
	rec.Operation = op
	return rec, nil
}

// TransferKind tags a transfer message
type TransferKind string

const (
	// TransferCopy asks the sender to copy a range to the node listening on TargetPort
	TransferCopy TransferKind = "TRANSFER"
	// TransferDelete asks the node to drop a range
	TransferDelete TransferKind = "DELETE"
	// TransferFinish is written back by the node when the requested work is done
	TransferFinish TransferKind = "TRANSFER_FINISH"
)

// TransferMessage is the payload of a node's operation path.
type TransferMessage struct {
	Kind       TransferKind
	TargetPort int
	Range      HashRange
}

// NewCopyMessage builds TRANSFER|port|start|end.
func NewCopyMessage(targetPort int, rng HashRange) TransferMessage {
	return TransferMessage{Kind: TransferCopy, TargetPort: targetPort, Range: rng}
}

// NewDeleteMessage builds DELETE|start|end.
func NewDeleteMessage(rng HashRange) TransferMessage {
	return TransferMessage{Kind: TransferDelete, Range: rng}
}

// FinishMessage is the completion sentinel.
func FinishMessage() TransferMessage {
	return TransferMessage{Kind: TransferFinish}
}

// IsFinish reports whether the message is the completion sentinel.
func (m TransferMessage) IsFinish() bool {
	return m.Kind == TransferFinish
}

// Encode returns the wire form of the message.
func (m TransferMessage) Encode() []byte {
	switch m.Kind {
	case TransferCopy:
		return []byte(strings.Join([]string{
			string(m.Kind), strconv.Itoa(m.TargetPort), m.Range.Start.String(), m.Range.End.String(),
		}, Delimiter))
	case TransferDelete:
		return []byte(strings.Join([]string{
			string(m.Kind), m.Range.Start.String(), m.Range.End.String(),
		}, Delimiter))
	default:
		return []byte(TransferFinish)
	}
}

// DecodeTransferMessage parses the wire form produced by Encode.
func DecodeTransferMessage(data []byte) (TransferMessage, error) {
	var msg TransferMessage

	fields := strings.Split(string(data), Delimiter)
	switch TransferKind(fields[0]) {
	case TransferFinish:
		if len(fields) != 1 {
			return msg, fmt.Errorf("transfer message: %s takes no fields", TransferFinish)
		}
		return FinishMessage(), nil

	case TransferCopy:
		if len(fields) != 4 {
			return msg, fmt.Errorf("transfer message: %s wants 4 fields, got %d", TransferCopy, len(fields))
		}
		port, err := strconv.Atoi(fields[1])
		if err != nil || port <= 0 || port > 65535 {
			return msg, fmt.Errorf("transfer message: invalid port %q", fields[1])
		}
		rng, err := parseRange(fields[2], fields[3])
		if err != nil || rng == nil {
			return msg, fmt.Errorf("transfer message: invalid range %q..%q", fields[2], fields[3])
		}
		return NewCopyMessage(port, *rng), nil

	case TransferDelete:
		if len(fields) != 3 {
			return msg, fmt.Errorf("transfer message: %s wants 3 fields, got %d", TransferDelete, len(fields))
		}
		rng, err := parseRange(fields[1], fields[2])
		if err != nil || rng == nil {
			return msg, fmt.Errorf("transfer message: invalid range %q..%q", fields[1], fields[2])
		}
		return NewDeleteMessage(*rng), nil

	default:
		return msg, fmt.Errorf("transfer message: unknown kind %q", fields[0])
	}
}

func parseRange(start, end string) (*HashRange, error) {
	if start == "" && end == "" {
		return nil, nil
	}
	if start == "" || end == "" {
		return nil, fmt.Errorf("range bounds must both be set or both be empty")
	}
	s, err := ParseHash(start)
	if err != nil {
		return nil, err
	}
	e, err := ParseHash(end)
	if err != nil {
		return nil, err
	}
	return NewHashRange(s, e), nil
}
