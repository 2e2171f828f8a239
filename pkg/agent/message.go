package agent

import (
	"context"
	"time"
)

// MessageKind classifies inter-agent messages.
type MessageKind string

const (
	MessageText         MessageKind = "text"
	MessageTaskRequest  MessageKind = "task_request"
	MessageTaskResponse MessageKind = "task_response"
	MessageDataShare    MessageKind = "data_share"
	MessageCoordination MessageKind = "coordination"
	MessageBroadcast    MessageKind = "broadcast"
)

// MessageStatus tracks delivery of one message.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

// BroadcastTarget addresses every registered agent except the sender.
const BroadcastTarget = "all"

// Message is one inter-agent communication. Messages observed by any
// receiver are FIFO per (from, to) pair.
type Message struct {
	ID        string        `json:"id"`
	From      string        `json:"from_agent"`
	To        string        `json:"to_agent"`
	Kind      MessageKind   `json:"kind"`
	Content   string        `json:"content"`
	CreatedAt time.Time     `json:"created_at"`
	Status    MessageStatus `json:"status"`
}

// Messenger is the manager-side message bus an agent uses once
// collaboration is enabled.
type Messenger interface {
	SendMessage(ctx context.Context, from, to, content string, kind MessageKind) error

	Broadcast(ctx context.Context, from, content string, kind MessageKind) error
}
