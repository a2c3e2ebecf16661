// Package models defines the core data structures for SpinPipe.
//
// It includes the persisted entities (clients, messages, stages, interactions, knowledge
// blocks, assistants) and the request/response payloads shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// Validation constants for input validation
const (
	// MaxExternalIDLength defines the maximum allowed length for an external client identifier
	MaxExternalIDLength = 100
	// MaxDisplayNameLength defines the maximum allowed length for a client display name
	MaxDisplayNameLength = 255
	// MaxMessageTextLength defines the maximum allowed length for an inbound message text
	MaxMessageTextLength = 8192
)

// Error variables for better error handling and testability
var (
	ErrMissingClientID     = errors.New("external_client_id is required")
	ErrMissingText         = errors.New("text is required")
	ErrClientIDTooLong     = errors.New("external_client_id exceeds maximum length")
	ErrDisplayNameTooLong  = errors.New("display_name exceeds maximum length")
	ErrMessageTextTooLong  = errors.New("text exceeds maximum length")
	ErrInvalidStage        = errors.New("invalid stage")
	ErrInvalidAuthor       = errors.New("invalid message author")
	ErrMissingAssistantID  = errors.New("assistant id is required")
	ErrEmptyKnowledgeBlock = errors.New("knowledge block content cannot be empty")
)

// Author identifies who wrote a message in a client conversation.
type Author string

const (
	// AuthorClient marks a message written by the customer.
	AuthorClient Author = "client"
	// AuthorBot marks a reply generated by the pipeline.
	AuthorBot Author = "bot"
	// AuthorAssistant marks a message written by a human sales assistant.
	AuthorAssistant Author = "assistant"
)

// IsValidAuthor checks if the given author role is supported.
func IsValidAuthor(a Author) bool {
	switch a {
	case AuthorClient, AuthorBot, AuthorAssistant:
		return true
	default:
		return false
	}
}

// HistoryPrefix returns the line prefix used when rendering a message in prompt history.
func (a Author) HistoryPrefix() string {
	switch a {
	case AuthorClient:
		return "Client:"
	case AuthorBot:
		return "Bot:"
	case AuthorAssistant:
		return "Assistant:"
	default:
		return "Message:"
	}
}

// Client is a customer identified by an opaque, transport-specific external id.
type Client struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"external_id"`
	Name       string    `json:"name,omitempty"`
	Status     string    `json:"status,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// DisplayName returns the client name, falling back to its external id.
func (c Client) DisplayName() string {
	if strings.TrimSpace(c.Name) != "" {
		return c.Name
	}
	return "ID " + c.ExternalID
}

// Message is one immutable entry in a client's conversation log.
type Message struct {
	ID        int64     `json:"id"`
	ClientID  string    `json:"client_id"`
	Author    Author    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// StageRecord is the stored funnel stage of a client.
type StageRecord struct {
	ClientID  string    `json:"client_id"`
	Stage     Stage     `json:"stage"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Interaction is the append-only audit record of one pipeline turn.
type Interaction struct {
	ID            int64     `json:"id"`
	ClientID      string    `json:"client_id"`
	Prompt        string    `json:"prompt"`
	Response      string    `json:"response"`
	AssistantHint string    `json:"assistant_hint"`
	StageDetected Stage     `json:"stage_detected"`
	CreatedAt     time.Time `json:"created_at"`
}

// InteractionRecord carries everything the recorder writes for a completed turn.
type InteractionRecord struct {
	ClientID string
	Prompt   string
	Reply    string
	Hint     string
	Stage    Stage
}

// KnowledgeBlock is global reference text injected into every prompt.
type KnowledgeBlock struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultKnowledgeTitle is used when a knowledge block is imported without a title.
const DefaultKnowledgeTitle = "Knowledge base"

// Assistant is an allow-listed human sales operator.
type Assistant struct {
	ID      string    `json:"id"`
	Name    string    `json:"name,omitempty"`
	AddedAt time.Time `json:"added_at"`
}

// ActiveContext links an assistant to the client they are currently discussing.
type ActiveContext struct {
	AssistantID string    `json:"assistant_id"`
	ClientID    string    `json:"client_id"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// InteractionRequest is the payload of the submit-interaction endpoint.
type InteractionRequest struct {
	ExternalClientID string `json:"external_client_id"`
	DisplayName      string `json:"display_name,omitempty"`
	Text             string `json:"text"`
}

// Normalize trims surrounding whitespace from identifiers and names.
func (r *InteractionRequest) Normalize() {
	r.ExternalClientID = strings.TrimSpace(r.ExternalClientID)
	r.DisplayName = strings.TrimSpace(r.DisplayName)
}

// Validate performs validation on an InteractionRequest.
func (r *InteractionRequest) Validate() error {
	if strings.TrimSpace(r.ExternalClientID) == "" {
		return ErrMissingClientID
	}
	if strings.TrimSpace(r.Text) == "" {
		return ErrMissingText
	}
	if len(r.ExternalClientID) > MaxExternalIDLength {
		return ErrClientIDTooLong
	}
	if len(r.DisplayName) > MaxDisplayNameLength {
		return ErrDisplayNameTooLong
	}
	if len(r.Text) > MaxMessageTextLength {
		return ErrMessageTextTooLong
	}
	return nil
}

// InteractionResult is the parsed outcome of one pipeline turn.
type InteractionResult struct {
	Reply         string `json:"reply"`
	AssistantHint string `json:"assistant_hint"`
	Stage         Stage  `json:"stage"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
