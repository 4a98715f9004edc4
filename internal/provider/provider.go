// Package provider abstracts the model inference capability behind Eino
// schema types. No concrete providers live here: inference is supplied by
// the host, the core only drives the stream.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cloudwego/eino/schema"
)

// Request describes one completion turn.
type Request struct {
	Model           string             `json:"model"`
	Messages        []*schema.Message  `json:"messages"`
	Tools           []*schema.ToolInfo `json:"tools,omitempty"`
	MaxTokens       int                `json:"maxTokens,omitempty"`
	ReasoningEffort string             `json:"reasoningEffort,omitempty"`
}

// Stream yields schema.Message chunks: content and reasoning deltas, tool
// calls, and trailing usage in ResponseMeta. Recv returns io.EOF when the
// stream is exhausted.
type Stream interface {
	Recv() (*schema.Message, error)
	Close()
}

// Client is a single model provider.
type Client interface {
	ID() string
	Stream(ctx context.Context, req *Request) (Stream, error)
}

// ReaderStream adapts an Eino StreamReader to the Stream interface.
type ReaderStream struct {
	reader *schema.StreamReader[*schema.Message]
}

// NewReaderStream wraps an Eino stream reader.
func NewReaderStream(reader *schema.StreamReader[*schema.Message]) *ReaderStream {
	return &ReaderStream{reader: reader}
}

func (s *ReaderStream) Recv() (*schema.Message, error) {
	return s.reader.Recv()
}

func (s *ReaderStream) Close() {
	s.reader.Close()
}

// Registry holds registered clients and the current model selection.
type Registry struct {
	mu              sync.RWMutex
	clients         map[string]Client
	providerID      string
	model           string
	reasoningEffort string
}

// NewRegistry creates an empty registry with the given defaults.
func NewRegistry(providerID, model string) *Registry {
	return &Registry{
		clients:    make(map[string]Client),
		providerID: providerID,
		model:      model,
	}
}

// Register adds a client. Registering the same id again replaces it.
func (r *Registry) Register(client Client) {
	r.mu.Lock()
	r.clients[client.ID()] = client
	r.mu.Unlock()
}

// Current returns the active client and model.
func (r *Registry) Current() (Client, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[r.providerID]
	if !ok {
		return nil, "", fmt.Errorf("provider not registered: %s", r.providerID)
	}
	return client, r.model, nil
}

// SetModel switches the active provider and model.
func (r *Registry) SetModel(providerID, model string) {
	r.mu.Lock()
	if providerID != "" {
		r.providerID = providerID
	}
	r.model = model
	r.mu.Unlock()
}

// SetReasoningEffort sets the effort hint passed on each request.
func (r *Registry) SetReasoningEffort(effort string) {
	r.mu.Lock()
	r.reasoningEffort = effort
	r.mu.Unlock()
}

// ReasoningEffort returns the current effort hint.
func (r *Registry) ReasoningEffort() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reasoningEffort
}

// ToolInfo is a tool definition carried as raw JSON schema.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToEinoTools converts tool definitions to Eino format.
func ToEinoTools(tools []ToolInfo) []*schema.ToolInfo {
	result := make([]*schema.ToolInfo, len(tools))
	for i, t := range tools {
		var params map[string]*schema.ParameterInfo
		if len(t.Parameters) > 0 {
			params = parseJSONSchemaParams(t.Parameters)
		}
		result[i] = &schema.ToolInfo{
			Name:        t.Name,
			Desc:        t.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		}
	}
	return result
}

func parseJSONSchemaParams(raw json.RawMessage) map[string]*schema.ParameterInfo {
	var js struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(raw, &js); err != nil {
		return nil
	}

	required := make(map[string]bool)
	for _, name := range js.Required {
		required[name] = true
	}

	params := make(map[string]*schema.ParameterInfo)
	for name, prop := range js.Properties {
		paramType := schema.String
		switch prop.Type {
		case "integer":
			paramType = schema.Integer
		case "number":
			paramType = schema.Number
		case "boolean":
			paramType = schema.Boolean
		case "array":
			paramType = schema.Array
		case "object":
			paramType = schema.Object
		}
		params[name] = &schema.ParameterInfo{
			Type:     paramType,
			Desc:     prop.Description,
			Required: required[name],
		}
	}
	return params
}
