package domain

// Payload is the task's unit of work data. It is a closed set keyed by
// TaskType so handlers can switch on the concrete type instead of
// probing fields at runtime.
type Payload interface {
	// TaskType returns the type this payload dispatches as.
	TaskType() TaskType
}

// PromptPayload carries a prompt to send to a language model.
type PromptPayload struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
}

// TaskType returns TaskTypePrompt.
func (PromptPayload) TaskType() TaskType { return TaskTypePrompt }

// SearchPayload carries a web search query.
type SearchPayload struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

// TaskType returns TaskTypeSearch.
func (SearchPayload) TaskType() TaskType { return TaskTypeSearch }

// FetchPayload carries a URL whose content should be retrieved.
type FetchPayload struct {
	URL string `json:"url"`
}

// TaskType returns TaskTypeFetch.
func (FetchPayload) TaskType() TaskType { return TaskTypeFetch }

// ExecutePayload carries a command to run.
type ExecutePayload struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// TaskType returns TaskTypeExecute.
func (ExecutePayload) TaskType() TaskType { return TaskTypeExecute }
