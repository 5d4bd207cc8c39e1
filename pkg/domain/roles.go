package domain

// Role defines the sender of a message.
type Role string

const (
	// RoleUser indicates a message from the user.
	RoleUser Role = "user"
	// RoleAssistant indicates a message from the model/assistant.
	RoleAssistant Role = "assistant"
)

// Part types within a message.
const (
	PartTypeText           = "text"
	PartTypeToolInvocation = "tool-invocation"
)

// InvocationState tracks the lifecycle of a tool invocation as observed by
// the client. States only ever move forward: streaming -> call -> result.
type InvocationState string

const (
	// InvocationStreaming means the name and arguments are still arriving.
	InvocationStreaming InvocationState = "streaming"
	// InvocationCall means the arguments are finalized and the call is
	// executing, awaiting its result.
	InvocationCall InvocationState = "call"
	// InvocationResult is terminal: the result has been attached.
	InvocationResult InvocationState = "result"
)
