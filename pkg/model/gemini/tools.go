package gemini

import (
	"github.com/nstogner/deskpilot/pkg/domain"
	"google.golang.org/genai"
)

// Model-native tool names. The transcript uses shorter canonical names.
const (
	nativeComputerUse = "computer_use"
	nativeBashCommand = "bash_command"
)

// canonicalToolName maps a model-native tool identifier to the name used
// on the wire and in the transcript.
func canonicalToolName(name string) string {
	switch name {
	case nativeComputerUse:
		return domain.ToolComputer
	case nativeBashCommand:
		return domain.ToolBash
	default:
		return name
	}
}

// nativeToolName is the inverse mapping, used when replaying calls and
// results back to the model.
func nativeToolName(name string) string {
	switch name {
	case domain.ToolComputer:
		return nativeComputerUse
	case domain.ToolBash:
		return nativeBashCommand
	default:
		return name
	}
}

func buildToolDeclarations() []*genai.Tool {
	return []*genai.Tool{
		{
			FunctionDeclarations: []*genai.FunctionDeclaration{
				{
					Name:        nativeComputerUse,
					Description: "Use the computer to perform actions like clicking, typing, taking screenshots, etc.",
					Parameters: &genai.Schema{
						Type: genai.TypeObject,
						Properties: map[string]*genai.Schema{
							"action": {
								Type:        genai.TypeString,
								Description: "The action to perform. Must be one of: screenshot, left_click, double_click, right_click, mouse_move, type, key, scroll, left_click_drag, wait",
							},
							"coordinate": {
								Type:        genai.TypeArray,
								Items:       &genai.Schema{Type: genai.TypeNumber},
								Description: "X,Y coordinates for actions that require positioning",
							},
							"text": {
								Type:        genai.TypeString,
								Description: "Text to type or key to press",
							},
							"scroll_direction": {
								Type:        genai.TypeString,
								Description: "Direction to scroll. Must be 'up' or 'down'",
							},
							"scroll_amount": {
								Type:        genai.TypeNumber,
								Description: "Number of scroll clicks",
							},
							"start_coordinate": {
								Type:        genai.TypeArray,
								Items:       &genai.Schema{Type: genai.TypeNumber},
								Description: "Start coordinates for drag operations",
							},
							"duration": {
								Type:        genai.TypeNumber,
								Description: "Duration for wait action in seconds",
							},
						},
						Required: []string{"action"},
					},
				},
				{
					Name:        nativeBashCommand,
					Description: "Execute bash commands on the computer",
					Parameters: &genai.Schema{
						Type: genai.TypeObject,
						Properties: map[string]*genai.Schema{
							"command": {
								Type:        genai.TypeString,
								Description: "The bash command to execute",
							},
						},
						Required: []string{"command"},
					},
				},
			},
		},
	}
}
