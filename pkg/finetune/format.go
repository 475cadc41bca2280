package finetune

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"
	"github.com/kiln-ai/platform/pkg/datamodel"
)

type DatasetFormat string

const (
	FormatOpenAIChat              DatasetFormat = "openai_chat_jsonl"
	FormatOpenAIChatToolCall      DatasetFormat = "openai_chat_toolcall_jsonl"
	FormatOpenAIChatJSONSchema    DatasetFormat = "openai_chat_json_schema_jsonl"
	FormatHuggingFaceChat         DatasetFormat = "huggingface_chat_template_jsonl"
	FormatHuggingFaceChatToolCall DatasetFormat = "huggingface_chat_template_toolcall_jsonl"
)

const (
	DefaultThinkingInstructions = "Think step by step, explaining your reasoning."
	finalAnswerPrompt           = "Considering the above, return a final result."
	toolCallFunctionName        = "task_response"
)

type DataStrategy string

const (
	StrategyFinalOnly            DataStrategy = "final_only"
	StrategyFinalAndIntermediate DataStrategy = "final_and_intermediate"
)

func ParseDataStrategy(s string) (DataStrategy, error) {
	switch DataStrategy(s) {
	case "", StrategyFinalOnly:
		return StrategyFinalOnly, nil
	case StrategyFinalAndIntermediate:
		return StrategyFinalAndIntermediate, nil
	}
	return "", fmt.Errorf("%w: '%s'", ErrUnsupportedDataStrategy, s)
}

// TrainingData is everything a generator needs to render one run.
type TrainingData struct {
	RunID                string
	SystemMessage        string
	Input                string
	FinalOutput          string
	ThinkingInstructions string
	Thinking             string
	OutputSchema         *jsonschema.Schema
}

func (d TrainingData) supportsThinking() bool {
	return d.ThinkingInstructions != ""
}

// FormatGenerator renders one run as a JSON-serializable record.
type FormatGenerator func(TrainingData) (any, error)

var formatGenerators = map[DatasetFormat]FormatGenerator{
	FormatOpenAIChat:              generateChatMessageResponse,
	FormatOpenAIChatToolCall:      generateChatMessageToolCall,
	FormatOpenAIChatJSONSchema:    generateJSONSchemaMessage,
	FormatHuggingFaceChat:         generateHuggingFaceChatTemplate,
	FormatHuggingFaceChatToolCall: generateHuggingFaceChatTemplateToolCall,
}

// RegisterFormat adds or replaces a generator. Not safe for use concurrently with exports.
func RegisterFormat(format DatasetFormat, generator FormatGenerator) {
	formatGenerators[format] = generator
}

func lookupFormat(format DatasetFormat) (FormatGenerator, error) {
	generator, ok := formatGenerators[format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	return generator, nil
}

// Formats lists the registered format ids in sorted order.
func Formats() []DatasetFormat {
	formats := make([]DatasetFormat, 0, len(formatGenerators))
	for format := range formatGenerators {
		formats = append(formats, format)
	}
	sort.Slice(formats, func(i, j int) bool { return formats[i] < formats[j] })
	return formats
}

// BestTaskOutput prefers the human repaired output over the original output.
func BestTaskOutput(run *datamodel.TaskRun) datamodel.TaskOutput {
	if run.RepairedOutput != nil {
		return *run.RepairedOutput
	}
	return run.Output
}

type ChatMessage struct {
	Role      string     `json:"role"`
	Content   *string    `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ChatRecord struct {
	Messages []ChatMessage `json:"messages"`
}

type HuggingFaceMessage struct {
	Role      string                `json:"role"`
	Content   *string               `json:"content,omitempty"`
	ToolCalls []HuggingFaceToolCall `json:"tool_calls,omitempty"`
}

type HuggingFaceToolCall struct {
	Type     string                  `json:"type"`
	Function HuggingFaceToolFunction `json:"function"`
}

type HuggingFaceToolFunction struct {
	Name      string          `json:"name"`
	ID        string          `json:"id"`
	Arguments json.RawMessage `json:"arguments"`
}

type HuggingFaceRecord struct {
	Conversations []HuggingFaceMessage `json:"conversations"`
}

func text(s string) *string {
	return &s
}

// leadingMessages returns the system and user turns, plus the thinking exchange
// when the run carries one.
func leadingMessages(d TrainingData) []ChatMessage {
	messages := []ChatMessage{
		{Role: "system", Content: text(d.SystemMessage)},
		{Role: "user", Content: text(d.Input)},
	}
	if d.supportsThinking() {
		messages = append(messages,
			ChatMessage{Role: "system", Content: text(d.ThinkingInstructions)},
			ChatMessage{Role: "assistant", Content: text(d.Thinking)},
			ChatMessage{Role: "system", Content: text(finalAnswerPrompt)},
		)
	}
	return messages
}

func huggingFaceMessages(messages []ChatMessage) []HuggingFaceMessage {
	out := make([]HuggingFaceMessage, 0, len(messages)+1)
	for _, m := range messages {
		out = append(out, HuggingFaceMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// compactJSON validates the output as JSON and re-emits it without whitespace,
// keeping key order.
func compactJSON(d TrainingData) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(d.FinalOutput)); err != nil {
		return nil, malformed(d.RunID, "invalid JSON in task run output: %v", err)
	}
	return buf.Bytes(), nil
}

func generateChatMessageResponse(d TrainingData) (any, error) {
	messages := append(leadingMessages(d), ChatMessage{Role: "assistant", Content: text(d.FinalOutput)})
	return ChatRecord{Messages: messages}, nil
}

func generateChatMessageToolCall(d TrainingData) (any, error) {
	arguments, err := compactJSON(d)
	if err != nil {
		return nil, err
	}
	messages := append(leadingMessages(d), ChatMessage{
		Role: "assistant",
		ToolCalls: []ToolCall{{
			ID:   "call_1",
			Type: "function",
			Function: ToolCallFunction{
				Name:      toolCallFunctionName,
				Arguments: string(arguments),
			},
		}},
	})
	return ChatRecord{Messages: messages}, nil
}

func generateJSONSchemaMessage(d TrainingData) (any, error) {
	content, err := compactJSON(d)
	if err != nil {
		return nil, err
	}
	if d.OutputSchema != nil {
		if err := checkSchema(d.OutputSchema, content); err != nil {
			return nil, malformed(d.RunID, "output does not match the task output schema: %v", err)
		}
	}
	messages := append(leadingMessages(d), ChatMessage{Role: "assistant", Content: text(string(content))})
	return ChatRecord{Messages: messages}, nil
}

func generateHuggingFaceChatTemplate(d TrainingData) (any, error) {
	messages := huggingFaceMessages(leadingMessages(d))
	messages = append(messages, HuggingFaceMessage{Role: "assistant", Content: text(d.FinalOutput)})
	return HuggingFaceRecord{Conversations: messages}, nil
}

func generateHuggingFaceChatTemplateToolCall(d TrainingData) (any, error) {
	arguments, err := compactJSON(d)
	if err != nil {
		return nil, err
	}
	messages := huggingFaceMessages(leadingMessages(d))
	messages = append(messages, HuggingFaceMessage{
		Role: "assistant",
		ToolCalls: []HuggingFaceToolCall{{
			Type: "function",
			Function: HuggingFaceToolFunction{
				Name:      toolCallFunctionName,
				ID:        shortToolCallID(),
				Arguments: json.RawMessage(arguments),
			},
		}},
	})
	return HuggingFaceRecord{Conversations: messages}, nil
}

// shortToolCallID returns 9 alphanumeric characters, the length Mistral chat
// templates require.
func shortToolCallID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
}

// checkSchema covers the parts of JSON schema fine-tune consumers rely on: the
// top-level type, required keys and primitive property types.
func checkSchema(schema *jsonschema.Schema, content []byte) error {
	if schema.Type != "" && schema.Type != "object" {
		return checkType(schema.Type, content)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(content, &fields); err != nil || fields == nil {
		return fmt.Errorf("expected a JSON object")
	}
	for _, key := range schema.Required {
		if _, ok := fields[key]; !ok {
			return fmt.Errorf("missing required property '%s'", key)
		}
	}
	if schema.Properties == nil {
		return nil
	}
	for key, raw := range fields {
		prop, ok := schema.Properties.Get(key)
		if !ok || prop == nil || prop.Type == "" {
			continue
		}
		if err := checkType(prop.Type, raw); err != nil {
			return fmt.Errorf("property '%s': %w", key, err)
		}
	}
	return nil
}

func checkType(want string, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	ok := false
	switch want {
	case "string":
		_, ok = v.(string)
	case "boolean":
		_, ok = v.(bool)
	case "number":
		_, ok = v.(float64)
	case "integer":
		f, isNum := v.(float64)
		ok = isNum && f == math.Trunc(f)
	case "array":
		_, ok = v.([]any)
	case "object":
		_, ok = v.(map[string]any)
	case "null":
		ok = v == nil
	default:
		ok = true
	}
	if !ok {
		return fmt.Errorf("expected %s", want)
	}
	return nil
}
