package inference

import "time"

// Dialect is the wire format a daemon speaks.
type Dialect string

const (
	DialectUndetermined Dialect = "undetermined"
	DialectNative       Dialect = "native"
	DialectOpenAI       Dialect = "openai"
)

// Options are sampling parameters forwarded verbatim to the daemon when set.
type Options struct {
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	NumPredict    *int     `json:"num_predict,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
	Seed          *int     `json:"seed,omitempty"`
}

// Float returns a pointer to v for use in Options.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v for use in Options.
func Int(v int) *int { return &v }

// WithDefaults fills every unset field of o from defaults.
func (o Options) WithDefaults(defaults Options) Options {
	if o.Temperature == nil {
		o.Temperature = defaults.Temperature
	}
	if o.TopP == nil {
		o.TopP = defaults.TopP
	}
	if o.TopK == nil {
		o.TopK = defaults.TopK
	}
	if o.NumPredict == nil {
		o.NumPredict = defaults.NumPredict
	}
	if o.RepeatPenalty == nil {
		o.RepeatPenalty = defaults.RepeatPenalty
	}
	if o.Seed == nil {
		o.Seed = defaults.Seed
	}
	return o
}

// Message is one chat turn.
type Message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// GenerateRequest is a single-prompt completion.
type GenerateRequest struct {
	Model   string
	Prompt  string
	System  string
	Images  []string
	Options Options
}

// GenerateResponse is the native-shaped result of a completion.
type GenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// ChatRequest is a multi-turn chat completion. Images attach to the last user turn.
type ChatRequest struct {
	Model    string
	Messages []Message
	Images   []string
	Options  Options
}

// ChatResponse is the native-shaped result of a chat completion.
type ChatResponse struct {
	Model   string  `json:"model"`
	Message Message `json:"message"`
	Done    bool    `json:"done"`
}

// Chunk is one incremental piece of a streamed response.
type Chunk struct {
	Model   string `json:"model,omitempty"`
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

// RemoteModel describes a model installed on the daemon.
type RemoteModel struct {
	Name       string     `json:"name"`
	Model      string     `json:"model,omitempty"`
	Size       int64      `json:"size,omitempty"`
	Digest     string     `json:"digest,omitempty"`
	ModifiedAt *time.Time `json:"modified_at,omitempty"`
}

type nativeGenerateBody struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	System  string   `json:"system,omitempty"`
	Images  []string `json:"images,omitempty"`
	Stream  bool     `json:"stream"`
	Options Options  `json:"options"`
}

type nativeChatBody struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  Options   `json:"options"`
}

type nativeReply struct {
	Model    string   `json:"model"`
	Response *string  `json:"response"`
	Message  *Message `json:"message"`
	Done     bool     `json:"done"`
	Error    string   `json:"error"`
}

type nativeTags struct {
	Models []RemoteModel `json:"models"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatBody struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Images      []string        `json:"images,omitempty"`
}

type openAIChoice struct {
	Message      *openAIMessage `json:"message"`
	Delta        *openAIMessage `json:"delta"`
	FinishReason *string        `json:"finish_reason"`
}

type openAIChatReply struct {
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
}

type openAIModel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func nativeChat(req ChatRequest, stream bool) nativeChatBody {
	return nativeChatBody{
		Model:    req.Model,
		Messages: attachImages(req.Messages, req.Images),
		Stream:   stream,
		Options:  req.Options,
	}
}

func openAIChat(req ChatRequest, stream bool) openAIChatBody {
	msgs := make([]openAIMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openAIMessage{Role: m.Role, Content: m.Content})
	}
	return openAIChatBody{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Options.Temperature,
		MaxTokens:   req.Options.NumPredict,
		Stream:      stream,
		Images:      req.Images,
	}
}

// chatFromGenerate expresses a completion as a chat for daemons without a generate endpoint.
func chatFromGenerate(req GenerateRequest) ChatRequest {
	msgs := make([]Message, 0, 2)
	if req.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, Message{Role: "user", Content: req.Prompt})
	return ChatRequest{Model: req.Model, Messages: msgs, Images: req.Images, Options: req.Options}
}

func attachImages(msgs []Message, images []string) []Message {
	if len(images) == 0 {
		return msgs
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role == "user" {
			out[i].Images = append(append([]string{}, out[i].Images...), images...)
			return out
		}
	}
	return append(out, Message{Role: "user", Images: images})
}
