// Package deployfields describes the environment fields a deployment is
// configured with and validates user-supplied values against them.
//
// Fields fall into three classes:
//
//   - auto: generated by the orchestrator (PORT, OPENCLAW_GATEWAY_TOKEN)
//   - mandatory: must be supplied by the caller
//   - optional: may be left blank; some depend on another field being set
package deployfields

import "sort"

// Class groups fields by who supplies them.
type Class string

const (
	ClassAuto      Class = "auto"
	ClassMandatory Class = "mandatory"
	ClassOptional  Class = "optional"
)

// Names of auto-generated and well-known fields.
const (
	FieldPort         = "PORT"
	FieldGatewayToken = "OPENCLAW_GATEWAY_TOKEN"
	FieldDeployName   = "DEPLOY_NAME"
	FieldDeployDir    = "DEPLOY_DIR"

	FieldOpenRouterKey    = "OPENROUTER_API_KEY"
	FieldAnthropicKey     = "ANTHROPIC_API_KEY"
	FieldOpenAIKey        = "OPENAI_API_KEY"
	FieldTelegramBotToken = "TELEGRAM_BOT_TOKEN"
	FieldTelegramUserID   = "TELEGRAM_USER_ID"
	FieldWhatsAppNumber   = "WHATSAPP_NUMBER"
)

// Field describes one environment variable.
type Field struct {
	Name        string `json:"-"`
	Class       Class  `json:"-"`
	Description string `json:"description"`
	Hint        string `json:"hint,omitempty"`
	Sensitive   bool   `json:"sensitive"`
	Group       string `json:"group,omitempty"`
	DependsOn   string `json:"depends_on,omitempty"`
}

// Values holds user-supplied field values keyed by field name.
type Values map[string]string

var catalog = []Field{
	{Name: FieldPort, Class: ClassAuto, Description: "Gateway port"},
	{Name: FieldGatewayToken, Class: ClassAuto, Description: "Gateway auth token", Sensitive: true},

	{Name: FieldOpenRouterKey, Class: ClassMandatory, Description: "OpenRouter API key for LLM access", Hint: "sk-or-v1-...", Sensitive: true},

	{Name: FieldAnthropicKey, Class: ClassOptional, Description: "Anthropic API key (enables Claude models as fallback)", Hint: "sk-ant-...", Sensitive: true, Group: "llm"},
	{Name: FieldOpenAIKey, Class: ClassOptional, Description: "OpenAI API key (enables GPT models as fallback)", Hint: "sk-...", Sensitive: true, Group: "llm"},
	{Name: FieldTelegramBotToken, Class: ClassOptional, Description: "Telegram bot token for chat integration", Hint: "123456789:AABBcc...", Sensitive: true, Group: "telegram"},
	{Name: FieldTelegramUserID, Class: ClassOptional, Description: "Your Telegram user ID (required if bot token is set)", Hint: "123456789", Group: "telegram", DependsOn: FieldTelegramBotToken},
	{Name: FieldWhatsAppNumber, Class: ClassOptional, Description: "WhatsApp number for chat integration", Hint: "+1234567890", Group: "whatsapp"},
}

// All returns every known field in declaration order.
func All() []Field {
	out := make([]Field, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns the field named name.
func Lookup(name string) (Field, bool) {
	for _, f := range catalog {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// ByClass returns the names of all fields in class c, sorted.
func ByClass(c Class) []string {
	var names []string
	for _, f := range catalog {
		if f.Class == c {
			names = append(names, f.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Schema is the form description served to UI clients.
type Schema struct {
	Auto      map[string]Field `json:"auto"`
	Mandatory map[string]Field `json:"mandatory"`
	Optional  map[string]Field `json:"optional"`
}

// Describe builds the Schema for every known field.
func Describe() Schema {
	s := Schema{
		Auto:      map[string]Field{},
		Mandatory: map[string]Field{},
		Optional:  map[string]Field{},
	}
	for _, f := range catalog {
		switch f.Class {
		case ClassAuto:
			s.Auto[f.Name] = Field{Description: f.Description}
		case ClassMandatory:
			s.Mandatory[f.Name] = f
		case ClassOptional:
			s.Optional[f.Name] = f
		}
	}
	return s
}

// SensitiveValues returns the non-empty values of sensitive fields in v.
func SensitiveValues(v Values) []string {
	var out []string
	for _, f := range catalog {
		if f.Sensitive && v[f.Name] != "" {
			out = append(out, v[f.Name])
		}
	}
	return out
}
