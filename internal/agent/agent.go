package agent

import (
	"time"
)

var (
	defaultPlugins = []string{
		"@elizaos/plugin-solana-agentkit",
		"@elizaos/plugin-web-search",
		"@elizaos/plugin-coinmarketcap",
	}
	defaultClients = []string{"direct"}
)

const (
	defaultModelProvider = "openai"
	defaultVoiceModel    = "en_US-hfc_female-medium"
)

// Style 描述 agent 在不同场景下的语言风格。
type Style struct {
	All  []string `json:"all"`
	Chat []string `json:"chat"`
	Post []string `json:"post"`
}

// MessageContent 是示例消息的正文。
type MessageContent struct {
	Text string `json:"text"`
}

// MessageExample 是一条示例对话消息。
type MessageExample struct {
	User    string         `json:"user"`
	Content MessageContent `json:"content"`
}

// VoiceSettings 配置语音模型。
type VoiceSettings struct {
	Model string `json:"model"`
}

// Settings 是 runtime 读取的运行参数。密钥不在此处保存。
type Settings struct {
	Voice VoiceSettings `json:"voice"`
}

// Agent 是持久化的 agent 身份与人格配置。
type Agent struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Description     string             `json:"description"`
	Bio             []string           `json:"bio"`
	Lore            []string           `json:"lore"`
	Style           Style              `json:"style"`
	Topics          []string           `json:"topics"`
	Knowledge       []string           `json:"knowledge"`
	Adjectives      []string           `json:"adjectives"`
	PostExamples    []string           `json:"postExamples"`
	MessageExamples [][]MessageExample `json:"messageExamples"`
	Plugins         []string           `json:"plugins"`
	Clients         []string           `json:"clients"`
	ModelProvider   string             `json:"modelProvider"`
	Settings        Settings           `json:"settings"`
	WalletPublicKey string             `json:"walletPublicKey"`
	// WalletPrivateKey 只在创建流程内存中存在，由 key vault 保管。
	WalletPrivateKey string    `json:"-"`
	Owner            string    `json:"owner"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"createdAt"`
}

// 交给 runtime 的密钥名称。
const (
	SecretSolanaPublicKey  = "SOLANA_PUBLIC_KEY"
	SecretSolanaPrivateKey = "SOLANA_PRIVATE_KEY"
)

// CharacterSettings 是带密钥的运行参数，只用于 runtime 加载。
type CharacterSettings struct {
	Voice   VoiceSettings     `json:"voice"`
	Secrets map[string]string `json:"secrets"`
}

// Character 是 runtime 加载 agent 所需的完整配置。
type Character struct {
	Agent
	Settings CharacterSettings `json:"settings"`
}

// Summary 是列表接口返回的精简视图。
type Summary struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	WalletAddress string `json:"walletAddress"`
}

// Summary 返回 agent 的精简视图。
func (a Agent) Summary() Summary {
	return Summary{ID: a.ID, Name: a.Name, WalletAddress: a.WalletPublicKey}
}

// Clone 返回深拷贝。
func (a Agent) Clone() Agent {
	out := a
	out.Bio = cloneStrings(a.Bio)
	out.Lore = cloneStrings(a.Lore)
	out.Style = Style{All: cloneStrings(a.Style.All), Chat: cloneStrings(a.Style.Chat), Post: cloneStrings(a.Style.Post)}
	out.Topics = cloneStrings(a.Topics)
	out.Knowledge = cloneStrings(a.Knowledge)
	out.Adjectives = cloneStrings(a.Adjectives)
	out.PostExamples = cloneStrings(a.PostExamples)
	out.Plugins = cloneStrings(a.Plugins)
	out.Clients = cloneStrings(a.Clients)
	if a.MessageExamples != nil {
		out.MessageExamples = make([][]MessageExample, len(a.MessageExamples))
		for i, conv := range a.MessageExamples {
			out.MessageExamples[i] = append([]MessageExample(nil), conv...)
		}
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
