package agent

import (
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/identity"
)

const (
	msgNameRequired        = "Name is required in the request body."
	msgDescriptionRequired = "Description is required in the request body."
)

// Profile 是用户填写的人格字段。
type Profile struct {
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
}

// Builder 根据人格字段与新生成的身份组装完整的 agent 配置。
type Builder struct {
	keys  identity.Generator
	now   func() time.Time
	newID func() string
}

// NewBuilder 构造 Builder。
func NewBuilder(keys identity.Generator) *Builder {
	if keys == nil {
		keys = identity.SolanaGenerator{}
	}
	return &Builder{keys: keys, now: time.Now, newID: uuid.NewString}
}

// Build 校验必填字段并生成 agent。除调用身份生成器外没有副作用。
func (b *Builder) Build(profile Profile, owner string) (Agent, error) {
	name := strings.TrimSpace(profile.Name)
	if name == "" {
		return Agent{}, xerrors.New(xerrors.CodeValidation, msgNameRequired, xerrors.WithField("name", "required"))
	}
	description := strings.TrimSpace(profile.Description)
	if description == "" {
		return Agent{}, xerrors.New(xerrors.CodeValidation, msgDescriptionRequired, xerrors.WithField("description", "required"))
	}

	// 随机源失效时进程无法安全继续。
	keys := identity.MustGenerate(b.keys)

	bio := cloneStrings(profile.Bio)
	if len(bio) == 0 {
		bio = []string{description}
	}
	return Agent{
		ID:               b.newID(),
		Name:             name,
		Description:      description,
		Bio:              bio,
		Lore:             nonNil(profile.Lore),
		Style:            Style{All: nonNil(profile.Style.All), Chat: nonNil(profile.Style.Chat), Post: nonNil(profile.Style.Post)},
		Topics:           nonNil(profile.Topics),
		Knowledge:        nonNil(profile.Knowledge),
		Adjectives:       nonNil(profile.Adjectives),
		PostExamples:     nonNil(profile.PostExamples),
		MessageExamples:  profile.MessageExamples,
		Plugins:          cloneStrings(defaultPlugins),
		Clients:          cloneStrings(defaultClients),
		ModelProvider:    defaultModelProvider,
		Settings:         Settings{Voice: VoiceSettings{Model: defaultVoiceModel}},
		WalletPublicKey:  keys.PublicKey,
		WalletPrivateKey: keys.PrivateKey,
		Owner:            owner,
		Active:           true,
		CreatedAt:        b.now().UTC(),
	}, nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return cloneStrings(in)
}
