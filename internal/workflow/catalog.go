package workflow

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "AgentForge/internal/errors"
)

const (
	LabelDeployToken = "💰 Deploy Token"
	LabelCreatePool  = "🌊 Raydium Pool Create"
	LabelCreateAgent = "🤖 Create Agent"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Template 把一个节点标签映射为发给 agent 的提示词。
type Template struct {
	Label  string `yaml:"label"`
	Name   string `yaml:"name"`
	Prompt string `yaml:"prompt"`
}

// Fields 返回模板中出现的占位字段，按出现顺序去重。
func (t Template) Fields() []string {
	var fields []string
	seen := make(map[string]struct{})
	for _, m := range placeholderPattern.FindAllStringSubmatch(t.Prompt, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		fields = append(fields, m[1])
	}
	return fields
}

// Render 用节点数据填充模板。缺少任一字段时返回 VALIDATION_FAILED。
func (t Template) Render(data map[string]any) (string, error) {
	var missing []string
	values := make(map[string]string)
	for _, field := range t.Fields() {
		value, ok := formatValue(data[field])
		if !ok {
			missing = append(missing, field)
			continue
		}
		values[field] = value
	}
	if len(missing) > 0 {
		opts := make([]xerrors.Option, 0, len(missing))
		for _, field := range missing {
			opts = append(opts, xerrors.WithField(field, "required"))
		}
		return "", xerrors.New(xerrors.CodeValidation,
			fmt.Sprintf("node %q is missing %s", t.Label, strings.Join(missing, ", ")), opts...)
	}
	return placeholderPattern.ReplaceAllStringFunc(t.Prompt, func(m string) string {
		return values[placeholderPattern.FindStringSubmatch(m)[1]]
	}), nil
}

func formatValue(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		val = strings.TrimSpace(val)
		return val, val != ""
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case bool:
		return strconv.FormatBool(val), true
	default:
		return fmt.Sprint(val), true
	}
}

// Catalog 保存标签到模板的映射。
type Catalog struct {
	templates map[string]Template
}

// DefaultCatalog 返回内置模板。Create Agent 节点由创建流程本身完成，不映射提示词。
func DefaultCatalog() *Catalog {
	return NewCatalog(
		Template{
			Label:  LabelDeployToken,
			Name:   "token_deploy",
			Prompt: "Deploy a new token named {{tokenName}} with symbol {{tokenSymbol}} and {{maxSupply}}. max supply.",
		},
		Template{
			Label:  LabelCreatePool,
			Name:   "create_raydium_pool",
			Prompt: "Create a new Radium pool named {{poolName}} with {{poolSize}}.",
		},
	)
}

// NewCatalog 由模板列表构造目录，后出现的同名标签覆盖前者。
func NewCatalog(templates ...Template) *Catalog {
	c := &Catalog{templates: make(map[string]Template, len(templates))}
	for _, t := range templates {
		c.templates[strings.TrimSpace(t.Label)] = t
	}
	return c
}

// LoadCatalog 读取 YAML 模板文件并叠加在内置模板之上。
func LoadCatalog(path string) (*Catalog, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template catalog: %w", err)
	}
	var doc struct {
		Templates []Template `yaml:"templates"`
	}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("parse template catalog: %w", err)
	}
	catalog := DefaultCatalog()
	for _, t := range doc.Templates {
		if strings.TrimSpace(t.Label) == "" || strings.TrimSpace(t.Prompt) == "" {
			return nil, fmt.Errorf("template %q requires label and prompt", t.Name)
		}
		catalog.templates[strings.TrimSpace(t.Label)] = t
	}
	return catalog, nil
}

// Lookup 按标签查找模板。
func (c *Catalog) Lookup(label string) (Template, bool) {
	if c == nil {
		return Template{}, false
	}
	t, ok := c.templates[strings.TrimSpace(label)]
	return t, ok
}

// Len 返回模板数量。
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.templates)
}
