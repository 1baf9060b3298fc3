// Package taxonomy loads the spending category taxonomy.
package taxonomy

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// Category 消费类别
type Category struct {
	ID       int      `yaml:"id" json:"id"`
	Name     string   `yaml:"name" json:"name"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

// Taxonomy 类别集合，加载后只读
type Taxonomy struct {
	categories []Category
	byName     map[string]int
}

type document struct {
	Categories []Category `yaml:"categories"`
}

// Load 从YAML文件加载类别
func Load(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy %s: %w", path, err)
	}
	return Parse(data)
}

// Parse 解析YAML格式的类别定义
func Parse(data []byte) (*Taxonomy, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse taxonomy: %w", err)
	}
	return New(doc.Categories)
}

// New 校验并创建类别集合
func New(categories []Category) (*Taxonomy, error) {
	if len(categories) < 2 {
		return nil, errors.New("taxonomy needs at least two categories")
	}
	t := &Taxonomy{
		categories: make([]Category, 0, len(categories)),
		byName:     make(map[string]int, len(categories)),
	}
	ids := make(map[int]string, len(categories))
	for _, c := range categories {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			return nil, fmt.Errorf("category %d has no name", c.ID)
		}
		if _, dup := t.byName[c.Name]; dup {
			return nil, fmt.Errorf("duplicate category name %q", c.Name)
		}
		if other, dup := ids[c.ID]; dup {
			return nil, fmt.Errorf("categories %q and %q share id %d", other, c.Name, c.ID)
		}
		keywords := make([]string, 0, len(c.Keywords))
		for _, k := range c.Keywords {
			if k = strings.TrimSpace(k); k != "" {
				keywords = append(keywords, k)
			}
		}
		if len(keywords) == 0 {
			return nil, fmt.Errorf("category %q has no keywords", c.Name)
		}
		c.Keywords = keywords
		ids[c.ID] = c.Name
		t.byName[c.Name] = len(t.categories)
		t.categories = append(t.categories, c)
	}
	return t, nil
}

// Categories 返回类别副本，保持定义顺序
func (t *Taxonomy) Categories() []Category {
	out := make([]Category, len(t.categories))
	for i, c := range t.categories {
		c.Keywords = append([]string(nil), c.Keywords...)
		out[i] = c
	}
	return out
}

func (t *Taxonomy) Names() []string {
	names := make([]string, len(t.categories))
	for i, c := range t.categories {
		names[i] = c.Name
	}
	return names
}

func (t *Taxonomy) ByName(name string) (Category, bool) {
	idx, ok := t.byName[name]
	if !ok {
		return Category{}, false
	}
	c := t.categories[idx]
	c.Keywords = append([]string(nil), c.Keywords...)
	return c, true
}

func (t *Taxonomy) Contains(name string) bool {
	_, ok := t.byName[name]
	return ok
}

func (t *Taxonomy) Len() int {
	return len(t.categories)
}
