package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// IDList — список QQ-идентификаторов (мастера, разрешённые группы).
// В YAML допускается как список, так и одиночное значение:
//
//	masters: 12345          -> ["12345"]
//	masters: [12345, 67890] -> ["12345", "67890"]
//
// Из ENV читается через запятую.
type IDList []string

// UnmarshalYAML принимает скаляр или последовательность скаляров.
func (l *IDList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		*l = nil
		if v := strings.TrimSpace(n.Value); v != "" && n.Tag != "!!null" {
			*l = IDList{v}
		}
		return nil
	case yaml.SequenceNode:
		out := make(IDList, 0, len(n.Content))
		for _, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("id list: line %d: expected scalar", item.Line)
			}
			if v := strings.TrimSpace(item.Value); v != "" {
				out = append(out, v)
			}
		}
		*l = out
		return nil
	default:
		return fmt.Errorf("id list: line %d: expected scalar or sequence", n.Line)
	}
}

// SetValue — реализация cleanenv.Setter для ENV.
func (l *IDList) SetValue(s string) error {
	var out IDList
	for _, part := range strings.Split(s, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	*l = out
	return nil
}

// Contains — проверка членства.
func (l IDList) Contains(id string) bool {
	for _, v := range l {
		if v == id {
			return true
		}
	}
	return false
}
