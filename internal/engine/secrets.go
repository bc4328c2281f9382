package engine

import (
	"fmt"
	"regexp"

	"github.com/Jeffail/gabs/v2"

	"github.com/ScriptedAlchemy/conveyor/internal/persistence"
)

var secretPattern = regexp.MustCompile(`\{\{\s*secrets\.([A-Za-z0-9_]+)\s*\}\}`)

// HydrateConfig renders a plugin config document for invocation: every
// {{secrets.NAME}} placeholder inside string leaves, however deeply nested,
// is replaced with the secret's value. The stored config keeps the
// placeholders; only the wire copy carries secret values.
func HydrateConfig(config map[string]any, secrets map[string]string) ([]byte, error) {
	if len(config) == 0 {
		return nil, nil
	}

	raw, err := persistence.EncodeDoc(config)
	if err != nil {
		return nil, err
	}
	doc, err := gabs.ParseJSON(raw)
	if err != nil {
		return nil, err
	}
	if err := hydrateNode(doc, nil, secrets); err != nil {
		return nil, err
	}
	return doc.Bytes(), nil
}

// hydrateNode walks the document depth-first. set replaces the current
// node's value in its parent; it is nil for the root.
func hydrateNode(node *gabs.Container, set func(any) error, secrets map[string]string) error {
	switch v := node.Data().(type) {
	case map[string]any:
		for key := range v {
			key := key
			child := node.S(key)
			err := hydrateNode(child, func(nv any) error {
				_, err := node.Set(nv, key)
				return err
			}, secrets)
			if err != nil {
				return err
			}
		}
	case []any:
		for i := range v {
			i := i
			child := node.Index(i)
			err := hydrateNode(child, func(nv any) error {
				_, err := node.SetIndex(nv, i)
				return err
			}, secrets)
			if err != nil {
				return err
			}
		}
	case string:
		replaced, changed, err := expandSecrets(v, secrets)
		if err != nil {
			return err
		}
		if changed && set != nil {
			return set(replaced)
		}
	}
	return nil
}

func expandSecrets(s string, secrets map[string]string) (string, bool, error) {
	matches := secretPattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return s, false, nil
	}
	for _, m := range matches {
		if _, ok := secrets[m[1]]; !ok {
			return "", false, fmt.Errorf("unknown secret %q", m[1])
		}
	}
	out := secretPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := secretPattern.FindStringSubmatch(match)[1]
		return secrets[name]
	})
	return out, true, nil
}
