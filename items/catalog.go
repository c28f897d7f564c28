// Package items resolves item display names to canonical item ids.
package items

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/recomma/flipledger/bazaar"
)

// Item is one catalog row.
type Item struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Bazaar bool   `json:"bazaar"`
}

// Catalog answers display name lookups by token overlap.
type Catalog struct {
	items  []Item
	tokens [][]string
	exact  map[string]int
}

func NewCatalog(items []Item) *Catalog {
	c := &Catalog{
		items:  append([]Item(nil), items...),
		tokens: make([][]string, len(items)),
		exact:  make(map[string]int, len(items)),
	}
	for i, it := range c.items {
		c.tokens[i] = tokenize(it.Name)
		key := normalize(it.Name)
		if prev, ok := c.exact[key]; !ok || better(c.items[i], c.items[prev]) {
			c.exact[key] = i
		}
	}
	return c
}

// LoadCatalog reads a JSON array of items from path.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var items []Item
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	return NewCatalog(items), nil
}

func (c *Catalog) Len() int {
	return len(c.items)
}

// Resolve returns the id of the best textual match for displayName. An exact
// name wins, then the candidate sharing the most tokens; ties prefer bazaar
// items, then fewer unmatched tokens, then the smaller id.
func (c *Catalog) Resolve(_ context.Context, displayName string) (string, error) {
	if idx, ok := c.exact[normalize(displayName)]; ok {
		return c.items[idx].ID, nil
	}

	want := tokenize(displayName)
	if len(want) == 0 {
		return "", bazaar.ErrUnknownItem
	}
	wantSet := make(map[string]struct{}, len(want))
	for _, tok := range want {
		wantSet[tok] = struct{}{}
	}

	best, bestShared, bestExtra := -1, 0, 0
	for i, toks := range c.tokens {
		shared := 0
		for _, tok := range toks {
			if _, ok := wantSet[tok]; ok {
				shared++
			}
		}
		if shared == 0 {
			continue
		}
		extra := len(toks) - shared
		switch {
		case best < 0, shared > bestShared:
		case shared < bestShared:
			continue
		case c.items[i].Bazaar != c.items[best].Bazaar:
			if !c.items[i].Bazaar {
				continue
			}
		case extra != bestExtra:
			if extra > bestExtra {
				continue
			}
		case c.items[i].ID >= c.items[best].ID:
			continue
		}
		best, bestShared, bestExtra = i, shared, extra
	}
	if best < 0 {
		return "", fmt.Errorf("%w: %q", bazaar.ErrUnknownItem, displayName)
	}
	return c.items[best].ID, nil
}

func better(a, b Item) bool {
	if a.Bazaar != b.Bazaar {
		return a.Bazaar
	}
	return a.ID < b.ID
}

func normalize(name string) string {
	return strings.ToLower(strings.Join(tokenize(name), " "))
}

func tokenize(name string) []string {
	return strings.FieldsFunc(strings.ToLower(bazaar.StripMarkup(name)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
