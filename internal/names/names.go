// Package names resolves pattern-name choices against the approved name
// dictionary. Clients never send free text through this path; a name is
// four dictionary indices and the server rebuilds the string itself.
package names

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Word categories, matching the four pattern slots.
const (
	CategoryTitle      = 0
	CategoryFirst      = 1
	CategoryLastPrefix = 2
	CategoryLastSuffix = 3
)

// PatternPart is one slot choice: a dictionary index and a capitalisation
// flag. Index -1 leaves the slot empty.
type PatternPart struct {
	Index int16
	Flag  uint8
}

type word struct {
	Index    uint16 `toml:"index"`
	Category int    `toml:"category"`
	Text     string `toml:"text"`
}

type dictionaryFile struct {
	Words []word `toml:"word"`
}

// Dictionary is the loaded approved-word list, keyed by index.
type Dictionary struct {
	words map[uint16]word
}

// Load reads a name dictionary from a toml file.
func Load(path string) (*Dictionary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read name dictionary %s: %w", path, err)
	}
	var file dictionaryFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse name dictionary %s: %w", path, err)
	}
	d := &Dictionary{words: make(map[uint16]word, len(file.Words))}
	for _, w := range file.Words {
		d.words[w.Index] = w
	}
	return d, nil
}

// Len reports how many words are loaded.
func (d *Dictionary) Len() int {
	return len(d.words)
}

// PatternName rebuilds a name from the four slot choices: title, first
// name, last-name prefix, last-name suffix. The prefix and suffix fuse
// into one word; empty slots drop out. An unknown index or a word used in
// the wrong slot rejects the whole name.
func (d *Dictionary) PatternName(parts [4]PatternPart) (string, error) {
	resolved := make([]string, 4)
	for slot, p := range parts {
		if p.Index < 0 {
			continue
		}
		w, ok := d.words[uint16(p.Index)]
		if !ok {
			return "", fmt.Errorf("names: unknown word index %d", p.Index)
		}
		if w.Category != slot {
			return "", fmt.Errorf("names: word %d is category %d, used in slot %d", p.Index, w.Category, slot)
		}
		text := strings.ToLower(w.Text)
		if p.Flag != 0 {
			text = capitalize(text)
		}
		resolved[slot] = text
	}

	// Last-name prefix and suffix form a single word.
	resolved[CategoryLastPrefix] += resolved[CategoryLastSuffix]
	resolved = resolved[:3]

	var out []string
	for _, s := range resolved {
		if s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return "", fmt.Errorf("names: empty pattern")
	}
	return strings.Join(out, " "), nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
