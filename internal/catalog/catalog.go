package catalog

import (
	"fmt"
	"strings"
)

// DefaultPointClasses is the class table shipped with the point model
// checkpoint, used when the backend exposes no metadata of its own. Id 0 is
// reserved for background.
var DefaultPointClasses = map[int]string{
	0: "no_animal",
	1: "buffalo",
	2: "elephant",
	3: "kob",
	4: "topi",
	5: "warthog",
	6: "waterbuck",
}

// Catalog is the read-only numeric-id to canonical-English-name table of
// one backend. It is built once at startup from the backend's metadata and
// never mutated afterward.
type Catalog struct {
	classes map[int]string
}

func New(classes map[int]string) *Catalog {
	copied := make(map[int]string, len(classes))
	for id, name := range classes {
		copied[id] = name
	}
	return &Catalog{classes: copied}
}

// NameOf resolves a class id to its canonical name. Unknown ids get a
// synthetic "class_N" name rather than an error so a model that reports
// classes outside its advertised table still produces countable output.
func (c *Catalog) NameOf(id int) string {
	if name, ok := c.classes[id]; ok {
		return name
	}
	return fmt.Sprintf("class_%d", id)
}

// Classes returns a copy of the id to name table.
func (c *Catalog) Classes() map[int]string {
	out := make(map[int]string, len(c.classes))
	for id, name := range c.classes {
		out[id] = name
	}
	return out
}

func (c *Catalog) NumClasses() int { return len(c.classes) }

// displayNames maps canonical species names to their Spanish display names.
// Lookups are case-insensitive; names without an entry fall back to
// themselves.
var displayNames = map[string]string{
	"buffalo":   "Búfalo",
	"elephant":  "Elefante",
	"kob":       "Kob",
	"topi":      "Topi",
	"warthog":   "Jabalí Verrugoso",
	"waterbuck": "Antílope Acuático",
	"no_animal": "Sin Animal",
}

// Localize translates a canonical species name into its display name. It is
// applied exactly once, at the response boundary; aggregation always keys
// on canonical names.
func Localize(name string) string {
	if display, ok := displayNames[strings.ToLower(name)]; ok {
		return display
	}
	return name
}

// LocalizeCounts returns a species histogram re-keyed by display name.
func LocalizeCounts(counts map[string]int) map[string]int {
	if counts == nil {
		return nil
	}
	out := make(map[string]int, len(counts))
	for species, n := range counts {
		out[Localize(species)] += n
	}
	return out
}
