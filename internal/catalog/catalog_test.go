package catalog_test

import (
	"testing"

	"wildlife-backend/internal/catalog"

	"github.com/stretchr/testify/assert"
)

func TestNameOf(t *testing.T) {
	cat := catalog.New(map[int]string{0: "zebra", 3: "giraffe"})

	assert.Equal(t, "zebra", cat.NameOf(0))
	assert.Equal(t, "giraffe", cat.NameOf(3))
	assert.Equal(t, "class_7", cat.NameOf(7))
}

func TestNewCopiesClasses(t *testing.T) {
	classes := map[int]string{1: "buffalo"}
	cat := catalog.New(classes)

	classes[1] = "mutated"
	assert.Equal(t, "buffalo", cat.NameOf(1))

	snapshot := cat.Classes()
	snapshot[1] = "mutated again"
	assert.Equal(t, "buffalo", cat.NameOf(1))
}

func TestLocalize(t *testing.T) {
	assert.Equal(t, "Elefante", catalog.Localize("elephant"))
	assert.Equal(t, "Elefante", catalog.Localize("Elephant"))
	assert.Equal(t, "Sin Animal", catalog.Localize("no_animal"))

	// Names without a display entry pass through unchanged.
	assert.Equal(t, "class_9", catalog.Localize("class_9"))
	assert.Equal(t, "zebra", catalog.Localize("zebra"))
}

func TestLocalizeIsNotAppliedTwice(t *testing.T) {
	once := catalog.Localize("warthog")
	assert.Equal(t, "Jabalí Verrugoso", once)
	assert.Equal(t, once, catalog.Localize(once))
}

func TestLocalizeCounts(t *testing.T) {
	counts := map[string]int{"elephant": 3, "kob": 1, "zebra": 2}

	localized := catalog.LocalizeCounts(counts)
	assert.Equal(t, map[string]int{"Elefante": 3, "Kob": 1, "zebra": 2}, localized)

	// Original keys are untouched.
	assert.Equal(t, map[string]int{"elephant": 3, "kob": 1, "zebra": 2}, counts)

	assert.Nil(t, catalog.LocalizeCounts(nil))
}
