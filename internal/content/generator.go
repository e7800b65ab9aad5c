// Package content holds the fixed catalog used for synthetic automated messages.
package content

import (
	"math/rand/v2"

	"github.com/LeventeLantos/automessage-pipeline/internal/model"
)

type Content struct {
	Template model.Template
	Text     string
}

type entry struct {
	template model.Template
	texts    []string
}

var catalog = []entry{
	{model.TemplateGreeting, []string{
		"Hello! How is it going?",
		"Hi! How is your day so far?",
		"Hey! What's new?",
		"Hello! I hope you are having a great day.",
	}},
	{model.TemplateMotivation, []string{
		"I believe you will do great things today!",
		"You can handle anything that comes your way!",
		"You are on the right track to reach your goals.",
		"You are taking important steps on the road to success.",
	}},
	{model.TemplateQuestion, []string{
		"Which season do you like the most?",
		"Is there something that made you happy today?",
		"When did you last learn something new?",
		"What are your plans for the weekend?",
	}},
	{model.TemplateFunFact, []string{
		"Did you know? A blue whale's heart can be as big as a small car!",
		"Fun fact: only about 5% of the oceans have been explored.",
		"Guess what: we breathe around 20,000 times a day!",
		"Surprising: some ants never sleep in the way we do!",
	}},
	{model.TemplateQuote, []string{
		`"Luck is what happens when preparation meets opportunity." - Seneca`,
		`"The best way to predict the future is to create it." - Peter Drucker`,
		`"It does not matter how slowly you go as long as you do not stop." - Confucius`,
		`"The only way to do great work is to love what you do." - Steve Jobs`,
	}},
}

// Generator picks a random (template, text) pair from the catalog.
type Generator struct {
	rnd *rand.Rand
}

// NewGenerator uses rnd when non-nil, otherwise the global source.
func NewGenerator(rnd *rand.Rand) *Generator {
	return &Generator{rnd: rnd}
}

func (g *Generator) Generate() Content {
	e := catalog[g.intN(len(catalog))]
	return Content{
		Template: e.template,
		Text:     e.texts[g.intN(len(e.texts))],
	}
}

func (g *Generator) intN(n int) int {
	if g.rnd != nil {
		return g.rnd.IntN(n)
	}
	return rand.IntN(n)
}

// Templates returns the templates the catalog can produce.
func Templates() []model.Template {
	out := make([]model.Template, 0, len(catalog))
	for _, e := range catalog {
		out = append(out, e.template)
	}
	return out
}
