package game

// The built-in catalog is a placeholder board. Operators load their own
// questions into the database; the seed only guarantees every cell resolves.

var seedCategories = []string{
	"Geography",
	"History",
	"Movies",
	"Music",
	"Science",
}

var seedValues = []int{100, 200, 300, 400, 500}

func defaultCategories() []string {
	cats := make([]string, len(seedCategories))
	copy(cats, seedCategories)
	return cats
}

func seedQuestions() []Question {
	var questions []Question
	for round := 1; round <= rounds; round++ {
		for _, category := range seedCategories {
			for _, points := range seedValues {
				questions = append(questions, Question{
					Category: category,
					Round:    round,
					Points:   points,
					Text:     seedText(category, points, round),
				})
			}
		}
	}
	return questions
}

func seedText(category string, points, round int) string {
	texts := map[string]string{
		"Geography": "Name the capital city asked for on this card.",
		"History":   "Name the year or figure asked for on this card.",
		"Movies":    "Name the film or director asked for on this card.",
		"Music":     "Name the artist or song asked for on this card.",
		"Science":   "Name the element or law asked for on this card.",
	}
	return texts[category]
}
