package formschema

// SelectedAnswer is an explicit pick from the answer selection widget.
type SelectedAnswer struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// MergeInput is everything the answer merge depends on.
type MergeInput struct {
	ConceptChanged bool
	FromConcept    []Answer
	Selected       []SelectedAnswer
	Original       []Answer
}

// MergeAnswers decides the final answer list of an edited question. Rules
// are evaluated in order:
//
//  1. concept unchanged and answers picked: the picks, keeping the extra
//     keys of original answers that were picked again
//  2. concept changed to one without answers: empty
//  3. concept changed to one with answers and answers picked: the picks
//  4. otherwise: the original answers
func MergeAnswers(in MergeInput) []Answer {
	switch {
	case !in.ConceptChanged && len(in.Selected) > 0:
		return fromSelected(in.Selected, in.Original)
	case in.ConceptChanged && len(in.FromConcept) == 0:
		return []Answer{}
	case in.ConceptChanged && len(in.Selected) > 0:
		return fromSelected(in.Selected, nil)
	default:
		return in.Original
	}
}

func fromSelected(selected []SelectedAnswer, original []Answer) []Answer {
	out := make([]Answer, 0, len(selected))
	for _, s := range selected {
		a := Answer{Concept: s.ID, Label: s.Text}
		for _, o := range original {
			if o.Concept == s.ID {
				a = o
				a.Label = s.Text
				a.Extra = cloneRaw(o.Extra)
				break
			}
		}
		out = append(out, a)
	}
	return out
}

// AsSelected converts answers into widget picks.
func AsSelected(answers []Answer) []SelectedAnswer {
	out := make([]SelectedAnswer, 0, len(answers))
	for _, a := range answers {
		out = append(out, SelectedAnswer{ID: a.Concept, Text: a.Label})
	}
	return out
}
