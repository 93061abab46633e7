package formschema

import (
	"errors"
	"reflect"
	"testing"
)

func boolPtr(b bool) *bool { return &b }

// =========== IsIDTaken Tests ===========

func TestIsIDTaken(t *testing.T) {
	s := mustParse(t, vitalsSchema)

	if IsIDTaken(s, "temperature", "temperature") {
		t.Error("original id must never be reported as taken")
	}
	if !IsIDTaken(s, "temperature", "painScale") {
		t.Error("expected id of another question to be taken")
	}
	if !IsIDTaken(s, "temperature", "clinicalNotes") {
		t.Error("expected id on another page to be taken")
	}
	if IsIDTaken(s, "temperature", "weight") {
		t.Error("expected unused id to be free")
	}
}

func TestNewIDIndex_CountsDuplicates(t *testing.T) {
	s := mustParse(t, vitalsSchema)
	s.Pages[1].Sections[0].Questions[0].ID = "painScale"

	ix := NewIDIndex(s)
	if ix["painScale"] != 2 {
		t.Errorf("expected painScale twice, got %d", ix["painScale"])
	}
	if NewIDIndex(nil).Contains("x") {
		t.Error("nil schema should have no ids")
	}
}

// =========== MergeAnswers Tests ===========

var baselineAnswers = []Answer{
	{Concept: "c-none", Label: "None"},
	{Concept: "c-mild", Label: "Mild"},
}

func TestMergeAnswers(t *testing.T) {
	picks := []SelectedAnswer{{ID: "a1", Text: "Yes"}, {ID: "a2", Text: "No"}}
	fromConcept := []Answer{{Concept: "a1", Label: "Yes"}, {Concept: "a2", Label: "No"}, {Concept: "a3", Label: "Unknown"}}

	tests := []struct {
		name string
		in   MergeInput
		want []Answer
	}{
		{
			name: "unchanged concept with picks",
			in:   MergeInput{Selected: picks, Original: baselineAnswers},
			want: []Answer{{Concept: "a1", Label: "Yes"}, {Concept: "a2", Label: "No"}},
		},
		{
			name: "changed to concept without answers",
			in:   MergeInput{ConceptChanged: true, Selected: picks, Original: baselineAnswers},
			want: []Answer{},
		},
		{
			name: "changed to concept with answers and picks",
			in:   MergeInput{ConceptChanged: true, FromConcept: fromConcept, Selected: picks, Original: baselineAnswers},
			want: []Answer{{Concept: "a1", Label: "Yes"}, {Concept: "a2", Label: "No"}},
		},
		{
			name: "changed to concept with answers, nothing picked",
			in:   MergeInput{ConceptChanged: true, FromConcept: fromConcept, Original: baselineAnswers},
			want: baselineAnswers,
		},
		{
			name: "unchanged concept, nothing picked",
			in:   MergeInput{Original: baselineAnswers},
			want: baselineAnswers,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeAnswers(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestMergeAnswers_ClearedIsNotNil(t *testing.T) {
	got := MergeAnswers(MergeInput{ConceptChanged: true})
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil list, got %#v", got)
	}
}

// =========== Compose Tests ===========

func TestCompose_EmptyDraftIsIdentity(t *testing.T) {
	s := mustParse(t, vitalsSchema)
	for _, q := range []Question{
		s.Pages[0].Sections[0].Questions[0],
		s.Pages[0].Sections[0].Questions[1],
		s.Pages[1].Sections[0].Questions[0],
	} {
		got := Compose(q, Draft{})
		if !reflect.DeepEqual(got, q) {
			t.Errorf("%s: expected identity, got %+v", q.ID, got)
		}
	}
}

func TestCompose_RequiredStringTrueToOptional(t *testing.T) {
	s := mustParse(t, vitalsSchema)
	q := s.Pages[0].Sections[0].Questions[0]
	if !q.Required.Bool() {
		t.Fatal("baseline should be required")
	}

	got := Compose(q, Draft{Required: boolPtr(false)})
	if got.Required.Bool() {
		t.Error("expected composed question to be optional")
	}
}

func TestCompose_OverridesSetFields(t *testing.T) {
	s := mustParse(t, vitalsSchema)
	q := s.Pages[0].Sections[0].Questions[1]

	got := Compose(q, Draft{ID: "painLevel", Label: "Pain level", Type: "obs", Rendering: "select", Required: boolPtr(true)})
	if got.ID != "painLevel" || got.Label != "Pain level" || got.QuestionOptions.Rendering != "select" {
		t.Errorf("unexpected composed question %+v", got)
	}
	if !got.Required.Bool() {
		t.Error("expected required")
	}
	if got.QuestionOptions.Concept != q.QuestionOptions.Concept {
		t.Error("concept should fall back to the original")
	}
	if !reflect.DeepEqual(got.QuestionOptions.Answers, q.QuestionOptions.Answers) {
		t.Error("answers should fall back to the original")
	}
}

func TestCompose_ConceptSwitchWithPicks(t *testing.T) {
	s := mustParse(t, vitalsSchema)
	q := s.Pages[1].Sections[0].Questions[0]

	mappings := []ConceptMapping{
		{Relationship: "SAME-AS", Type: "CIEL", Value: "1065"},
		{Relationship: "NARROWER-THAN", Type: "SNOMED CT", Value: "373066001"},
	}
	d := Draft{
		Concept:         "c2",
		ConceptMappings: mappings,
		AnswersFromConcept: []Answer{
			{Concept: "y", Label: "Yes"}, {Concept: "n", Label: "No"}, {Concept: "u", Label: "Unknown"},
		},
		SelectedAnswers: []SelectedAnswer{{ID: "y", Text: "Yes"}, {ID: "n", Text: "No"}},
	}

	got := Compose(q, d)
	if got.QuestionOptions.Concept != "c2" {
		t.Errorf("expected concept c2, got %s", got.QuestionOptions.Concept)
	}
	if len(got.QuestionOptions.Answers) != 2 || got.QuestionOptions.Answers[1].Label != "No" {
		t.Errorf("expected the two picks, got %+v", got.QuestionOptions.Answers)
	}
	if !reflect.DeepEqual(got.QuestionOptions.ConceptMappings, mappings) {
		t.Errorf("expected mappings of the new concept, got %+v", got.QuestionOptions.ConceptMappings)
	}
}

func TestCompose_ConceptSwitchWithoutMappingsClearsMappings(t *testing.T) {
	s := mustParse(t, vitalsSchema)
	q := s.Pages[0].Sections[0].Questions[0]

	got := Compose(q, Draft{Concept: "bare"})
	if got.QuestionOptions.ConceptMappings == nil || len(got.QuestionOptions.ConceptMappings) != 0 {
		t.Errorf("expected empty mappings, got %+v", got.QuestionOptions.ConceptMappings)
	}
	if q.QuestionOptions.ConceptMappings[0].Value != "5088" {
		t.Error("original mappings were modified")
	}
}

func TestCompose_NumberAndTextareaOptions(t *testing.T) {
	s := mustParse(t, vitalsSchema)

	num := Compose(s.Pages[0].Sections[0].Questions[0], Draft{Min: "30", Max: "45"})
	if string(num.QuestionOptions.Extra["min"]) != `"30"` || string(num.QuestionOptions.Extra["max"]) != `"45"` {
		t.Errorf("unexpected min/max %s/%s", num.QuestionOptions.Extra["min"], num.QuestionOptions.Extra["max"])
	}

	area := Compose(s.Pages[1].Sections[0].Questions[0], Draft{Rows: 6, Min: "1"})
	if string(area.QuestionOptions.Extra["rows"]) != "6" {
		t.Errorf("expected rows 6, got %s", area.QuestionOptions.Extra["rows"])
	}
	if _, ok := area.QuestionOptions.Extra["min"]; ok {
		t.Error("min only applies to the number rendering")
	}
}

func TestCompose_RenderingSwitchDropsStaleOptions(t *testing.T) {
	s := mustParse(t, vitalsSchema)

	temp := s.Pages[0].Sections[0].Questions[0]
	got := Compose(temp, Draft{Rendering: "text"})
	for _, key := range []string{"min", "max"} {
		if _, ok := got.QuestionOptions.Extra[key]; ok {
			t.Errorf("expected %s to be dropped after leaving number", key)
		}
	}
	if _, ok := temp.QuestionOptions.Extra["min"]; !ok {
		t.Error("original options were modified")
	}

	notes := s.Pages[1].Sections[0].Questions[0]
	got = Compose(notes, Draft{Rendering: RenderingNumber, Max: "10"})
	if _, ok := got.QuestionOptions.Extra["rows"]; ok {
		t.Error("expected rows to be dropped after leaving textarea")
	}
	if string(got.QuestionOptions.Extra["max"]) != `"10"` {
		t.Errorf("expected max 10, got %s", got.QuestionOptions.Extra["max"])
	}

	same := Compose(temp, Draft{Rendering: RenderingNumber})
	if string(same.QuestionOptions.Extra["max"]) != `"43"` {
		t.Errorf("unchanged rendering should keep max, got %s", same.QuestionOptions.Extra["max"])
	}
}

func TestCompose_RepickedAnswerKeepsExtras(t *testing.T) {
	s := mustParse(t, sparseSchema)
	q := s.Pages[0].Sections[0].Questions[1]

	got := Compose(q, Draft{SelectedAnswers: []SelectedAnswer{{ID: "1065", Text: "Yes, currently"}}})
	if len(got.QuestionOptions.Answers) != 1 {
		t.Fatalf("expected one answer, got %+v", got.QuestionOptions.Answers)
	}
	a := got.QuestionOptions.Answers[0]
	if a.Label != "Yes, currently" {
		t.Errorf("expected the picked label, got %q", a.Label)
	}
	if _, ok := a.Extra["conceptMappings"]; !ok {
		t.Errorf("expected answer extras to survive the pick, got %v", a.Extra)
	}
}

// =========== Rules Tests ===========

func TestRules_Validate(t *testing.T) {
	s := mustParse(t, vitalsSchema)
	q := s.Pages[0].Sections[0].Questions[0]
	rules := Rules{
		QuestionTypes:   []string{"obs", "obsGroup"},
		FieldTypes:      []string{"number", "text", "select"},
		DuplicatePolicy: DuplicateBlock,
	}

	if err := rules.Validate(s, q, Compose(q, Draft{})); err != nil {
		t.Errorf("untouched question should validate: %v", err)
	}

	err := rules.Validate(s, q, Compose(q, Draft{Type: "bogus"}))
	if !errors.Is(err, ErrInvalidQuestion) {
		t.Errorf("expected ErrInvalidQuestion, got %v", err)
	}

	err = rules.Validate(s, q, Compose(q, Draft{Rendering: "hologram"}))
	if !errors.Is(err, ErrInvalidQuestion) {
		t.Errorf("expected ErrInvalidQuestion, got %v", err)
	}

	err = rules.Validate(s, q, Compose(q, Draft{ID: "painScale"}))
	if !errors.Is(err, ErrDuplicateQuestionID) {
		t.Errorf("expected ErrDuplicateQuestionID, got %v", err)
	}

	rules.DuplicatePolicy = DuplicateAdvisory
	if err := rules.Validate(s, q, Compose(q, Draft{ID: "painScale"})); err != nil {
		t.Errorf("advisory policy should not block: %v", err)
	}
}

func TestRules_KeepsUnlistedOriginalValues(t *testing.T) {
	s := mustParse(t, vitalsSchema)
	q := s.Pages[0].Sections[0].Questions[1]
	rules := Rules{QuestionTypes: []string{"obsGroup"}, FieldTypes: []string{"text"}}

	if err := rules.Validate(s, q, Compose(q, Draft{Label: "Pain score"})); err != nil {
		t.Errorf("values inherited from the original should not be checked: %v", err)
	}
}
