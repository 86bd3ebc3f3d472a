package protocol

import (
	"encoding/json"
	"reflect"
	"testing"
)

func validRequest() *Request {
	return &Request{
		ID:           "req-1",
		VirtualModel: "gpt-4o",
		Messages:     []Message{{Role: RoleUser, Content: "hi"}},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
		ok     bool
	}{
		{"valid", func(*Request) {}, true},
		{"missing id", func(r *Request) { r.ID = "" }, false},
		{"no messages", func(r *Request) { r.Messages = nil }, false},
		{"unnamed tool", func(r *Request) { r.Tools = []Tool{{}} }, false},
		{"duplicate tool", func(r *Request) { r.Tools = []Tool{{Name: "f"}, {Name: "f"}} }, false},
		{"tool choice auto", func(r *Request) { r.ToolChoice = &ToolChoice{Mode: ToolChoiceAuto} }, true},
		{"tool choice function without name", func(r *Request) { r.ToolChoice = &ToolChoice{Mode: ToolChoiceFunction} }, false},
		{"tool choice function with name", func(r *Request) { r.ToolChoice = &ToolChoice{Mode: ToolChoiceFunction, Name: "f"} }, true},
		{"unknown tool choice", func(r *Request) { r.ToolChoice = &ToolChoice{Mode: "maybe"} }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRequest()
			tt.mutate(r)
			err := r.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate: %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("invalid request accepted")
				}
				if KindOf(err) != KindBadRequest {
					t.Errorf("kind = %s", KindOf(err))
				}
			}
		})
	}
}

func TestStopSequencesWireForms(t *testing.T) {
	tests := []struct {
		name string
		body string
		want StopSequences
		ok   bool
	}{
		{"bare string", `{"id":"r","model":"m","messages":[],"sampling":{"stop":"END"}}`, StopSequences{"END"}, true},
		{"array", `{"id":"r","model":"m","messages":[],"sampling":{"stop":["a","b"]}}`, StopSequences{"a", "b"}, true},
		{"absent", `{"id":"r","model":"m","messages":[],"sampling":{}}`, nil, true},
		{"number", `{"id":"r","model":"m","messages":[],"sampling":{"stop":42}}`, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Request
			err := json.Unmarshal([]byte(tt.body), &r)
			if !tt.ok {
				if err == nil {
					t.Fatal("malformed stop accepted")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if !reflect.DeepEqual(r.Sampling.Stop, tt.want) {
				t.Errorf("stop = %v, want %v", r.Sampling.Stop, tt.want)
			}
		})
	}

	out, err := json.Marshal(Sampling{Stop: StopSequences{"END"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(out) != `{"stop":["END"]}` {
		t.Errorf("marshaled = %s", out)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	temp := 0.5
	r := validRequest()
	r.Sampling.Temperature = &temp
	r.Tools = []Tool{{Name: "f"}}
	r.ToolChoice = &ToolChoice{Mode: ToolChoiceAuto}

	c := r.Clone()
	c.Messages[0].Content = "changed"
	c.Tools[0].Name = "g"
	*c.Sampling.Temperature = 0.9
	c.ToolChoice.Mode = ToolChoiceNone

	if r.Messages[0].Content != "hi" {
		t.Error("message aliased")
	}
	if r.Tools[0].Name != "f" {
		t.Error("tools aliased")
	}
	if *r.Sampling.Temperature != 0.5 {
		t.Error("sampling aliased")
	}
	if r.ToolChoice.Mode != ToolChoiceAuto {
		t.Error("tool choice aliased")
	}
}

func TestMessageText(t *testing.T) {
	plain := Message{Content: "plain"}
	if plain.Text() != "plain" {
		t.Errorf("Text = %q", plain.Text())
	}

	parts := Message{
		Content: "ignored when parts exist",
		Parts: []ContentPart{
			TextPart("a"),
			{Type: PartImage, Image: &ImageSource{URL: "http://x"}},
			TextPart("b"),
		},
	}
	if parts.Text() != "ab" {
		t.Errorf("Text = %q", parts.Text())
	}
}

func TestRoleValid(t *testing.T) {
	for _, r := range []Role{RoleSystem, RoleUser, RoleAssistant, RoleTool} {
		if !r.Valid() {
			t.Errorf("%s reported invalid", r)
		}
	}
	if Role("developer").Valid() {
		t.Error("developer reported valid")
	}
}
