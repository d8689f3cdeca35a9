package agent

import "testing"

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"fenced json", "Here you go:\n```json\n{\"a\": 1}\n```\n", `{"a": 1}`},
		{"fenced no lang", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"bare json", `{"a": 1}`, `{"a": 1}`},
		{"json with prose", `Sure! {"a": 1} Hope that helps.`, `{"a": 1}`},
		{"no json at all", "  plain text  ", "plain text"},
	}
	for _, c := range cases {
		if got := ExtractJSON(c.in); got != c.want {
			t.Errorf("%s: ExtractJSON = %q, want %q", c.name, got, c.want)
		}
	}
}
