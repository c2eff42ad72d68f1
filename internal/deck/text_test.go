package deck

import "testing"

func TestStripHTML(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "What is the capital of France?", "What is the capital of France?"},
		{"inline tags", "What is the capital of <b>France</b>?", "What is the capital of France?"},
		{"entities", "Tom &amp; Jerry &lt;3&nbsp;cheese", "Tom & Jerry <3 cheese"},
		{"block tags separate words", "<div>Front</div><div>side</div>", "Front side"},
		{"line break", "one<br>two<br/>three", "one two three"},
		{"script dropped", "Q<script>alert(1)</script>?", "Q?"},
		{"style dropped", "<style>.card{color:red}</style>Hello", "Hello"},
		{"sound tag dropped", "Bonjour [sound:bonjour.mp3]", "Bonjour"},
		{"whitespace collapsed", "  lots \n\t of   space  ", "lots of space"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := StripHTML(tt.in); got != tt.want {
				t.Errorf("StripHTML(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
