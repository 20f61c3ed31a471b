package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTMLToText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "paragraphs and breaks",
			in:   "<p>Hello&nbsp;there</p><p>Line one<br>Line two</p>",
			want: "Hello there\n\nLine one\nLine two",
		},
		{
			name: "drops script and style",
			in:   "<html><head><style>p{}</style></head><body><script>x()</script><div>Body</div></body></html>",
			want: "Body",
		},
		{
			name: "entities decoded",
			in:   "<div>A &amp; B &lt;c&gt;</div>",
			want: "A & B <c>",
		},
		{
			name: "blockquote is quoted",
			in:   "<div>Sounds good</div><blockquote><div>Original line</div><div>Second</div></blockquote>",
			want: "Sounds good\n\n> Original line\n>\n> Second",
		},
		{
			name: "list items",
			in:   "<ul><li>one</li><li>two</li></ul>",
			want: "- one\n- two",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTMLToText(tt.in))
		})
	}
}
