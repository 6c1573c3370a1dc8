// ABOUTME: Tests for body and context validation
// ABOUTME: Table driven over each issue code plus determinism and sanitization

package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	v := New(100)

	tests := []struct {
		name  string
		body  string
		valid bool
		codes []Code
	}{
		{"plain text", "Summarised three papers on retrieval augmented generation.", true, nil},
		{"markdown with code span", "Run `go test ./...` before pushing.\n\n- item one\n- item two", true, nil},
		{"empty", "", false, []Code{CodeEmpty}},
		{"whitespace only", " \n\t ", false, []Code{CodeEmpty}},
		{"too long", strings.Repeat("a", 101), false, []Code{CodeTooLong}},
		{"invalid utf8", "abc\xff\xfe", false, []Code{CodeInvalidEncoding}},
		{"null byte", "abc\x00def", false, []Code{CodeNullByte}},
		{"control char", "bell\x07here", false, []Code{CodeControlChar}},
		{"fullwidth letters", "ｈｅｌｌｏ", false, []Code{CodeUnicodeDenormalized}},
		{"script tag", "<script>alert(1)</script>", false, []Code{CodeInjectionPattern}},
		{"javascript uri", "[x](javascript:alert(1))", false, []Code{CodeInjectionPattern}},
		{"event handler", `<img src=x onerror="alert(1)">`, false, []Code{CodeInjectionPattern}},
		{"shell substitution", "echo $(cat /etc/passwd)", false, []Code{CodeInjectionPattern}},
		{"union select", "1 UNION SELECT password FROM users", false, []Code{CodeInjectionPattern}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := v.Validate(tt.body)
			assert.Equal(t, tt.valid, r.Valid)
			if tt.codes == nil {
				assert.Empty(t, r.Issues)
				assert.Zero(t, r.RiskScore)
				return
			}
			for _, c := range tt.codes {
				assert.Contains(t, r.Codes(), c)
			}
		})
	}
}

func TestValidate_SQLInjectionExample(t *testing.T) {
	v := New(10000)
	r := v.Validate("'; DROP TABLE x; --")

	assert.False(t, r.Valid)
	assert.Contains(t, r.Codes(), CodeInjectionPattern)
	assert.Greater(t, len(r.Issues), 1, "each matching pattern is reported")
	assert.Equal(t, 1.0, r.RiskScore, "risk is clamped")
}

func TestValidate_RiskAccumulates(t *testing.T) {
	v := New(10000)
	one := v.Validate("<script>x</script>")
	two := v.Validate("<script>x</script> javascript:y")

	assert.Greater(t, two.RiskScore, one.RiskScore)
	assert.LessOrEqual(t, two.RiskScore, 1.0)
}

func TestValidate_Deterministic(t *testing.T) {
	v := New(10000)
	body := "'; DROP TABLE x; -- <script> $(id)"
	assert.Equal(t, v.Validate(body), v.Validate(body))
}

func TestValidate_Sanitized(t *testing.T) {
	v := New(100)
	r := v.Validate("  line one\r\nline two  \n")
	require.True(t, r.Valid)
	assert.Equal(t, "line one\nline two", r.Sanitized)
}

func TestValidate_LengthCountsRunes(t *testing.T) {
	v := New(3)
	assert.True(t, v.Validate("héé").Valid)
	assert.False(t, v.Validate("héééé").Valid)
}

func TestValidate_NoMutationByCallers(t *testing.T) {
	v := New(100)
	r := v.Validate("ok")
	require.NotNil(t, r.Issues)
	assert.Len(t, r.Issues, 0)
}

func TestValidateContext(t *testing.T) {
	v := New(100)

	tests := []struct {
		name  string
		raw   string
		valid bool
		code  Code
		field string
	}{
		{"empty", ``, true, "", ""},
		{"null", `null`, true, "", ""},
		{"all fields", `{"parent_id":"abc","recent_posts":3,"recent_replies":1,"thread_depth":2,"tags":["go","ai"],"language":"en","reply_to_author":"addr"}`, true, "", ""},
		{"unknown key", `{"admin":true}`, false, CodeContextKeyNotAllowed, "admin"},
		{"string for int", `{"recent_posts":"3"}`, false, CodeTypeMismatch, "recent_posts"},
		{"fractional int", `{"thread_depth":1.5}`, false, CodeTypeMismatch, "thread_depth"},
		{"negative", `{"recent_posts":-1}`, false, CodeOutOfRange, "recent_posts"},
		{"too deep", `{"thread_depth":65}`, false, CodeOutOfRange, "thread_depth"},
		{"too many tags", `{"tags":["a","b","c","d","e","f","g","h","i"]}`, false, CodeOutOfRange, "tags"},
		{"non string tag", `{"tags":["a",1]}`, false, CodeTypeMismatch, "tags"},
		{"long tag", `{"tags":["` + strings.Repeat("t", 33) + `"]}`, false, CodeOutOfRange, "tags"},
		{"long parent", `{"parent_id":"` + strings.Repeat("p", 65) + `"}`, false, CodeOutOfRange, "parent_id"},
		{"not an object", `[1,2]`, false, CodeTypeMismatch, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, r := v.ValidateContextJSON([]byte(tt.raw))
			assert.Equal(t, tt.valid, r.Valid)
			if !tt.valid {
				require.NotEmpty(t, r.Issues)
				assert.Equal(t, tt.code, r.Issues[0].Code)
				assert.Equal(t, tt.field, r.Issues[0].Field)
			}
		})
	}
}

func TestValidateContext_Typed(t *testing.T) {
	v := New(100)
	c, r := v.ValidateContextJSON([]byte(`{"parent_id":"p1","recent_posts":7,"tags":["x"]}`))
	require.True(t, r.Valid)

	assert.Equal(t, "p1", c.ParentID)
	require.NotNil(t, c.RecentPosts)
	assert.Equal(t, 7, *c.RecentPosts)
	assert.Nil(t, c.ThreadDepth)
	assert.Equal(t, []string{"x"}, c.Tags)
	assert.True(t, c.IsReply())
	assert.Equal(t, map[string]any{"parent_id": "p1", "recent_posts": 7, "tags": []any{"x"}}, c.Map())
}

func TestValidateContext_RejectsHiddenBytes(t *testing.T) {
	v := New(100)

	tests := []struct {
		name  string
		raw   string
		field string
		code  Code
	}{
		{"nul in string", `{"parent_id":"abc\u0000def"}`, "parent_id", CodeNullByte},
		{"control in string", `{"language":"en\u001b"}`, "language", CodeControlChar},
		{"nul in tag", `{"tags":["ok","x\u0000"]}`, "tags", CodeNullByte},
		{"bell in tag", `{"tags":["x\u0007y"]}`, "tags", CodeControlChar},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, r := v.ValidateContextJSON([]byte(tt.raw))
			assert.False(t, r.Valid)
			require.Len(t, r.Issues, 1)
			assert.Equal(t, tt.field, r.Issues[0].Field)
			assert.Equal(t, tt.code, r.Issues[0].Code)
			assert.Empty(t, c.ParentID)
			assert.Empty(t, c.Tags)
		})
	}
}

func TestValidateContext_IssuesSortedByKey(t *testing.T) {
	v := New(100)
	_, r := v.ValidateContext(map[string]any{"zeta": 1, "alpha": 2, "recent_posts": "x"})
	require.Len(t, r.Issues, 3)
	assert.Equal(t, "alpha", r.Issues[0].Field)
	assert.Equal(t, "recent_posts", r.Issues[1].Field)
	assert.Equal(t, "zeta", r.Issues[2].Field)
}
