// ABOUTME: Closed whitelist of context fields a submission may carry
// ABOUTME: Rejects unknown keys and enforces per-field type and range constraints

package validate

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"unicode/utf8"
)

// Context is the validated, typed form of a submission's context. Only these
// fields exist; anything else is rejected at the boundary.
type Context struct {
	ParentID      string   `json:"parent_id,omitempty" cbor:"parent_id,omitempty"`
	RecentPosts   *int     `json:"recent_posts,omitempty" cbor:"recent_posts,omitempty"`
	RecentReplies *int     `json:"recent_replies,omitempty" cbor:"recent_replies,omitempty"`
	ThreadDepth   *int     `json:"thread_depth,omitempty" cbor:"thread_depth,omitempty"`
	Tags          []string `json:"tags,omitempty" cbor:"tags,omitempty"`
	Language      string   `json:"language,omitempty" cbor:"language,omitempty"`
	ReplyToAuthor string   `json:"reply_to_author,omitempty" cbor:"reply_to_author,omitempty"`
}

// IsReply reports whether the submission answers another unit.
func (c Context) IsReply() bool {
	return c.ParentID != "" || c.ReplyToAuthor != ""
}

// Map returns the context as a generic map, for policy input.
func (c Context) Map() map[string]any {
	m := map[string]any{}
	if c.ParentID != "" {
		m["parent_id"] = c.ParentID
	}
	if c.RecentPosts != nil {
		m["recent_posts"] = *c.RecentPosts
	}
	if c.RecentReplies != nil {
		m["recent_replies"] = *c.RecentReplies
	}
	if c.ThreadDepth != nil {
		m["thread_depth"] = *c.ThreadDepth
	}
	if len(c.Tags) > 0 {
		tags := make([]any, len(c.Tags))
		for i, t := range c.Tags {
			tags[i] = t
		}
		m["tags"] = tags
	}
	if c.Language != "" {
		m["language"] = c.Language
	}
	if c.ReplyToAuthor != "" {
		m["reply_to_author"] = c.ReplyToAuthor
	}
	return m
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindInt
	kindStringList
)

type fieldRule struct {
	kind    fieldKind
	maxLen  int // strings: runes; lists: elements
	minInt  int
	maxInt  int
	elemLen int // list elements: runes
	set     func(c *Context, v any)
}

var contextRules = map[string]fieldRule{
	"parent_id":       {kind: kindString, maxLen: 64, set: func(c *Context, v any) { c.ParentID = v.(string) }},
	"recent_posts":    {kind: kindInt, minInt: 0, maxInt: 10000, set: func(c *Context, v any) { n := v.(int); c.RecentPosts = &n }},
	"recent_replies":  {kind: kindInt, minInt: 0, maxInt: 10000, set: func(c *Context, v any) { n := v.(int); c.RecentReplies = &n }},
	"thread_depth":    {kind: kindInt, minInt: 0, maxInt: 64, set: func(c *Context, v any) { n := v.(int); c.ThreadDepth = &n }},
	"tags":            {kind: kindStringList, maxLen: 8, elemLen: 32, set: func(c *Context, v any) { c.Tags = v.([]string) }},
	"language":        {kind: kindString, maxLen: 16, set: func(c *Context, v any) { c.Language = v.(string) }},
	"reply_to_author": {kind: kindString, maxLen: 128, set: func(c *Context, v any) { c.ReplyToAuthor = v.(string) }},
}

// ValidateContextJSON decodes raw as a JSON object and validates it. Empty input
// is an empty context.
func (v *Validator) ValidateContextJSON(raw []byte) (Context, Result) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return v.ValidateContext(nil)
	}
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		var r Result
		r.add(CodeTypeMismatch, 0, "context must be a JSON object")
		return Context{}, r.finish()
	}
	return v.ValidateContext(m)
}

// ValidateContext checks every key against the whitelist. Keys are visited in
// sorted order so the issue list is deterministic.
func (v *Validator) ValidateContext(raw map[string]any) (Context, Result) {
	var r Result
	var c Context

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		rule, ok := contextRules[key]
		if !ok {
			r.addField(key, CodeContextKeyNotAllowed, 0.1, "context key %q is not allowed", key)
			continue
		}
		val, code, msg := rule.check(raw[key])
		if code != "" {
			r.addField(key, code, 0, "%s: %s", key, msg)
			continue
		}
		rule.set(&c, val)
	}

	res := r.finish()
	if !res.Valid {
		return Context{}, res
	}
	return c, res
}

func (r *Result) addField(field string, code Code, risk float64, format string, args ...any) {
	r.add(code, risk, format, args...)
	r.Issues[len(r.Issues)-1].Field = field
}

func (f fieldRule) check(v any) (any, Code, string) {
	switch f.kind {
	case kindString:
		s, ok := v.(string)
		if !ok {
			return nil, CodeTypeMismatch, "expected string"
		}
		if utf8.RuneCountInString(s) > f.maxLen {
			return nil, CodeOutOfRange, "longer than allowed"
		}
		if code, msg := checkChars(s); code != "" {
			return nil, code, msg
		}
		return s, "", ""

	case kindInt:
		n, ok := toInt(v)
		if !ok {
			return nil, CodeTypeMismatch, "expected integer"
		}
		if n < f.minInt || n > f.maxInt {
			return nil, CodeOutOfRange, "outside allowed range"
		}
		return n, "", ""

	case kindStringList:
		list, ok := v.([]any)
		if !ok {
			if ss, isStrings := v.([]string); isStrings {
				list = make([]any, len(ss))
				for i, s := range ss {
					list[i] = s
				}
			} else {
				return nil, CodeTypeMismatch, "expected list of strings"
			}
		}
		if len(list) > f.maxLen {
			return nil, CodeOutOfRange, "too many elements"
		}
		out := make([]string, 0, len(list))
		for _, e := range list {
			s, ok := e.(string)
			if !ok {
				return nil, CodeTypeMismatch, "expected list of strings"
			}
			if utf8.RuneCountInString(s) > f.elemLen {
				return nil, CodeOutOfRange, "element longer than allowed"
			}
			if code, msg := checkChars(s); code != "" {
				return nil, code, "element " + msg
			}
			out = append(out, s)
		}
		return out, "", ""
	}
	return nil, CodeTypeMismatch, "unsupported field"
}

// checkChars rejects the same byte-level hazards in context strings that the
// body check rejects.
func checkChars(s string) (Code, string) {
	switch {
	case !utf8.ValidString(s):
		return CodeInvalidEncoding, "contains invalid UTF-8"
	case strings.IndexByte(s, 0) >= 0:
		return CodeNullByte, "contains a NUL byte"
	}
	if _, bad := firstControl(s); bad {
		return CodeControlChar, "contains a control character"
	}
	return "", ""
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		if n < math.MinInt32 || n > math.MaxInt32 {
			return 0, false
		}
		return int(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || n < math.MinInt32 || n > math.MaxInt32 {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil || i < math.MinInt32 || i > math.MaxInt32 {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}
