// Package msgtemplate personalizes broadcast text with contact fields.
//
// A placeholder is a word in braces, matched case-insensitively:
//
//	{nome}      contact name
//	{telefone}  contact phone as stored
//	{grupo}     contact group
//
// Any other placeholder is left in the output verbatim, braces included.
package msgtemplate

import (
	"regexp"
	"strings"

	"autobot/internal/contacts"
)

var tagRe = regexp.MustCompile(`\{(\w+)\}`)

func lookup(tag string, c contacts.Contact) (string, bool) {
	switch strings.ToLower(tag) {
	case "nome":
		return c.Name, true
	case "telefone":
		return c.Phone, true
	case "grupo":
		return c.Group, true
	}
	return "", false
}

// Expand replaces every known placeholder in tmpl with the contact's value.
func Expand(tmpl string, c contacts.Contact) string {
	return tagRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		if v, ok := lookup(m[1:len(m)-1], c); ok {
			return v
		}
		return m
	})
}

// UnknownTags lists placeholders Expand would leave untouched, in order of
// first appearance.
func UnknownTags(tmpl string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range tagRe.FindAllStringSubmatch(tmpl, -1) {
		tag := m[1]
		if _, ok := lookup(tag, contacts.Contact{}); ok || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}
