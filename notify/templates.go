package notify

import (
	"github.com/guestbook-social/guestbook/moderation"

	"github.com/flosch/pongo2/v6"
)

// bodies are plain text, so user-supplied values are marked safe to skip HTML escaping

var alertTemplate = pongo2.Must(pongo2.FromString(`New comment on "{{ item|safe }}" needs review ({{ state }})
Author: {{ author|safe }} <{{ email|safe }}>
{% if photo %}Photo: {{ photo|safe }}
{% endif %}
> {{ text|truncatechars:500|safe }}

Review: {{ review_url|safe }}
`))

var authorTemplate = pongo2.Must(pongo2.FromString(`Hello {{ author|safe }},

Your comment on "{{ item|safe }}" has been published:

{{ text|safe }}

Thank you for signing the guestbook!
`))

func renderAlert(c *moderation.Comment, reviewURL string) (string, error) {
	return alertTemplate.Execute(pongo2.Context{
		"item":       c.ItemSlug,
		"state":      c.State.String(),
		"author":     c.Author,
		"email":      c.Email,
		"photo":      c.PhotoFilename,
		"text":       c.Text,
		"review_url": reviewURL,
	})
}

func renderAuthorEmail(c *moderation.Comment) (string, error) {
	return authorTemplate.Execute(pongo2.Context{
		"item":   c.ItemSlug,
		"author": c.Author,
		"text":   c.Text,
	})
}
