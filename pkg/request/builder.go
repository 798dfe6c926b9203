// Package request turns a stream context and a page token into the
// concrete API call for the next page.
package request

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/Sternrassler/newstore-tap/pkg/client"
	"github.com/Sternrassler/newstore-tap/pkg/pagination"
	"github.com/Sternrassler/newstore-tap/pkg/stream"
)

// Builder renders the requests of one stream.
type Builder struct {
	desc     *stream.Descriptor
	path     string
	rawQuery string
	query    QueryPolicy
	body     BodyTemplate
}

// New returns a Builder for desc. The query policy may be nil for streams
// with a single page; body is nil for GET streams. A PageQuery without a
// replication key inherits the descriptor's. Every body key must be
// declared in the descriptor's Requires so that registry validation sees it.
func New(desc *stream.Descriptor, query QueryPolicy, body BodyTemplate) (*Builder, error) {
	path, rawQuery, _ := strings.Cut(desc.Path, "?")
	if err := checkTemplate(desc.Path); err != nil {
		return nil, fmt.Errorf("stream %q: %w", desc.Name, err)
	}

	if body != nil {
		declared := make(map[string]bool)
		for _, k := range desc.RequiredKeys() {
			declared[k] = true
		}
		for _, k := range body.RequiredKeys() {
			if !declared[k] {
				return nil, fmt.Errorf("stream %q: body key %q not declared in Requires", desc.Name, k)
			}
		}
	}

	if pq, ok := query.(PageQuery); ok && pq.ReplicationKey == "" {
		pq.ReplicationKey = desc.ReplicationKey
		query = pq
	}

	return &Builder{
		desc:     desc,
		path:     path,
		rawQuery: rawQuery,
		query:    query,
		body:     body,
	}, nil
}

// Endpoint returns the unrendered path template.
func (b *Builder) Endpoint() string {
	return b.path
}

// Build renders the request for token. An absent token means the first
// page.
func (b *Builder) Build(ctx stream.Context, token pagination.PageToken) (*client.Request, error) {
	path, err := Render(b.path, b.desc.Name, ctx, url.PathEscape)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	if b.rawQuery != "" {
		for _, pair := range strings.Split(b.rawQuery, "&") {
			if pair == "" {
				continue
			}
			k, v, _ := strings.Cut(pair, "=")
			// Encode escapes values, so they are rendered verbatim here.
			rendered, err := Render(v, b.desc.Name, ctx, nil)
			if err != nil {
				return nil, err
			}
			q.Add(k, rendered)
		}
	}
	if b.query != nil {
		b.query.Apply(q, token)
	}

	req := &client.Request{
		Method:   b.desc.HTTPMethod(),
		Path:     path,
		Endpoint: b.path,
		Query:    q,
	}
	if b.body != nil {
		body, err := b.body.Render(b.desc.Name, ctx)
		if err != nil {
			return nil, err
		}
		req.Body = body
	}
	return req, nil
}

// Render substitutes {name} placeholders in template with values from ctx,
// passing each through escape when it is non-nil.
func Render(template, streamName string, ctx stream.Context, escape func(string) string) (string, error) {
	var sb strings.Builder
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return "", fmt.Errorf("stream %q: unclosed placeholder in %q", streamName, template)
		}
		sb.WriteString(rest[:open])

		key := rest[open+1 : open+end]
		val, err := ctx.Text(streamName, key)
		if err != nil {
			return "", err
		}
		if escape != nil {
			val = escape(val)
		}
		sb.WriteString(val)
		rest = rest[open+end+1:]
	}
}

func checkTemplate(template string) error {
	depth := 0
	for _, r := range template {
		switch r {
		case '{':
			depth++
			if depth > 1 {
				return fmt.Errorf("nested placeholder in %q", template)
			}
		case '}':
			depth--
			if depth < 0 {
				return fmt.Errorf("unbalanced '}' in %q", template)
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("unclosed placeholder in %q", template)
	}
	return nil
}

func sortedUnique(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
