package dispatch

import (
	"fmt"

	"github.com/ignite/dispatch-engine/internal/subscribers"
	"github.com/ignite/dispatch-engine/internal/templates"
)

// Adapter renders a sendable object into email content for one subscriber.
type Adapter interface {
	Subject(obj Sendable, sub *subscribers.Subscriber) string
	// Content returns the plain text body.
	Content(obj Sendable, sub *subscribers.Subscriber) (string, error)
	// ContentHTML returns the HTML alternative, or "" for text-only email.
	ContentHTML(obj Sendable, sub *subscribers.Subscriber) (string, error)
	FromEmail(obj Sendable, sub *subscribers.Subscriber) string
	ReplyToEmail(obj Sendable, sub *subscribers.Subscriber) string
	Headers(obj Sendable, sub *subscribers.Subscriber) map[string]string
}

// LinkBuilder computes the secure-hash URLs embedded in outgoing email.
type LinkBuilder struct {
	BaseURL string
	Secret  string
}

func (lb *LinkBuilder) signedPath(action, typeTag string, obj Sendable, sub *subscribers.Subscriber) string {
	return fmt.Sprintf("%s/subscribers/%s/%s/%s/%d/%s",
		lb.BaseURL, action, typeTag, obj.ObjectKey(), sub.ID, SecureHash(lb.Secret, obj.ObjectKey(), sub))
}

// UnsubscribeURL returns the unsubscribe URL for the given object and
// subscriber.
func (lb *LinkBuilder) UnsubscribeURL(typeTag string, obj Sendable, sub *subscribers.Subscriber) string {
	return lb.signedPath("unsubscribe", typeTag, obj, sub)
}

// EmailURL returns the hosted HTML view URL for the given object and
// subscriber.
func (lb *LinkBuilder) EmailURL(typeTag string, obj Sendable, sub *subscribers.Subscriber) string {
	return lb.signedPath("email", typeTag, obj, sub)
}

// AdapterOptions configures a base adapter at registration time. Zero-value
// fields keep the default behavior.
type AdapterOptions struct {
	// TypeTag must match the tag the adapter is registered under; it is
	// used to build unsubscribe/view links.
	TypeTag string
	// Subject overrides the default subject (the object title).
	Subject func(obj Sendable, sub *subscribers.Subscriber) string
	// TextTemplate is the Liquid source for the plain text body.
	TextTemplate string
	// HTMLTemplate is the Liquid source for the HTML alternative. Empty
	// means the email is sent text-only.
	HTMLTemplate string
	FromEmail    string
	ReplyTo      string
}

// defaultTextTemplate is used when no text template is configured.
const defaultTextTemplate = `{{ subject }}

{% if unsubscribe_url %}To unsubscribe, visit: {{ unsubscribe_url }}{% endif %}
`

// BaseAdapter renders email content through Liquid templates. Behavior is
// specialized per registration via AdapterOptions rather than subtyping.
type BaseAdapter struct {
	engine *templates.Engine
	links  *LinkBuilder
	opts   AdapterOptions
}

// NewAdapter builds a base adapter from the given options. links may be nil,
// in which case rendered email carries no unsubscribe URL.
func NewAdapter(engine *templates.Engine, links *LinkBuilder, opts AdapterOptions) *BaseAdapter {
	if opts.TextTemplate == "" {
		opts.TextTemplate = defaultTextTemplate
	}
	return &BaseAdapter{engine: engine, links: links, opts: opts}
}

// Subject returns the subject line for the email this object represents.
func (a *BaseAdapter) Subject(obj Sendable, sub *subscribers.Subscriber) string {
	if a.opts.Subject != nil {
		return a.opts.Subject(obj, sub)
	}
	return obj.ObjectTitle()
}

// TemplateParams returns the render context shared by the text and HTML
// templates.
func (a *BaseAdapter) TemplateParams(obj Sendable, sub *subscribers.Subscriber) map[string]interface{} {
	params := map[string]interface{}{
		"subject":    a.Subject(obj, sub),
		"title":      obj.ObjectTitle(),
		"object_key": obj.ObjectKey(),
		"email":      sub.Email,
		"first_name": sub.FirstName,
		"last_name":  sub.LastName,
		"full_name":  sub.FullName(),
	}
	if a.links != nil {
		params["host"] = a.links.BaseURL
		params["unsubscribe_url"] = a.links.UnsubscribeURL(a.opts.TypeTag, obj, sub)
		params["email_url"] = a.links.EmailURL(a.opts.TypeTag, obj, sub)
	}
	return params
}

// Content returns the plain text body of the email this object represents.
func (a *BaseAdapter) Content(obj Sendable, sub *subscribers.Subscriber) (string, error) {
	return a.engine.Render(a.opts.TextTemplate, a.TemplateParams(obj, sub))
}

// ContentHTML returns the HTML body, or "" when no HTML template is
// configured.
func (a *BaseAdapter) ContentHTML(obj Sendable, sub *subscribers.Subscriber) (string, error) {
	if a.opts.HTMLTemplate == "" {
		return "", nil
	}
	return a.engine.Render(a.opts.HTMLTemplate, a.TemplateParams(obj, sub))
}

// FromEmail returns the configured from address, or "" for the transport
// default.
func (a *BaseAdapter) FromEmail(obj Sendable, sub *subscribers.Subscriber) string {
	return a.opts.FromEmail
}

// ReplyToEmail returns the configured reply-to address, or "".
func (a *BaseAdapter) ReplyToEmail(obj Sendable, sub *subscribers.Subscriber) string {
	return a.opts.ReplyTo
}

// Headers generates additional headers for the email, including the one-click
// list unsubscribe headers when links are available.
func (a *BaseAdapter) Headers(obj Sendable, sub *subscribers.Subscriber) map[string]string {
	headers := map[string]string{}
	if reply := a.ReplyToEmail(obj, sub); reply != "" {
		headers["Reply-To"] = reply
	}
	if a.links != nil {
		headers["List-Unsubscribe"] = "<" + a.links.UnsubscribeURL(a.opts.TypeTag, obj, sub) + ">"
		headers["List-Unsubscribe-Post"] = "List-Unsubscribe=One-Click"
	}
	return headers
}
