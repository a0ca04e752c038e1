package model

import (
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Response is the fetcher's result for a Request. Request is carried
// by reference and never mutated by Response methods.
type Response struct {
	URL      string
	Body     []byte
	Status   int
	Headers  map[string]string
	Encoding string
	Request  *Request

	doc     *goquery.Document
	docErr  error
	docOnce bool
}

// Text returns the response body decoded as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// Doc lazily parses the body as HTML and returns a goquery document for
// CSS-selector based extraction in user callbacks.
func (r *Response) Doc() (*goquery.Document, error) {
	if !r.docOnce {
		r.doc, r.docErr = goquery.NewDocumentFromReader(strings.NewReader(string(r.Body)))
		r.docOnce = true
	}
	return r.doc, r.docErr
}

// CSS is a convenience wrapper returning the goquery selection for a
// CSS selector, or an empty selection if the body failed to parse.
func (r *Response) CSS(selector string) *goquery.Selection {
	doc, err := r.Doc()
	if err != nil || doc == nil {
		return new(goquery.Selection)
	}
	return doc.Find(selector)
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// Follow builds a new Request for rawURL that inherits this response's
// originating request's Meta, as the spec requires.
func (r *Response) Follow(rawURL, callback string) *Request {
	next := NewRequest(rawURL, callback)
	if r.Request != nil && r.Request.Meta != nil {
		next.Meta = make(map[string]interface{}, len(r.Request.Meta))
		for k, v := range r.Request.Meta {
			next.Meta[k] = v
		}
	}
	return next
}
